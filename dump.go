package flashfs

import (
	"fmt"
	"io"
)

func flagMark(on bool, set, unset string) string {
	if on {
		return set
	}
	return unset
}

// Dump writes a page map of the medium to w and reports counter drift.
func (fs *FS) Dump(w io.Writer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fmt.Fprintf(w, "sector size : %d\n", fs.sectorSize)
	fmt.Fprintf(w, "sectors     : %d\n", fs.sectors)
	fmt.Fprintf(w, "pages/sector: %d\n", fs.pagesPerSector)
	fmt.Fprintf(w, "page size   : %d\n", fs.pageSize)
	fmt.Fprintf(w, "free pages  : %d\n", fs.freePages)
	fmt.Fprintf(w, "dele pages  : %d\n", fs.delePages)

	var free, dele uint32
	buf := make([]byte, fs.objHdrSize())
	for s := uint32(0); s < fs.sectors; s++ {
		sh, err := fs.readSectorHdr(s)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "sector %2d @ %#06x  era_cnt:%5d  magic:%s\n", s, fs.sectorAddr(s), sh.era,
			flagMark(sh.magic == fs.magic(), "OK", "BAD"))
		for pix := fs.sectorPix(s); pix < fs.sectorPix(s+1); pix++ {
			h, err := fs.readObjHdr(pix, buf)
			if err != nil {
				return err
			}
			switch {
			case h.free():
				free++
			case h.deleted() || !h.flag.valid():
				dele++
			}
			fmt.Fprintf(w, "  %04x fl:%04x id:%04x %s %s %s %s %s %s", pix, uint16(h.flag), uint16(h.id),
				flagMark(h.free(), "FR", "fr"),
				flagMark(h.deleted(), "DE", "de"),
				flagMark(h.clean(), "CL", "cl"),
				flagMark(h.written(), "WR", "wr"),
				flagMark(h.moving(), "MO", "mo"),
				flagMark(h.flag.valid(), "   ", "BAD"))
			if !h.free() && !h.deleted() {
				fmt.Fprintf(w, "  obj.id:%04x  sp.ix:%02x", fs.oid(h.id), fs.spix(h.id))
				if fs.spix(h.id) == 0 {
					fmt.Fprintf(w, "  len:%08x  name:%s", h.length, printable(nameString(h.name)))
				}
			}
			fmt.Fprintln(w)
		}
	}
	if dele != fs.delePages {
		fmt.Fprintf(w, "FATAL! registered deleted pages:%d, but counted %d\n", fs.delePages, dele)
	}
	if free != fs.freePages {
		fmt.Fprintf(w, "FATAL! registered free pages:%d, but counted %d\n", fs.freePages, free)
	}
	return nil
}

func printable(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c < ' ' || c > '~' {
			b[i] = '.'
		}
	}
	return string(b)
}
