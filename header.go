package flashfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var le = binary.LittleEndian

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func decodePageHdr(b []byte) pageHdr {
	return pageHdr{
		id:   rawID(le.Uint16(b[pageIDOff:])),
		flag: pageFlag(le.Uint16(b[pageFlagOff:])),
	}
}

// encodeObjFields writes length and a zero padded name into b, which maps
// the object header starting right after the page header.
func (l *layout) encodeObjFields(b []byte, length uint32, name string) {
	le.PutUint32(b[0:], length)
	nb := b[4 : 4+l.nameLen]
	for i := range nb {
		nb[i] = 0
	}
	copy(nb, name)
}

func nameString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

type sectorHdr struct {
	magic uint16
	era   eraseCnt
}

func (fs *FS) read(addr uint32, p []byte) error {
	if err := fs.m.Read(addr, p); err != nil {
		return errors.Wrapf(err, "read %d bytes at %#x", len(p), addr)
	}
	return nil
}

func (fs *FS) write(addr uint32, p []byte) error {
	if err := fs.m.Write(addr, p); err != nil {
		return errors.Wrapf(err, "write %d bytes at %#x", len(p), addr)
	}
	return nil
}

func (fs *FS) erase(addr, n uint32) error {
	if err := fs.m.Erase(addr, n); err != nil {
		return errors.Wrapf(err, "erase %d bytes at %#x", n, addr)
	}
	return nil
}

func (fs *FS) readSectorHdr(s uint32) (sectorHdr, error) {
	var b [sectorHdrSize]byte
	if err := fs.read(fs.sectorAddr(s), b[:]); err != nil {
		return sectorHdr{}, err
	}
	return sectorHdr{magic: le.Uint16(b[0:]), era: eraseCnt(le.Uint16(b[2:]))}, nil
}

// formatted reports a sector carrying this geometry's magic and a usable
// erase count.
func (fs *FS) formatted(h sectorHdr) bool {
	return h.magic == fs.magic() && h.era != maxEraseCnt
}

func (fs *FS) readPageHdr(pix pageIx) (pageHdr, error) {
	var b [pageHdrSize]byte
	if err := fs.read(fs.pixAddr(pix), b[:]); err != nil {
		return pageHdr{}, err
	}
	return decodePageHdr(b[:]), nil
}

// readObjHdr decodes the object header at pix into buf, which must hold
// objHdrSize bytes. The returned name aliases buf.
func (fs *FS) readObjHdr(pix pageIx, buf []byte) (objHdr, error) {
	buf = buf[:fs.objHdrSize()]
	if err := fs.read(fs.pixAddr(pix), buf); err != nil {
		return objHdr{}, err
	}
	return objHdr{
		pageHdr: decodePageHdr(buf),
		length:  le.Uint32(buf[objLenOff:]),
		name:    buf[objNameOff:],
	}, nil
}

func (fs *FS) writeFlag(pix pageIx, f pageFlag) error {
	return fs.write(fs.pixAddr(pix)+pageFlagOff, u16le(uint16(f)))
}

func (fs *FS) writeID(pix pageIx, id rawID) error {
	return fs.write(fs.pixAddr(pix)+pageIDOff, u16le(uint16(id)))
}

func (fs *FS) writeLen(pix pageIx, n uint32) error {
	return fs.write(fs.pixAddr(pix)+objLenOff, u32le(n))
}

// fileLen treats an undefined length as empty.
func fileLen(n uint32) uint32 {
	if n == UndefLen {
		return 0
	}
	return n
}
