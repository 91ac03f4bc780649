package flashfs

type visit int

const (
	visitContinue visit = iota
	visitStop
)

// visitor inspects one page. The header, including its name slice, is only
// valid for the duration of the call.
type visitor func(pix pageIx, h *objHdr) (visit, error)

// traverse walks the pages circularly from start until end comes around
// again, wrapping past the last page to 0. It reports whether the visitor
// stopped the walk; false means the full circuit was visited.
func (fs *FS) traverse(start, end pageIx, v visitor) (bool, error) {
	total := pageIx(fs.totalPages())
	if fs.travDepth == len(fs.travBufs) {
		fs.travBufs = append(fs.travBufs, make([]byte, fs.objHdrSize()))
	}
	buf := fs.travBufs[fs.travDepth]
	fs.travDepth++
	defer func() { fs.travDepth-- }()
	pix := start
	if pix >= total {
		pix = 0
		if pix == end {
			return false, nil
		}
	}
	for {
		h, err := fs.readObjHdr(pix, buf)
		if err != nil {
			return false, err
		}
		res, err := v(pix, &h)
		if err != nil {
			return false, err
		}
		if res == visitStop {
			return true, nil
		}
		pix++
		if pix >= total {
			pix = 0
		}
		if pix == end {
			return false, nil
		}
	}
}

// traverseAll visits every page once, starting at page 0.
func (fs *FS) traverseAll(v visitor) (bool, error) {
	return fs.traverse(0, 0, v)
}
