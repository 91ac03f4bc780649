package flashfs

import "fmt"

const (
	// sector header: magic u16, erase count u16
	sectorHdrSize = 4
	// page header: id u16, flag u16
	pageHdrSize = 4
	pageIDOff   = 0
	pageFlagOff = 2
	// object header: page header, length u32, name
	objLenOff  = pageHdrSize
	objNameOff = pageHdrSize + 4

	sectorMagicBase uint32 = 0xfee1c01d

	// UndefLen marks an object header whose length was never committed.
	UndefLen uint32 = 0xffffffff

	// low bits of a raw page id reserved for a write cycle counter, always zero
	cycleBits = 2

	exclNone = -1
)

type pageIx uint32
type objID uint16
type spanIx uint16
type rawID uint16
type eraseCnt uint16

const (
	idFree    rawID = 0xffff
	idDeleted rawID = 0x0000

	maxEraseCnt eraseCnt = 0xffff
)

type pageFlag uint16

const (
	flagClean   pageFlag = 0xffff
	flagWritten pageFlag = 0x0001
	flagMoving  pageFlag = 0x0000
	// flagKeep is never written, it asks moves to derive the destination
	// flag from the source
	flagKeep pageFlag = 0x5aa5
)

func (f pageFlag) valid() bool {
	return f == flagClean || f == flagWritten || f == flagMoving
}

func (f pageFlag) String() string {
	switch f {
	case flagClean:
		return "CLEA"
	case flagWritten:
		return "WRIT"
	case flagMoving:
		return "MOVI"
	default:
		return fmt.Sprintf("BAD(%04x)", uint16(f))
	}
}

// pageHdr is the decoded form of the first word of every page.
type pageHdr struct {
	id   rawID
	flag pageFlag
}

func (h pageHdr) free() bool    { return h.id == idFree }
func (h pageHdr) deleted() bool { return h.id == idDeleted }
func (h pageHdr) clean() bool   { return h.flag == flagClean }
func (h pageHdr) written() bool { return h.flag == flagWritten }
func (h pageHdr) moving() bool  { return h.flag == flagMoving }

// erased reports a page that was never touched since the last erase.
func (h pageHdr) erased() bool { return h.free() && h.clean() }

// live reports a page carrying an object id and a valid flag.
func (h pageHdr) live() bool {
	return h.flag.valid() && !h.free() && !h.deleted()
}

// objHdr is a page header plus the object header fields. length and name
// only carry meaning when the span index is zero.
type objHdr struct {
	pageHdr
	length uint32
	name   []byte
}

// layout holds the derived geometry and the id bit packing of a mounted
// medium. All methods are pure.
type layout struct {
	sectors        uint32
	sectorSize     uint32
	pageSize       uint32
	pagesPerSector uint32
	objIDBits      uint
	spanIxBits     uint
	nameLen        uint32
}

func (l *layout) totalPages() uint32 { return l.sectors * l.pagesPerSector }

func (l *layout) magic() uint16 { return uint16(sectorMagicBase ^ l.pageSize) }

func (l *layout) objHdrSize() uint32 { return objNameOff + l.nameLen }

func (l *layout) sectorAddr(s uint32) uint32 { return s * l.sectorSize }

func (l *layout) pixSector(pix pageIx) uint32 { return uint32(pix) / l.pagesPerSector }

func (l *layout) sectorPix(s uint32) pageIx { return pageIx(s * l.pagesPerSector) }

func (l *layout) pixAddr(pix pageIx) uint32 {
	return l.sectorAddr(l.pixSector(pix)) + sectorHdrSize + (uint32(pix)%l.pagesPerSector)*l.pageSize
}

// dataLen is the payload capacity of a page at the given span index.
func (l *layout) dataLen(spix spanIx) uint32 {
	n := l.pageSize - pageHdrSize
	if spix == 0 {
		n -= l.objHdrSize()
	}
	return n
}

// dataOff is where payload starts inside a page at the given span index.
func (l *layout) dataOff(spix spanIx) uint32 {
	if spix == 0 {
		return l.objHdrSize()
	}
	return pageHdrSize
}

func (l *layout) offsSpix(offs uint32) spanIx {
	l0 := l.dataLen(0)
	if offs < l0 {
		return 0
	}
	return spanIx(1 + (offs-l0)/l.dataLen(1))
}

func (l *layout) offsPdata(offs uint32) uint32 {
	l0 := l.dataLen(0)
	if offs < l0 {
		return offs
	}
	return (offs - l0) % l.dataLen(1)
}

func (l *layout) maxObjID() objID { return objID(1<<l.objIDBits - 1) }

func (l *layout) maxSpanIx() spanIx { return spanIx(1<<l.spanIxBits - 1) }

// maxFileLen is the length of a file using every span index.
func (l *layout) maxFileLen() uint64 {
	return uint64(l.dataLen(0)) + uint64(l.maxSpanIx())*uint64(l.dataLen(1))
}

func (l *layout) makeID(oid objID, spix spanIx) rawID {
	return rawID(uint16(oid)<<(cycleBits+l.spanIxBits) | uint16(spix)<<cycleBits)
}

func (l *layout) oid(id rawID) objID {
	return objID(uint16(id) >> (cycleBits + l.spanIxBits) & uint16(l.maxObjID()))
}

func (l *layout) spix(id rawID) spanIx {
	return spanIx(uint16(id) >> cycleBits & uint16(l.maxSpanIx()))
}
