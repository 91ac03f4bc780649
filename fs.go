package flashfs

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options represents the options that can be set when creating a filesystem
// handle. Changing any of the bit widths or the name length changes the
// on-flash format.
type Options struct {
	// ObjIDBits and SpanIxBits split the 16 bit page id. Two more bits
	// are reserved, so the sum may not exceed 14.
	ObjIDBits  uint
	SpanIxBits uint

	// NameLen is the size of the name field in object headers. Names must
	// be shorter than this, the field is always zero terminated.
	NameLen uint32

	// WordAlign is the flash program unit. Page sizes are rounded down to
	// a multiple of it.
	WordAlign uint32

	// FileDescs is the number of files that can be open at the same time.
	FileDescs int

	// ScratchSize sets the work buffer size. When zero it is derived from
	// the geometry, otherwise it is validated against it.
	ScratchSize int

	// Logger receives debug traces of every flash mutation. Defaults to
	// the logrus standard logger.
	Logger log.FieldLogger
}

var DefaultOptions = &Options{
	ObjIDBits:  8,
	SpanIxBits: 6,
	NameLen:    16,
	WordAlign:  2,
	FileDescs:  4,
}

// Geometry describes the medium. PageSize is the requested page size, the
// effective one shrinks to leave room for the sector header.
type Geometry struct {
	Sectors    uint32
	SectorSize uint32
	PageSize   uint32
}

var DefaultGeometry = Geometry{
	Sectors:    8,
	SectorSize: 1024,
	PageSize:   128,
}

// Size is the number of medium bytes the geometry covers.
func (g Geometry) Size() uint32 { return g.Sectors * g.SectorSize }

// FS is a handle on a filesystem living on a Medium. All exported methods
// are serialized by an internal mutex.
type FS struct {
	layout

	mu  sync.Mutex
	m   Medium
	log log.FieldLogger

	// buf is the shared scratch area for id bitmaps and page composition
	buf []byte
	// moveBuf holds page data copied by moves, which may run while buf
	// is in use
	moveBuf []byte
	// hdrBuf is used by single header reads outside of traversals
	hdrBuf []byte
	// travBufs holds one header buffer per level of nested traversal
	travBufs  [][]byte
	travDepth int

	descs       []fileDesc
	lastFreePix pageIx
	mounted     bool

	freePages uint32
	delePages uint32
	maxEra    eraseCnt
}

func badConf(l log.FieldLogger, format string, args ...interface{}) error {
	err := errors.Wrapf(ErrBadConf, format, args...)
	l.WithError(err).Warn("rejecting configuration")
	return err
}

// New validates the geometry and options and returns an unmounted handle.
// Nothing is read from or written to the medium.
func New(m Medium, geo Geometry, options *Options) (*FS, error) {
	if options == nil {
		options = DefaultOptions
	}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	if m == nil {
		return nil, badConf(logger, "no medium")
	}
	if geo.Sectors < 2 || geo.SectorSize == 0 || geo.PageSize == 0 || geo.PageSize > geo.SectorSize {
		return nil, badConf(logger, "geometry %+v", geo)
	}
	align := options.WordAlign
	if align == 0 || align&(align-1) != 0 {
		return nil, badConf(logger, "word alignment %d not a power of two", align)
	}
	if options.ObjIDBits == 0 || options.SpanIxBits == 0 || options.ObjIDBits+options.SpanIxBits+cycleBits > 16 {
		return nil, badConf(logger, "id bits %d+%d do not fit a page id", options.ObjIDBits, options.SpanIxBits)
	}
	if options.NameLen < 2 {
		return nil, badConf(logger, "name length %d", options.NameLen)
	}
	if options.FileDescs <= 0 {
		return nil, badConf(logger, "%d file descriptors", options.FileDescs)
	}

	pps := geo.SectorSize / geo.PageSize
	pageSize := geo.PageSize
	if geo.SectorSize%geo.PageSize < sectorHdrSize {
		pageSize -= sectorHdrSize / pps
		if sectorHdrSize%pps != 0 {
			pageSize--
		}
	}
	pageSize &^= align - 1

	fs := &FS{
		layout: layout{
			sectors:        geo.Sectors,
			sectorSize:     geo.SectorSize,
			pageSize:       pageSize,
			pagesPerSector: pps,
			objIDBits:      options.ObjIDBits,
			spanIxBits:     options.SpanIxBits,
			nameLen:        options.NameLen,
		},
		m:   m,
		log: logger,
	}

	if pageSize == 0 || pageSize > geo.SectorSize/2 {
		return nil, badConf(logger, "effective page size %d out of range", pageSize)
	}
	if pageSize <= pageHdrSize+fs.objHdrSize() {
		return nil, badConf(logger, "page size %d cannot hold an object header of %d", pageSize, fs.objHdrSize())
	}
	maxPages := (geo.SectorSize - sectorHdrSize) / pageSize * geo.Sectors
	if maxPages > 1<<options.ObjIDBits {
		return nil, badConf(logger, "%d object id bits cannot keep %d pages unique", options.ObjIDBits, maxPages)
	}
	if spans := (geo.Sectors - 1) * pps; spans > 1<<options.SpanIxBits {
		return nil, badConf(logger, "%d span index bits cannot address a file of %d pages", options.SpanIxBits, spans)
	}

	bitmapLen := int((geo.SectorSize*geo.Sectors/geo.PageSize + 7) / 8)
	scratch := options.ScratchSize
	if scratch == 0 {
		scratch = int(geo.PageSize)
		if bitmapLen > scratch {
			scratch = bitmapLen
		}
	} else if scratch < int(geo.PageSize) || scratch < bitmapLen {
		return nil, badConf(logger, "scratch of %d bytes too small", scratch)
	}
	fs.buf = make([]byte, scratch)
	fs.moveBuf = make([]byte, pageSize)
	fs.hdrBuf = make([]byte, fs.objHdrSize())
	fs.travBufs = [][]byte{make([]byte, fs.objHdrSize()), make([]byte, fs.objHdrSize())}
	fs.descs = make([]fileDesc, options.FileDescs)

	logger.WithFields(log.Fields{
		"pageSize":    pageSize,
		"pagesPerSec": pps,
		"maxObjIDs":   1<<options.ObjIDBits - 2,
		"maxSpanIx":   1 << options.SpanIxBits,
	}).Debug("configured")
	return fs, nil
}

// Format erases every sector and writes fresh sector headers.
func (fs *FS) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.mounted {
		return ErrMounted
	}
	for s := uint32(0); s < fs.sectors; s++ {
		if err := fs.eraseSector(s); err != nil {
			return err
		}
		h, err := fs.readSectorHdr(s)
		if err != nil {
			return err
		}
		if h.magic != fs.magic() {
			return errors.Wrapf(ErrSectorUnformattable, "sector %d magic %04x, expected %04x", s, h.magic, fs.magic())
		}
	}
	fs.lastFreePix = 0
	return nil
}

// Mount scans the medium and makes the object operations available.
func (fs *FS) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.mounted {
		return ErrMounted
	}
	if err := fs.setup(); err != nil {
		return err
	}
	fs.mounted = true
	return nil
}

// Unmount closes every open descriptor.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	for i := range fs.descs {
		fs.descs[i] = fileDesc{}
	}
	fs.mounted = false
	return nil
}

// Info summarizes the space of a mounted filesystem.
type Info struct {
	// Total is the number of data bytes that fit when the spare sector is
	// kept free.
	Total uint64
	// Used counts data bytes of busy pages.
	Used uint64
	// Overflow is set when the spare sector is no longer fully free.
	Overflow bool

	FreePages    uint32
	DeletedPages uint32
	BusyPages    uint32
}

func (fs *FS) Info() (Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Info{}, ErrNotMounted
	}
	busy := fs.totalPages() - fs.freePages - fs.delePages
	pl := uint64(fs.dataLen(1))
	return Info{
		Total:        uint64(fs.sectors-1) * uint64(fs.pagesPerSector) * pl,
		Used:         uint64(busy) * pl,
		Overflow:     fs.freePages < fs.pagesPerSector,
		FreePages:    fs.freePages,
		DeletedPages: fs.delePages,
		BusyPages:    busy,
	}, nil
}

// setup recounts free and deleted pages and the highest erase count. One
// unformatted sector, the trace of an interrupted erase, is erased again.
func (fs *FS) setup() error {
	fs.freePages = 0
	fs.delePages = 0
	fs.maxEra = 0

	bad := 0
	hdrs := make([]sectorHdr, fs.sectors)
	for s := range hdrs {
		h, err := fs.readSectorHdr(uint32(s))
		if err != nil {
			return err
		}
		hdrs[s] = h
		if !fs.formatted(h) {
			bad++
			continue
		}
		if h.era > fs.maxEra {
			fs.maxEra = h.era
		}
	}
	if bad > 1 {
		return errors.Wrapf(ErrNotAFilesystem, "%d unformatted sectors", bad)
	}

	for s, h := range hdrs {
		if !fs.formatted(h) {
			fs.log.WithField("sector", s).Debug("erasing unformatted sector")
			if err := fs.eraseSector(uint32(s)); err != nil {
				return err
			}
		}
		for pix := fs.sectorPix(uint32(s)); pix < fs.sectorPix(uint32(s)+1); pix++ {
			ph, err := fs.readPageHdr(pix)
			if err != nil {
				return err
			}
			switch {
			case ph.free():
				fs.freePages++
			case ph.deleted() || !ph.flag.valid():
				fs.delePages++
			}
		}
	}
	return nil
}
