package flashfs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OpenFlag selects the access mode of a descriptor.
type OpenFlag uint8

const (
	ORdOnly OpenFlag = 1 << iota
	OWrOnly
	// OCreate creates the file when it does not exist.
	OCreate
	// OTrunc empties an existing file on open.
	OTrunc

	ORdWr = ORdOnly | OWrOnly
)

// fileDesc is a slot of the descriptor table. A zero oid marks it unused.
type fileDesc struct {
	oid    objID
	objPix pageIx
	curPix pageIx
	offs   uint32
	flags  OpenFlag
}

func (fs *FS) freeDesc() (int, *fileDesc) {
	for i := range fs.descs {
		if fs.descs[i].oid == 0 {
			return i, &fs.descs[i]
		}
	}
	return -1, nil
}

func (fs *FS) desc(fd int) (*fileDesc, error) {
	if fd < 0 || fd >= len(fs.descs) {
		return nil, errors.Wrapf(ErrFileDescBad, "fd %d", fd)
	}
	if fs.descs[fd].oid == 0 {
		return nil, errors.Wrapf(ErrFileDescClosed, "fd %d", fd)
	}
	return &fs.descs[fd], nil
}

// informMove repoints descriptors following a page that moved.
func (fs *FS) informMove(src, dst pageIx) {
	for i := range fs.descs {
		d := &fs.descs[i]
		if d.oid == 0 {
			continue
		}
		if d.objPix == src {
			fs.log.WithFields(log.Fields{"fd": i, "pix": src, "dst": dst}).Debug("inform: object header moved")
			d.objPix = dst
		}
		if d.curPix == src {
			d.curPix = dst
		}
	}
}

// informDelete closes descriptors whose object header went away and
// rewinds those whose current page did.
func (fs *FS) informDelete(pix pageIx) {
	for i := range fs.descs {
		d := &fs.descs[i]
		if d.oid == 0 {
			continue
		}
		if d.objPix == pix {
			fs.log.WithFields(log.Fields{"fd": i, "pix": pix, "oid": d.oid}).Debug("inform: object header deleted, closing")
			*d = fileDesc{}
			continue
		}
		if d.curPix == pix {
			d.curPix = d.objPix
			d.offs = 0
		}
	}
}

// Close releases a descriptor. Closing a closed descriptor is allowed.
func (fs *FS) Close(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.close(fd)
}

func (fs *FS) close(fd int) error {
	if fd < 0 || fd >= len(fs.descs) {
		return errors.Wrapf(ErrFileDescBad, "fd %d", fd)
	}
	fs.descs[fd] = fileDesc{}
	return nil
}

// Stat describes a file.
type Stat struct {
	ID   uint16
	Size uint32
	Name string
	// Page is the page index of the object header.
	Page uint32
}

// Stat returns the state of an open file.
func (fs *FS) Stat(fd int) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Stat{}, ErrNotMounted
	}
	return fs.stat(fd)
}

func (fs *FS) stat(fd int) (Stat, error) {
	d, err := fs.desc(fd)
	if err != nil {
		return Stat{}, err
	}
	h, err := fs.readObjHdr(d.objPix, fs.hdrBuf)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		ID:   uint16(fs.oid(h.id)),
		Size: fileLen(h.length),
		Name: nameString(h.name),
		Page: uint32(d.objPix),
	}, nil
}

// StatName opens name read only, stats it and closes it again.
func (fs *FS) StatName(name string) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Stat{}, ErrNotMounted
	}
	fd, err := fs.open(name, ORdOnly)
	if err != nil {
		return Stat{}, err
	}
	defer fs.close(fd)
	return fs.stat(fd)
}

// ReadDir lists every object header, in page order.
func (fs *FS) ReadDir() ([]Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	var list []Stat
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.live() && fs.spix(h.id) == 0 {
			list = append(list, Stat{
				ID:   uint16(fs.oid(h.id)),
				Size: fileLen(h.length),
				Name: nameString(h.name),
				Page: uint32(pix),
			})
		}
		return visitContinue, nil
	})
	return list, err
}
