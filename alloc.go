package flashfs

import "github.com/pkg/errors"

func (fs *FS) clearScratch() {
	for i := range fs.buf {
		fs.buf[i] = 0
	}
}

// markID sets the bitmap bit of oid in the scratch buffer and reports
// whether it was already set.
func (fs *FS) markID(oid objID) bool {
	if oid == 0 {
		return false
	}
	i := uint32(oid - 1)
	if int(i/8) >= len(fs.buf) {
		return false
	}
	was := fs.buf[i/8]&(1<<(i&7)) != 0
	fs.buf[i/8] |= 1 << (i & 7)
	return was
}

func (fs *FS) idMarked(oid objID) bool {
	if oid == 0 {
		return false
	}
	i := uint32(oid - 1)
	if int(i/8) >= len(fs.buf) {
		return false
	}
	return fs.buf[i/8]&(1<<(i&7)) != 0
}

// findFreeID returns the lowest object id no page uses. When conflict is
// non-empty the same scan fails with ErrNameConflict if an object header
// already carries that name.
func (fs *FS) findFreeID(conflict string) (objID, error) {
	fs.clearScratch()
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.free() || h.deleted() {
			return visitContinue, nil
		}
		fs.markID(fs.oid(h.id))
		if conflict != "" && fs.spix(h.id) == 0 && nameString(h.name) == conflict {
			return visitStop, errors.Wrapf(ErrNameConflict, "%q at page %d", conflict, pix)
		}
		return visitContinue, nil
	})
	if err != nil {
		return 0, err
	}

	maxID := fs.totalPages() - 2
	for id := uint32(1); id < maxID; id++ {
		if !fs.idMarked(objID(id)) {
			return objID(id), nil
		}
	}
	return 0, ErrNoFreeID
}

// findFreePage returns the first erased page at or after the free cursor,
// skipping the excluded sector (exclNone for none), and moves the cursor
// there.
func (fs *FS) findFreePage(excl int) (pageIx, error) {
	var found pageIx
	stopped, err := fs.traverse(fs.lastFreePix, fs.lastFreePix, func(pix pageIx, h *objHdr) (visit, error) {
		if excl != exclNone && fs.pixSector(pix) == uint32(excl) {
			return visitContinue, nil
		}
		if h.erased() {
			found = pix
			return visitStop, nil
		}
		return visitContinue, nil
	})
	if err != nil {
		return 0, err
	}
	if !stopped {
		return 0, ErrNoFreePage
	}
	fs.lastFreePix = found
	return found, nil
}

// findPage locates the live page of oid at span spix, scanning from start.
// A WRITTEN or CLEAN page wins. A MOVING page seen before another match is
// stale and gets deleted; a MOVING page alone is returned as is.
func (fs *FS) findPage(oid objID, spix spanIx, start pageIx) (pageIx, error) {
	var (
		found    pageIx
		movFound bool
		movPix   pageIx
	)
	want := fs.makeID(oid, spix)
	stopped, err := fs.traverse(start, start, func(pix pageIx, h *objHdr) (visit, error) {
		if !h.live() || fs.oid(h.id) != oid || fs.spix(h.id) != spix {
			return visitContinue, nil
		}
		if movFound {
			if err := fs.deletePage(movPix); err != nil {
				return visitStop, err
			}
			movFound = false
		}
		if h.moving() {
			movFound = true
			movPix = pix
			return visitContinue, nil
		}
		found = pix
		return visitStop, nil
	})
	if err != nil {
		return 0, err
	}
	if stopped {
		return found, nil
	}
	if movFound {
		fs.log.WithFields(fs.fields(movPix, want)).Debug("find: only moving page found")
		return movPix, nil
	}
	return 0, errors.Wrapf(ErrPageNotFound, "oid %d spix %d", oid, spix)
}
