package flashfs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Check repairs what interrupted operations leave behind. It must run on
// an unmounted filesystem and may be run any number of times.
func (fs *FS) Check() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.mounted {
		return ErrMounted
	}

	// redoes an interrupted sector erase
	if err := fs.setup(); err != nil {
		return err
	}
	fs.log.Debug("check: orphans, aborted removes, bad flags, dirty pages")
	if err := fs.checkOrphansAndBadPages(); err != nil {
		return err
	}
	fs.log.Debug("check: moving data pages")
	if err := fs.checkMovingDataPages(); err != nil {
		return err
	}
	fs.log.Debug("check: duplicate object headers")
	if err := fs.checkDuplicateHeaders(); err != nil {
		return err
	}
	fs.log.Debug("check: moving object headers")
	if err := fs.checkMovingHeaders(); err != nil {
		return err
	}
	fs.log.Debug("check: spans beyond length")
	if err := fs.checkSpansBeyondLength(); err != nil {
		return err
	}

	if err := fs.setup(); err != nil {
		return err
	}
	if fs.freePages < fs.pagesPerSector {
		fs.log.WithField("free", fs.freePages).Debug("check: spare sector in use, collecting")
		if _, err := fs.gc(false); err != nil {
			if errors.Is(err, ErrNoGCCandidate) {
				return errors.Wrapf(ErrOverflow, "%d free pages", fs.freePages)
			}
			return err
		}
	}
	return nil
}

// hardDelete clears the id of an inconsistent page without the checks and
// bookkeeping of deletePage. Counters are rebuilt after the check.
func (fs *FS) hardDelete(pix pageIx, why string) error {
	fs.log.WithField("pix", pix).Debug("check: hard delete, " + why)
	return fs.writeID(pix, idDeleted)
}

// committed reports an object header whose length was written and is not
// a removal in progress.
func committed(h *objHdr) bool {
	return h.length != UndefLen && h.length > 0
}

func (fs *FS) checkOrphansAndBadPages() error {
	fs.clearScratch()
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.live() && fs.spix(h.id) == 0 && committed(h) {
			fs.markID(fs.oid(h.id))
		}
		return visitContinue, nil
	})
	if err != nil {
		return err
	}

	maxLen := uint64(fs.maxSpanIx()+1) * uint64(fs.pageSize)
	if l := uint64(fs.sectorSize) * uint64(fs.sectors-1); l < maxLen {
		maxLen = l
	}
	page := make([]byte, fs.pageSize)
	_, err = fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		switch {
		case h.deleted():
			return visitContinue, nil
		case !h.flag.valid():
			return visitContinue, fs.hardDelete(pix, "bad flag")
		case h.free() && !h.clean():
			return visitContinue, fs.hardDelete(pix, "free with flag "+h.flag.String())
		case !h.free() && h.clean():
			return visitContinue, fs.hardDelete(pix, "clean page with id")
		case h.free():
			if err := fs.read(fs.pixAddr(pix), page); err != nil {
				return visitStop, err
			}
			for _, b := range page {
				if b != 0xff {
					return visitContinue, fs.hardDelete(pix, "free page with data")
				}
			}
			return visitContinue, nil
		}

		oid := fs.oid(h.id)
		l := fs.log.WithFields(fs.fields(pix, h.id))
		switch {
		case fs.spix(h.id) > 0 && !fs.idMarked(oid):
			l.Debug("check: orphan page")
			return visitContinue, fs.deletePage(pix)
		case fs.spix(h.id) > 0:
			return visitContinue, nil
		case h.length == 0:
			l.Debug("check: unfinished remove")
			return visitContinue, fs.deletePage(pix)
		case uint64(h.length) > maxLen:
			l.WithField("len", h.length).Debug("check: bad length")
			return visitContinue, fs.deletePage(pix)
		}
		return visitContinue, nil
	})
	return err
}

// checkMovingDataPages settles moves of data pages: a MOVING page with a
// WRITTEN twin is stale, one without is the only copy and gets rewritten
// as WRITTEN.
func (fs *FS) checkMovingDataPages() error {
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.free() || h.deleted() || !h.moving() || fs.spix(h.id) == 0 {
			return visitContinue, nil
		}
		id := h.id
		twin, err := fs.traverse(pix, pix, func(_ pageIx, o *objHdr) (visit, error) {
			if !o.free() && !o.deleted() && o.written() && o.id == id {
				return visitStop, nil
			}
			return visitContinue, nil
		})
		if err != nil {
			return visitStop, err
		}
		l := fs.log.WithFields(fs.fields(pix, id))
		if twin {
			l.Debug("check: moving page has written twin")
			return visitContinue, fs.deletePage(pix)
		}
		dst, err := fs.findFreePage(exclNone)
		if errors.Is(err, ErrNoFreePage) {
			l.Debug("check: moving page alone, no free page")
			return visitContinue, nil
		}
		if err != nil {
			return visitStop, err
		}
		l.WithField("dst", dst).Debug("check: moving page alone, rewriting")
		return visitContinue, fs.movePage(pix, dst, nil, flagWritten)
	})
	return err
}

// checkDuplicateHeaders deletes every committed object header whose id was
// already seen.
func (fs *FS) checkDuplicateHeaders() error {
	fs.clearScratch()
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if !h.live() || fs.spix(h.id) != 0 || !committed(h) {
			return visitContinue, nil
		}
		if fs.markID(fs.oid(h.id)) {
			fs.log.WithFields(fs.fields(pix, h.id)).Debug("check: duplicate object header")
			return visitContinue, fs.deletePage(pix)
		}
		return visitContinue, nil
	})
	return err
}

func (fs *FS) checkMovingHeaders() error {
	var movi []pageIx
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if !h.free() && !h.deleted() && h.moving() && fs.spix(h.id) == 0 {
			movi = append(movi, pix)
		}
		return visitContinue, nil
	})
	if err != nil {
		return err
	}
	for _, pix := range movi {
		if _, err := fs.tidyMovingHeader(pix); err != nil {
			return err
		}
	}
	return nil
}

// lastSpan is the highest span index holding data for a file of n bytes,
// -1 when none does.
func (fs *FS) lastSpan(n uint32) int {
	s := int(fs.offsSpix(n))
	if fs.offsPdata(n) == 0 {
		s--
	}
	return s
}

func (fs *FS) deleteSpansAbove(oid objID, last int) error {
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		spix := fs.spix(h.id)
		if !h.live() || spix == 0 || int(spix) <= last || fs.oid(h.id) != oid {
			return visitContinue, nil
		}
		fs.log.WithFields(fs.fields(pix, h.id)).Debug("check: span beyond length")
		return visitContinue, fs.deletePage(pix)
	})
	return err
}

// tidyMovingHeader finishes the operation that left the object header at
// pix MOVING: spans beyond its length go, then the header is rewritten as
// WRITTEN. Without a free page the header stays where it is. It returns
// the header's page.
func (fs *FS) tidyMovingHeader(pix pageIx) (pageIx, error) {
	h, err := fs.readObjHdr(pix, make([]byte, fs.objHdrSize()))
	if err != nil {
		return pix, err
	}
	oid := fs.oid(h.id)
	last := fs.lastSpan(fileLen(h.length))
	fs.log.WithFields(log.Fields{"pix": pix, "oid": oid, "last": last}).Debug("check: tidy moving object header")
	if err := fs.deleteSpansAbove(oid, last); err != nil {
		return pix, err
	}

	dst, err := fs.findFreePage(exclNone)
	if errors.Is(err, ErrNoFreePage) {
		fs.log.WithField("pix", pix).Debug("check: moving object header, no free page")
		return pix, nil
	}
	if err != nil {
		return pix, err
	}
	if err := fs.movePage(pix, dst, nil, flagWritten); err != nil {
		return pix, err
	}
	return dst, nil
}

// checkSpansBeyondLength removes data pages past the length of a WRITTEN
// header, left by a truncate interrupted after its header move, and data
// pages whose header is gone.
func (fs *FS) checkSpansBeyondLength() error {
	last := make(map[objID]int)
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.live() && fs.spix(h.id) == 0 && committed(h) {
			last[fs.oid(h.id)] = fs.lastSpan(h.length)
		}
		return visitContinue, nil
	})
	if err != nil {
		return err
	}
	_, err = fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		spix := fs.spix(h.id)
		if !h.live() || spix == 0 {
			return visitContinue, nil
		}
		l, ok := last[fs.oid(h.id)]
		if ok && int(spix) <= l {
			return visitContinue, nil
		}
		fs.log.WithFields(fs.fields(pix, h.id)).WithField("orphan", !ok).Debug("check: span beyond length")
		return visitContinue, fs.deletePage(pix)
	})
	return err
}
