package flashfs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type gcCandidate struct {
	sector uint32
	era    eraseCnt
	free   uint32
	dele   uint32
	busy   uint32
}

// gcScore ranks a sector for reclamation. Old erase counts and deleted
// pages raise the score, free and busy pages lower it. Percentages are of
// the sector.
func gcScore(eraDiff, freePct, delePct, busyPct uint32) int32 {
	return int32(eraDiff)*100 + int32(freePct)*-4 + int32(delePct)*2 + int32(busyPct)*-2
}

func (fs *FS) findGCCandidate(allowFull bool) (gcCandidate, error) {
	var (
		cand  gcCandidate
		best  int32 = -1 << 31
		found bool
	)
	pps := fs.pagesPerSector
	for s := uint32(0); s < fs.sectors; s++ {
		sh, err := fs.readSectorHdr(s)
		if err != nil {
			return cand, err
		}
		if sh.magic != fs.magic() {
			continue
		}
		c := gcCandidate{sector: s, era: sh.era}
		for pix := fs.sectorPix(s); pix < fs.sectorPix(s+1); pix++ {
			h, err := fs.readPageHdr(pix)
			if err != nil {
				return cand, err
			}
			switch {
			case h.erased():
				c.free++
			case h.deleted() || !h.flag.valid():
				c.dele++
			default:
				c.busy++
			}
		}
		l := fs.log.WithFields(log.Fields{
			"sector": s,
			"era":    sh.era,
			"free":   c.free,
			"dele":   c.dele,
			"busy":   c.busy,
		})

		switch {
		case c.free == pps:
			l.Debug("gc: skip, all free")
			continue
		case c.busy > fs.freePages:
			l.Debug("gc: skip, no room to move busy pages")
			continue
		case fs.freePages > 0 && c.free == fs.freePages:
			l.Debug("gc: skip, holds the only free pages")
			continue
		case c.busy == pps && !allowFull:
			l.Debug("gc: skip, full")
			continue
		}

		// a full sector with a low erase count may win here and free
		// nothing, which moves long lived files for wear leveling
		score := gcScore(uint32(fs.maxEra-sh.era), 100*c.free/pps, 100*c.dele/pps, 100*c.busy/pps)
		l.WithField("score", score).Debug("gc: scored")
		if score > best {
			best = score
			cand = c
			found = true
		}
	}
	if !found {
		return cand, ErrNoGCCandidate
	}
	return cand, nil
}

// gc reclaims one sector: its live pages move elsewhere and the sector is
// erased. It returns the number of deleted pages that became free.
func (fs *FS) gc(allowFull bool) (uint32, error) {
	cand, err := fs.findGCCandidate(allowFull)
	if err != nil {
		return 0, err
	}
	fs.log.WithFields(log.Fields{
		"sector": cand.sector,
		"era":    cand.era,
		"free":   cand.free,
		"dele":   cand.dele,
		"busy":   cand.busy,
	}).Debug("gc: collecting")

	for pix := fs.sectorPix(cand.sector); pix < fs.sectorPix(cand.sector+1); pix++ {
		h, err := fs.readPageHdr(pix)
		if err != nil {
			return 0, err
		}
		if !h.live() {
			continue
		}
		dst, err := fs.findFreePage(int(cand.sector))
		if err != nil {
			return 0, err
		}
		if err := fs.movePage(pix, dst, nil, flagKeep); err != nil {
			return 0, err
		}
	}

	if err := fs.eraseSector(cand.sector); err != nil {
		return 0, err
	}
	if fs.pixSector(fs.lastFreePix) == cand.sector {
		next := cand.sector + 1
		if next >= fs.sectors {
			next = 0
		}
		fs.lastFreePix = fs.sectorPix(next)
	}

	// moved pages were counted deleted on the way out
	fs.delePages -= cand.dele + cand.busy
	fs.freePages += cand.dele + cand.busy
	return cand.dele, nil
}

// ensureFreePages collects garbage until n pages can be taken without
// touching the spare sector. Full sectors are only collected on every
// fourth attempt.
func (fs *FS) ensureFreePages(n uint32) error {
	pps := fs.pagesPerSector
	run := 1
	for fs.freePages < pps {
		fs.log.WithFields(log.Fields{"run": run, "free": fs.freePages}).Debug("ensure: spare sector in use")
		if fs.delePages < pps-fs.freePages {
			return errors.Wrapf(ErrOverflow, "%d free, %d deleted", fs.freePages, fs.delePages)
		}
		if _, err := fs.gc(false); err != nil {
			return err
		}
		run++
	}

	if n > fs.delePages+fs.freePages-pps {
		return errors.Wrapf(ErrFull, "need %d pages, %d reclaimable", n, fs.delePages+fs.freePages-pps)
	}

	for n > fs.freePages || fs.freePages-n < pps {
		fs.log.WithFields(log.Fields{"run": run, "need": n, "free": fs.freePages}).Debug("ensure: collecting")
		if _, err := fs.gc((run-1)%4 == 0); err != nil {
			return err
		}
		run++
	}
	return nil
}

// GC runs one collection and returns the number of freed pages.
func (fs *FS) GC(allowFull bool) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	freed, err := fs.gc(allowFull)
	return int(freed), err
}
