package flashfs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (fs *FS) fields(pix pageIx, id rawID) log.Fields {
	return log.Fields{"pix": pix, "oid": fs.oid(id), "spix": fs.spix(id)}
}

// writePage commits a fresh page. The flag goes first, then the data, and
// the id last, so the page reads as free until the final write lands.
func (fs *FS) writePage(pix pageIx, h pageHdr, data []byte) error {
	oid := fs.oid(h.id)
	if oid == 0 || oid == fs.maxObjID() {
		return errors.Wrapf(ErrWriteBadID, "oid %d", oid)
	}
	orig, err := fs.readPageHdr(pix)
	if err != nil {
		return err
	}
	if !orig.erased() {
		return errors.Wrapf(ErrWriteUnfreePage, "page %d", pix)
	}
	if len(data) > int(fs.dataLen(1)) {
		return errors.Errorf("page data of %d bytes exceeds %d", len(data), fs.dataLen(1))
	}

	fs.log.WithFields(fs.fields(pix, h.id)).WithField("data", len(data)).Debug("write page")

	addr := fs.pixAddr(pix)
	if !h.clean() {
		if err := fs.writeFlag(pix, h.flag); err != nil {
			return err
		}
	}
	if len(data) > 0 {
		if err := fs.write(addr+pageHdrSize, data); err != nil {
			return err
		}
	}
	return fs.writeID(pix, h.id)
}

// deletePage clears the id of a live page and tells the descriptors.
func (fs *FS) deletePage(pix pageIx) error {
	h, err := fs.readPageHdr(pix)
	if err != nil {
		return err
	}
	if h.free() {
		return errors.Wrapf(ErrDeletingFreePage, "page %d", pix)
	}
	if h.deleted() {
		return errors.Wrapf(ErrDeletingDeletedPage, "page %d", pix)
	}
	fs.log.WithFields(fs.fields(pix, h.id)).Debug("delete page")
	if err := fs.writeID(pix, idDeleted); err != nil {
		return err
	}
	fs.delePages++
	fs.informDelete(pix)
	return nil
}

// movePage copies src to the free page dst and deletes src. data replaces
// everything after the page header when given. flag sets the flag of dst,
// flagKeep derives it from src.
//
// src is marked MOVING before dst is touched and deleted only after the id
// of dst is committed, so an interrupted move always leaves a MOVING src
// that the checker can settle.
func (fs *FS) movePage(src, dst pageIx, data []byte, flag pageFlag) error {
	if src == dst {
		return errors.Wrapf(ErrMovingToSamePage, "page %d", src)
	}
	sh, err := fs.readPageHdr(src)
	if err != nil {
		return err
	}
	dh, err := fs.readPageHdr(dst)
	if err != nil {
		return err
	}
	switch {
	case !sh.flag.valid() || !dh.flag.valid():
		return errors.Wrapf(ErrMovingBadFlag, "page %d (%s) to %d (%s)", src, sh.flag, dst, dh.flag)
	case sh.free():
		return errors.Wrapf(ErrMovingFreePage, "page %d", src)
	case sh.deleted():
		return errors.Wrapf(ErrMovingDeletedPage, "page %d", src)
	case !dh.free():
		return errors.Wrapf(ErrMovingToUnfreePage, "page %d to %d", src, dst)
	}

	fs.log.WithFields(fs.fields(src, sh.id)).WithFields(log.Fields{
		"dst":  dst,
		"flag": sh.flag.String(),
	}).Debug("move page")

	if !sh.moving() {
		if err := fs.writeFlag(src, flagMoving); err != nil {
			return err
		}
	}

	if flag == flagKeep {
		switch {
		case sh.clean():
			flag = flagClean
		case sh.moving():
			flag = flagMoving
		default:
			flag = flagWritten
		}
	}
	if flag != flagClean {
		if err := fs.writeFlag(dst, flag); err != nil {
			return err
		}
	}

	fs.freePages--
	dstData := fs.pixAddr(dst) + pageHdrSize
	switch {
	case data != nil:
		if err := fs.write(dstData, data); err != nil {
			return err
		}
	case !sh.clean() || fs.spix(sh.id) == 0:
		buf := fs.moveBuf[:fs.pageSize-pageHdrSize]
		if err := fs.read(fs.pixAddr(src)+pageHdrSize, buf); err != nil {
			return err
		}
		if err := fs.write(dstData, buf); err != nil {
			return err
		}
	}
	if err := fs.writeID(dst, sh.id); err != nil {
		return err
	}

	fs.informMove(src, dst)
	return fs.deletePage(src)
}

// eraseSector erases sector s and writes its header with the erase count
// bumped. A sector without a usable count restarts at the highest count
// seen.
func (fs *FS) eraseSector(s uint32) error {
	old, err := fs.readSectorHdr(s)
	if err != nil {
		return err
	}
	era := fs.maxEra
	if fs.formatted(old) {
		era = old.era + 1
		// all ones would read back as unformatted
		if era == maxEraseCnt {
			era--
		}
		if era > fs.maxEra {
			fs.maxEra = era
		}
	}
	fs.log.WithFields(log.Fields{"sector": s, "era": era}).Debug("erase sector")

	if err := fs.erase(fs.sectorAddr(s), fs.sectorSize); err != nil {
		return err
	}
	var b [sectorHdrSize]byte
	le.PutUint16(b[0:], fs.magic())
	le.PutUint16(b[2:], uint16(era))
	return fs.write(fs.sectorAddr(s), b[:])
}
