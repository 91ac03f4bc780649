package flashfs

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func (fs *FS) checkName(name string) error {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return errors.Wrapf(ErrBadName, "%q", name)
	}
	if uint32(len(name)) >= fs.nameLen {
		return errors.Wrapf(ErrNameTooLong, "%q has %d bytes, at most %d allowed", name, len(name), fs.nameLen-1)
	}
	return nil
}

// match is an object header found by name.
type match struct {
	pix pageIx
	oid objID
	// movingOnly is set when the only header found is marked MOVING
	movingOnly bool
}

// lookup finds the object header of name. Headers with zero length are
// removals in progress and never match. When a MOVING and a WRITTEN header
// both match, the WRITTEN one wins and a MOVING one seen first is deleted.
func (fs *FS) lookup(name string) (match, error) {
	var (
		m        match
		mov      match
		movFound bool
	)
	stopped, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if !h.live() || fs.spix(h.id) != 0 || h.length == 0 {
			return visitContinue, nil
		}
		if nameString(h.name) != name {
			return visitContinue, nil
		}
		if movFound {
			if err := fs.deletePage(mov.pix); err != nil {
				return visitStop, err
			}
			movFound = false
		}
		if h.moving() {
			mov = match{pix: pix, oid: fs.oid(h.id), movingOnly: true}
			movFound = true
			return visitContinue, nil
		}
		m = match{pix: pix, oid: fs.oid(h.id)}
		return visitStop, nil
	})
	if err != nil {
		return match{}, err
	}
	if stopped {
		return m, nil
	}
	if movFound {
		return mov, nil
	}
	return match{}, errors.Wrapf(ErrFileNotFound, "%q", name)
}

// Create makes an empty file. The header is written CLEAN with an
// undefined length and only becomes WRITTEN with the first append.
func (fs *FS) Create(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.create(name)
}

func (fs *FS) create(name string) error {
	if err := fs.checkName(name); err != nil {
		return err
	}
	if err := fs.ensureFreePages(1); err != nil {
		return err
	}
	oid, err := fs.findFreeID(name)
	if err != nil {
		return err
	}
	pix, err := fs.findFreePage(exclNone)
	if err != nil {
		return err
	}
	fs.log.WithFields(log.Fields{"pix": pix, "oid": oid, "name": name}).Debug("create")

	b := fs.buf[:fs.objHdrSize()-pageHdrSize]
	fs.encodeObjFields(b, UndefLen, name)
	if err := fs.writePage(pix, pageHdr{id: fs.makeID(oid, 0), flag: flagClean}, b); err != nil {
		return err
	}
	fs.freePages--
	return nil
}

// Open returns a descriptor for name.
func (fs *FS) Open(name string, flags OpenFlag) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return -1, ErrNotMounted
	}
	return fs.open(name, flags)
}

func (fs *FS) open(name string, flags OpenFlag) (int, error) {
	fd, d := fs.freeDesc()
	if d == nil {
		return -1, ErrOutOfFileDescs
	}
	m, err := fs.lookup(name)
	if errors.Is(err, ErrFileNotFound) && flags&OCreate != 0 {
		if err = fs.create(name); err != nil {
			return -1, err
		}
		m, err = fs.lookup(name)
	}
	if err != nil {
		return -1, err
	}
	if m.movingOnly {
		fs.log.WithFields(log.Fields{"pix": m.pix, "name": name}).Debug("open: only moving header found")
		if m.pix, err = fs.tidyMovingHeader(m.pix); err != nil {
			return -1, err
		}
	}
	*d = fileDesc{oid: m.oid, objPix: m.pix, curPix: m.pix, flags: flags}

	if flags&OTrunc != 0 {
		h, err := fs.readObjHdr(d.objPix, fs.hdrBuf)
		if err != nil {
			return -1, err
		}
		if h.length != UndefLen {
			if err := fs.truncate(fd, 0); err != nil {
				fs.close(fd)
				return -1, err
			}
			fs.close(fd)
			if err := fs.create(name); err != nil {
				return -1, err
			}
			return fs.open(name, flags&^(OTrunc|OCreate))
		}
	}
	return fd, nil
}

// readPtr resolves the flash address of the byte at the descriptor offset
// and how many bytes follow it in the same page.
func (fs *FS) readPtr(d *fileDesc) (uint32, uint32, error) {
	if d.flags&ORdOnly == 0 {
		return 0, 0, ErrNotReadable
	}
	oh, err := fs.readObjHdr(d.objPix, fs.hdrBuf)
	if err != nil {
		return 0, 0, err
	}
	flen := fileLen(oh.length)
	switch {
	case d.offs >= flen:
		return 0, 0, io.EOF
	case oh.deleted():
		return 0, 0, errors.Wrapf(ErrPageDeleted, "object header %d", d.objPix)
	case oh.free():
		return 0, 0, errors.Wrapf(ErrPageFree, "object header %d", d.objPix)
	case fs.oid(oh.id) != d.oid:
		return 0, 0, errors.Wrapf(ErrIncoherentID, "object header %d", d.objPix)
	}

	spix := fs.offsSpix(d.offs)
	ph, err := fs.readPageHdr(d.curPix)
	if err != nil {
		return 0, 0, err
	}
	if ph.free() || ph.deleted() || fs.oid(ph.id) != d.oid || fs.spix(ph.id) != spix {
		pix, err := fs.findPage(d.oid, spix, d.curPix)
		if err != nil {
			return 0, 0, err
		}
		d.curPix = pix
		if ph, err = fs.readPageHdr(pix); err != nil {
			return 0, 0, err
		}
	}
	switch {
	case ph.deleted():
		return 0, 0, errors.Wrapf(ErrPageDeleted, "page %d", d.curPix)
	case ph.free():
		return 0, 0, errors.Wrapf(ErrPageFree, "page %d", d.curPix)
	case fs.oid(ph.id) != d.oid:
		return 0, 0, errors.Wrapf(ErrIncoherentID, "page %d", d.curPix)
	}

	pdOff := fs.offsPdata(d.offs)
	avail := minU32(flen-d.offs, fs.dataLen(spix)-pdOff)
	return fs.pixAddr(d.curPix) + fs.dataOff(spix) + pdOff, avail, nil
}

// Read reads from the descriptor offset. It returns io.EOF once the offset
// reaches the end of the file.
func (fs *FS) Read(fd int, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		addr, avail, err := fs.readPtr(d)
		if err == io.EOF {
			if n > 0 {
				break
			}
			return 0, io.EOF
		}
		if err != nil {
			return n, err
		}
		c := minU32(avail, uint32(len(p)-n))
		if err := fs.read(addr, p[n:n+int(c)]); err != nil {
			return n, err
		}
		n += int(c)
		d.offs += c
	}
	return n, nil
}

// Seek moves the descriptor offset, clamped to the file. It returns the new
// offset.
func (fs *FS) Seek(fd int, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	oh, err := fs.readObjHdr(d.objPix, fs.hdrBuf)
	if err != nil {
		return 0, err
	}
	flen := int64(fileLen(oh.length))

	var to int64
	switch whence {
	case SeekCur:
		to = int64(d.offs) + offset
	case SeekEnd:
		to = flen + offset
	default:
		to = offset
	}
	if to < 0 {
		to = 0
	} else if to > flen {
		to = flen
	}

	coffs := uint32(to)
	spix := fs.offsSpix(coffs)
	if spix != fs.offsSpix(d.offs) && !(to == flen && fs.offsPdata(coffs) == 0) {
		pix, err := fs.findPage(d.oid, spix, d.curPix)
		if err != nil {
			return 0, err
		}
		d.curPix = pix
	}
	d.offs = coffs
	return to, nil
}

// Append adds data to the end of the file. The new length is committed in
// the object header last, so an interrupted append leaves the old length
// in place for the checker to trim back to.
func (fs *FS) Append(fd int, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.append(fd, data)
}

func (fs *FS) append(fd int, src []byte) error {
	d, err := fs.desc(fd)
	if err != nil {
		return err
	}
	if d.flags&OWrOnly == 0 {
		return ErrNotWritable
	}
	if len(src) == 0 {
		return nil
	}
	n := uint32(len(src))
	origPix := d.objPix
	oh, err := fs.readObjHdr(origPix, fs.hdrBuf)
	if err != nil {
		return err
	}
	if fs.oid(oh.id) != d.oid {
		return errors.Wrapf(ErrIncoherentID, "object header %d", origPix)
	}

	fileOffs := fileLen(oh.length)
	if uint64(fileOffs)+uint64(n) > fs.maxFileLen() {
		return errors.Wrapf(ErrFull, "%d+%d over the %d bytes a file can span", fileOffs, n, fs.maxFileLen())
	}
	if !(fileOffs == 0 && fs.offsSpix(n-1) == 0) {
		// one extra page for the rewritten object header
		needed := int(fs.offsSpix(n+fileOffs)) - int(fs.offsSpix(fileOffs))
		if fs.offsPdata(n+fileOffs) == 0 {
			needed--
		}
		if fileOffs != 0 {
			needed++
		}
		if needed < 0 {
			needed = 0
		}
		if err := fs.ensureFreePages(uint32(needed)); err != nil {
			return err
		}
	}

	// the collector may have moved the header
	if d.objPix != origPix {
		origPix = d.objPix
		if oh, err = fs.readObjHdr(origPix, fs.hdrBuf); err != nil {
			return err
		}
		if fs.oid(oh.id) != d.oid {
			return errors.Wrapf(ErrIncoherentID, "object header %d", origPix)
		}
	}

	if fileOffs > 0 && oh.written() {
		if err := fs.writeFlag(origPix, flagMoving); err != nil {
			return err
		}
	}

	var (
		written uint32
		hasDst  bool
		dstPix  pageIx
	)
	for written < n {
		at := fileOffs + written
		spix := fs.offsSpix(at)
		pdOff := fs.offsPdata(at)
		var avail uint32

		switch {
		case at == 0:
			// empty file, fill the inline data of the object header
			avail = minU32(n, fs.dataLen(0))
			fs.log.WithFields(fs.fields(d.objPix, oh.id)).WithField("len", avail).Debug("append: inline")
			if err := fs.write(fs.pixAddr(d.objPix)+fs.objHdrSize(), src[:avail]); err != nil {
				return err
			}
			hasDst, dstPix = true, d.objPix

		case pdOff == 0:
			avail = minU32(n-written, fs.dataLen(1))
			newPix, err := fs.findFreePage(exclNone)
			if err != nil {
				return err
			}
			id := fs.makeID(d.oid, spix)
			fs.log.WithFields(fs.fields(newPix, id)).WithField("len", avail).Debug("append: full page")
			if err := fs.writePage(newPix, pageHdr{id: id, flag: flagWritten}, src[written:written+avail]); err != nil {
				return err
			}
			fs.freePages--
			d.curPix = newPix

		default:
			var srcPix pageIx
			if spix == 0 {
				srcPix = d.objPix
			} else if srcPix, err = fs.findPage(d.oid, spix, d.curPix); err != nil {
				return err
			}
			avail = minU32(n-written, fs.dataLen(spix)-pdOff)
			newPix, err := fs.findFreePage(exclNone)
			if err != nil {
				return err
			}
			fs.log.WithFields(fs.fields(srcPix, fs.makeID(d.oid, spix))).WithFields(log.Fields{
				"dst": newPix,
				"len": avail,
			}).Debug("append: rewrite page")

			if spix == 0 {
				// the object header moves along with its inline data, the
				// copy stays CLEAN until the new length is committed
				buf := fs.buf[:fs.pageSize]
				if err := fs.read(fs.pixAddr(srcPix), buf[:fs.objHdrSize()+pdOff]); err != nil {
					return err
				}
				rest := buf[fs.objHdrSize()+pdOff:]
				fill(rest, 0xff)
				copy(rest, src[written:written+avail])
				le.PutUint32(buf[objLenOff:], UndefLen)
				h := decodePageHdr(buf)
				h.flag = flagClean
				if err := fs.writePage(newPix, h, buf[pageHdrSize:pageHdrSize+fs.dataLen(1)]); err != nil {
					return err
				}
				fs.freePages--
				hasDst, dstPix = true, newPix
			} else {
				buf := fs.buf[:fs.dataLen(1)]
				if err := fs.read(fs.pixAddr(srcPix)+pageHdrSize, buf[:pdOff]); err != nil {
					return err
				}
				fill(buf[pdOff:], 0xff)
				copy(buf[pdOff:], src[written:written+avail])
				if err := fs.movePage(srcPix, newPix, buf, flagWritten); err != nil {
					return err
				}
			}
			d.curPix = newPix
		}

		written += avail
		d.offs = fileOffs + written
	}

	// commit the length
	total := fileOffs + n
	if !hasDst {
		newPix, err := fs.findFreePage(exclNone)
		if err != nil {
			return err
		}
		fs.log.WithFields(log.Fields{"pix": d.objPix, "dst": newPix, "len": total}).Debug("append: move header")
		buf := fs.buf[:fs.pageSize]
		if err := fs.read(fs.pixAddr(d.objPix), buf); err != nil {
			return err
		}
		le.PutUint32(buf[objLenOff:], total)
		return fs.movePage(d.objPix, newPix, buf[pageHdrSize:], flagWritten)
	}

	fs.log.WithFields(log.Fields{"pix": dstPix, "len": total}).Debug("append: commit header")
	if err := fs.writeLen(dstPix, total); err != nil {
		return err
	}
	if err := fs.writeFlag(dstPix, flagWritten); err != nil {
		return err
	}
	if dstPix != origPix {
		fs.informMove(origPix, dstPix)
		return fs.deletePage(origPix)
	}
	return nil
}

// Modify overwrites bytes inside the file. It never changes the length.
// Every touched page is rewritten by a move, each one on its own, so only
// single pages are atomic: an interrupted Modify spanning several pages can
// leave the leading pages patched and the rest as they were.
func (fs *FS) Modify(fd int, offset uint32, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.modify(fd, offset, data)
}

func (fs *FS) modify(fd int, offset uint32, src []byte) error {
	d, err := fs.desc(fd)
	if err != nil {
		return err
	}
	if d.flags&OWrOnly == 0 {
		return ErrNotWritable
	}
	if len(src) == 0 {
		return nil
	}
	n := uint32(len(src))
	origPix := d.objPix
	oh, err := fs.readObjHdr(origPix, fs.hdrBuf)
	if err != nil {
		return err
	}
	if fs.oid(oh.id) != d.oid {
		return errors.Wrapf(ErrIncoherentID, "object header %d", origPix)
	}
	flen := fileLen(oh.length)
	if uint64(offset)+uint64(n) > uint64(flen) {
		return errors.Wrapf(ErrModifyBeyondFile, "%d+%d over %d", offset, n, flen)
	}

	start, end := fs.offsSpix(offset), fs.offsSpix(offset+n)
	if err := fs.ensureFreePages(uint32(end-start) + 1); err != nil {
		return err
	}
	if d.objPix != origPix {
		if oh, err = fs.readObjHdr(d.objPix, fs.hdrBuf); err != nil {
			return err
		}
		if fs.oid(oh.id) != d.oid {
			return errors.Wrapf(ErrIncoherentID, "object header %d", d.objPix)
		}
	}
	// length and name, carried along when the header page is rewritten
	objFields := make([]byte, fs.objHdrSize()-pageHdrSize)
	le.PutUint32(objFields, oh.length)
	copy(objFields[4:], oh.name)

	var written uint32
	searchPix := d.objPix
	for written < n {
		at := offset + written
		spix := fs.offsSpix(at)
		pdLen := fs.dataLen(spix)
		pdOff := fs.offsPdata(at)
		avail := minU32(n-written, pdLen-pdOff)

		origPix, err := fs.findPage(d.oid, spix, searchPix)
		if err != nil {
			return err
		}
		searchPix = origPix
		fs.log.WithFields(fs.fields(origPix, fs.makeID(d.oid, spix))).WithFields(log.Fields{
			"offs": pdOff,
			"len":  avail,
		}).Debug("modify")

		newPix, err := fs.findFreePage(exclNone)
		if err != nil {
			return err
		}
		if spix == 0 || avail < pdLen {
			var bufOff uint32
			buf := fs.buf
			if spix == 0 {
				bufOff = uint32(copy(buf, objFields))
			}
			dataAddr := fs.pixAddr(origPix) + fs.dataOff(spix)
			if pdOff > 0 {
				if err := fs.read(dataAddr, buf[bufOff:bufOff+pdOff]); err != nil {
					return err
				}
			}
			copy(buf[bufOff+pdOff:], src[written:written+avail])
			if tail := pdOff + avail; tail < pdLen {
				if err := fs.read(dataAddr+tail, buf[bufOff+tail:bufOff+pdLen]); err != nil {
					return err
				}
			}
			err = fs.movePage(origPix, newPix, buf[:bufOff+pdLen], flagWritten)
		} else {
			err = fs.movePage(origPix, newPix, src[written:written+avail], flagWritten)
		}
		if err != nil {
			return err
		}

		written += avail
		d.offs = offset + written
		d.curPix = newPix
	}
	return nil
}

// Truncate shrinks the file to n bytes. Truncating to zero removes the file
// and closes the descriptor.
func (fs *FS) Truncate(fd int, n uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.truncate(fd, n)
}

func (fs *FS) truncate(fd int, newLen uint32) error {
	d, err := fs.desc(fd)
	if err != nil {
		return err
	}
	if d.flags&OWrOnly == 0 {
		return ErrNotWritable
	}
	origPix := d.objPix
	oh, err := fs.readObjHdr(origPix, fs.hdrBuf)
	if err != nil {
		return err
	}
	flen := fileLen(oh.length)
	if fs.oid(oh.id) != d.oid {
		return errors.Wrapf(ErrIncoherentID, "object header %d", origPix)
	}
	if newLen > flen {
		return errors.Wrapf(ErrTruncateBeyondFile, "%d over %d", newLen, flen)
	}
	if newLen != 0 && newLen == flen {
		return nil
	}

	if newLen != 0 {
		if err := fs.ensureFreePages(1); err != nil {
			return err
		}
		if d.objPix != origPix {
			if oh, err = fs.readObjHdr(d.objPix, fs.hdrBuf); err != nil {
				return err
			}
			if fs.oid(oh.id) != d.oid {
				return errors.Wrapf(ErrIncoherentID, "object header %d", d.objPix)
			}
		}
	}

	oid := d.oid
	fs.log.WithFields(log.Fields{"oid": oid, "len": newLen}).Debug("truncate")

	if newLen != 0 {
		if err := fs.writeFlag(d.objPix, flagMoving); err != nil {
			return err
		}
		newPix, err := fs.findFreePage(exclNone)
		if err != nil {
			return err
		}
		buf := fs.buf[:fs.pageSize]
		if err := fs.read(fs.pixAddr(d.objPix), buf); err != nil {
			return err
		}
		le.PutUint32(buf[objLenOff:], newLen)
		if err := fs.movePage(d.objPix, newPix, buf[pageHdrSize:], flagWritten); err != nil {
			return err
		}
	} else if err := fs.writeLen(d.objPix, 0); err != nil {
		return err
	}
	objPix := d.objPix

	delStart := fs.offsSpix(newLen)
	if fs.offsPdata(newLen) != 0 || delStart == 0 {
		delStart++
	}
	// also sweeps garbage spans left beyond the old length
	_, err = fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if h.free() || h.deleted() || fs.oid(h.id) != oid || fs.spix(h.id) < delStart {
			return visitContinue, nil
		}
		return visitContinue, fs.deletePage(pix)
	})
	if err != nil {
		return err
	}
	if newLen == 0 {
		return fs.deletePage(objPix)
	}
	return nil
}

// Rename changes the name of a file. The header is rewritten by a single
// move, so the file carries either name after an interruption.
func (fs *FS) Rename(oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	if err := fs.checkName(newName); err != nil {
		return err
	}
	if err := fs.ensureFreePages(1); err != nil {
		return err
	}
	fs.log.WithFields(log.Fields{"from": oldName, "to": newName}).Debug("rename")

	_, err := fs.lookup(newName)
	if err == nil {
		return errors.Wrapf(ErrNameConflict, "%q", newName)
	}
	if !errors.Is(err, ErrFileNotFound) {
		return err
	}
	src, err := fs.lookup(oldName)
	if err != nil {
		return err
	}
	// a header left MOVING by an interrupted operation is settled here
	flag := flagKeep
	if src.movingOnly {
		flag = flagWritten
	}
	dstPix, err := fs.findFreePage(exclNone)
	if err != nil {
		return err
	}

	buf := fs.buf[:fs.pageSize]
	if err := fs.read(fs.pixAddr(src.pix), buf); err != nil {
		return err
	}
	nb := buf[objNameOff : objNameOff+fs.nameLen]
	fill(nb, 0)
	copy(nb, newName)
	return fs.movePage(src.pix, dstPix, buf[pageHdrSize:], flag)
}

// Remove deletes the file called name.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	fd, err := fs.open(name, OWrOnly)
	if err != nil {
		return err
	}
	err = fs.truncate(fd, 0)
	fs.close(fd)
	return err
}
