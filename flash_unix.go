//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package flashfs

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrLockedByOther = errors.New("flash file locked by another process")

// FileFlash is a Medium backed by a memory mapped file, for host tools
// working on flash images. The file is locked exclusively while open.
type FileFlash struct {
	path string
	file *os.File
	data []byte
}

// OpenFileFlash opens or creates the flash file at path. A new or empty
// file is sized to size bytes and erased; an existing one must match size
// unless size is zero. timeout bounds the wait for the file lock, zero
// fails at once.
func OpenFileFlash(path string, size uint32, timeout time.Duration) (*FileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	ff := &FileFlash{path: path, file: f}
	if err := ff.waitflock(timeout); err != nil {
		_ = f.Close()
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = ff.Close()
		return nil, err
	}
	fresh := st.Size() == 0
	switch {
	case fresh && size == 0:
		_ = ff.Close()
		return nil, errors.Errorf("%s is empty and no size given", path)
	case fresh:
		if err := f.Truncate(int64(size)); err != nil {
			_ = ff.Close()
			return nil, errors.Wrap(err, "sizing flash file")
		}
	case size != 0 && st.Size() != int64(size):
		_ = ff.Close()
		return nil, errors.Errorf("%s has %d bytes, expected %d", path, st.Size(), size)
	default:
		size = uint32(st.Size())
	}

	if err := ff.mmap(int(size)); err != nil {
		_ = ff.Close()
		return nil, err
	}
	if fresh {
		for i := range ff.data {
			ff.data[i] = 0xff
		}
	}
	return ff, nil
}

// flock acquires an exclusive advisory lock on the file.
func (ff *FileFlash) flock() error {
	err := unix.Flock(int(ff.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return ErrLockedByOther
	}
	return errors.Wrap(err, "flock failed")
}

func (ff *FileFlash) waitflock(timeout time.Duration) error {
	start := time.Now()
	for {
		err := ff.flock()
		if !errors.Is(err, ErrLockedByOther) || time.Since(start) >= timeout {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (ff *FileFlash) funlock() error {
	return unix.Flock(int(ff.file.Fd()), unix.LOCK_UN)
}

func (ff *FileFlash) mmap(sz int) error {
	b, err := unix.Mmap(int(ff.file.Fd()), 0, sz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}
	// flash access is page scattered
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return errors.Wrap(err, "madvise")
	}
	ff.data = b
	return nil
}

func (ff *FileFlash) munmap() error {
	if ff.data == nil {
		return nil
	}
	err := unix.Munmap(ff.data)
	ff.data = nil
	return err
}

func (ff *FileFlash) bounds(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(ff.data)) {
		return errors.Wrapf(ErrOutOfBounds, "%#x+%d", addr, n)
	}
	return nil
}

func (ff *FileFlash) Read(addr uint32, p []byte) error {
	if err := ff.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(p, ff.data[addr:])
	return nil
}

// Write ANDs p into the file like NOR flash programming does.
func (ff *FileFlash) Write(addr uint32, p []byte) error {
	if err := ff.bounds(addr, len(p)); err != nil {
		return err
	}
	dst := ff.data[addr:]
	for i, b := range p {
		dst[i] &= b
	}
	return nil
}

func (ff *FileFlash) Erase(addr, n uint32) error {
	if err := ff.bounds(addr, int(n)); err != nil {
		return err
	}
	for i := addr; i < addr+n; i++ {
		ff.data[i] = 0xff
	}
	return nil
}

// Size is the medium size in bytes.
func (ff *FileFlash) Size() uint32 { return uint32(len(ff.data)) }

// Sync flushes the mapping to the file.
func (ff *FileFlash) Sync() error {
	if ff.data == nil {
		return nil
	}
	return errors.Wrap(unix.Msync(ff.data, unix.MS_SYNC), "msync")
}

// Close flushes, unmaps and unlocks the file.
func (ff *FileFlash) Close() error {
	if ff.file == nil {
		return nil
	}
	serr := ff.Sync()
	if err := ff.munmap(); err != nil && serr == nil {
		serr = errors.Wrap(err, "munmap")
	}
	_ = ff.funlock()
	if err := ff.file.Close(); err != nil && serr == nil {
		serr = errors.Wrap(err, "flash file close")
	}
	ff.file = nil
	return serr
}
