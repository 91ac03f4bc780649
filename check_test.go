package flashfs

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckClean(t *testing.T) {
	assert := assertion.New(t)
	fs, m := newTestFS(t)
	writeFile(t, fs, "a", testData("a", 300))
	writeFile(t, fs, "b", testData("b", 20))
	assert.NoError(fs.Unmount())

	snap := m.Snapshot()
	assert.NoError(fs.Check())
	assert.NoError(fs.Check())
	assert.Equal(snap, m.Snapshot())

	assert.NoError(fs.Mount())
	got, err := readFile(fs, "a")
	assert.NoError(err)
	assert.Equal(testData("a", 300), got)
}

func TestCheckOrphansAndDirt(t *testing.T) {
	assert := assertion.New(t)
	fs, m := newTestFS(t)
	writeFile(t, fs, "keep", testData("keep", 150))

	// data page of an object that has no header
	assert.NoError(fs.writePage(20, pageHdr{id: fs.makeID(9, 1), flag: flagWritten}, []byte("orphan")))
	// free page with a flag
	assert.NoError(fs.writeFlag(21, flagWritten))
	// free page with data
	assert.NoError(m.Write(fs.pixAddr(22)+40, []byte{0x12}))
	// garbage flag
	assert.NoError(fs.writeFlag(23, 0x1234))
	// clean page with an id
	assert.NoError(fs.writePage(24, pageHdr{id: fs.makeID(9, 0), flag: flagClean}, nil))
	assert.NoError(fs.Unmount())

	assert.NoError(fs.Check())
	for _, pix := range []pageIx{20, 21, 22, 23, 24} {
		h, err := fs.readPageHdr(pix)
		assert.NoError(err)
		assert.True(h.deleted(), "page %d", pix)
	}

	assert.NoError(fs.Mount())
	got, err := readFile(fs, "keep")
	assert.NoError(err)
	assert.Equal(testData("keep", 150), got)
	_, _, busy := recount(t, fs)
	assert.Equal(uint32(2), busy)
	assertCounters(t, fs)
}

func TestCheckUnfinishedRemove(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	writeFile(t, fs, "gone", testData("gone", 400))
	m, err := fs.lookup("gone")
	assert.NoError(err)
	assert.NoError(fs.writeLen(m.pix, 0))
	assert.NoError(fs.Unmount())

	assert.NoError(fs.Check())
	assert.NoError(fs.Mount())
	list, err := fs.ReadDir()
	assert.NoError(err)
	assert.Empty(list)
	_, _, busy := recount(t, fs)
	assert.Equal(uint32(0), busy)
}

func TestCheckDuplicateAndMoving(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	data := testData("dup", 250)
	writeFile(t, fs, "dup", data)
	m, err := fs.lookup("dup")
	assert.NoError(err)

	// header copied but the source never deleted
	buf := make([]byte, fs.pageSize)
	assert.NoError(fs.read(fs.pixAddr(m.pix), buf))
	assert.NoError(fs.writePage(40, decodePageHdr(buf), buf[pageHdrSize:]))
	assert.NoError(fs.writeFlag(m.pix, flagMoving))
	// a data page caught in the middle of a move
	dp, err := fs.findPage(m.oid, 2, 0)
	assert.NoError(err)
	assert.NoError(fs.writeFlag(dp, flagMoving))
	assert.NoError(fs.Unmount())

	assert.NoError(fs.Check())
	assert.NoError(fs.Mount())
	list, err := fs.ReadDir()
	assert.NoError(err)
	assert.Len(list, 1)
	got, err := readFile(fs, "dup")
	assert.NoError(err)
	assert.Equal(data, got)

	for pix := pageIx(0); pix < pageIx(fs.totalPages()); pix++ {
		h, err := fs.readPageHdr(pix)
		assert.NoError(err)
		assert.False(h.live() && h.moving(), "page %d still moving", pix)
	}
	assertCounters(t, fs)
}

func TestCheckOverflow(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	for i := 0; i < 7; i++ {
		for j := 0; j < 8; j++ {
			pix := pageIx(i*8 + j)
			assert.NoError(fs.writePage(pix, pageHdr{id: fs.makeID(objID(pix+1), 0), flag: flagWritten}, nil))
			assert.NoError(fs.writeLen(pix, 10))
		}
	}
	// the spare sector is half used by live pages
	for pix := pageIx(56); pix < 60; pix++ {
		assert.NoError(fs.writePage(pix, pageHdr{id: fs.makeID(objID(pix+1), 0), flag: flagWritten}, nil))
		assert.NoError(fs.writeLen(pix, 10))
	}
	assert.NoError(fs.Unmount())
	assert.True(errors.Is(fs.Check(), ErrOverflow))
}

// crashLoop cuts the power after every possible number of bytes op writes.
// After a check the file must read as it did before op or as op left it,
// a missing file counting as empty.
func crashLoop(t *testing.T, setup func(fs *FS), name string, op func(fs *FS) error, before, after []byte) {
	fs, m := newTestFS(t)
	writeFile(t, fs, "bystander", testData("bystander", 180))
	setup(fs)
	require.NoError(t, fs.Unmount())
	snap := m.Snapshot()

	run := func(budget int) error {
		m.Restore(snap)
		fs := newHandle(t, m)
		require.NoError(t, fs.Mount())
		m.SetWriteBudget(budget)
		defer m.SetWriteBudget(-1)
		return op(fs)
	}
	verify := func(budget int) {
		fs := newHandle(t, m)
		require.NoError(t, fs.Check(), "budget %d", budget)
		require.NoError(t, fs.Mount(), "budget %d", budget)

		got, err := readFile(fs, name)
		if errors.Is(err, ErrFileNotFound) {
			got, err = nil, nil
		}
		require.NoError(t, err, "budget %d", budget)
		if !bytes.Equal(got, before) && !bytes.Equal(got, after) {
			t.Fatalf("budget %d: %d bytes match neither %d before nor %d after", budget, len(got), len(before), len(after))
		}
		got, err = readFile(fs, "bystander")
		require.NoError(t, err, "budget %d", budget)
		require.Equal(t, testData("bystander", 180), got, "budget %d", budget)
		assertCounters(t, fs)
	}

	start := m.Programmed
	require.NoError(t, run(-1))
	total := m.Programmed - start
	require.True(t, total > 0)
	verify(total)

	for budget := 0; budget < total; budget++ {
		err := run(budget)
		require.True(t, errors.Is(err, ErrAbortedWrite), "budget %d: %v", budget, err)
		verify(budget)
	}
}

func appendOp(name string, data []byte) func(fs *FS) error {
	return func(fs *FS) error {
		fd, err := fs.Open(name, OWrOnly)
		if err != nil {
			return err
		}
		return fs.Append(fd, data)
	}
}

func TestCrashAppendEmpty(t *testing.T) {
	data := testData("c", 260)
	crashLoop(t, func(fs *FS) {
		require.NoError(t, fs.Create("c"))
	}, "c", appendOp("c", data), nil, data)
}

func TestCrashAppendHeaderPage(t *testing.T) {
	old := testData("old", 50)
	more := testData("more", 30)
	crashLoop(t, func(fs *FS) {
		writeFile(t, fs, "c", old)
	}, "c", appendOp("c", more), old, append(append([]byte{}, old...), more...))
}

func TestCrashAppendDataPages(t *testing.T) {
	old := testData("old", 150)
	more := testData("more", 200)
	crashLoop(t, func(fs *FS) {
		writeFile(t, fs, "c", old)
	}, "c", appendOp("c", more), old, append(append([]byte{}, old...), more...))
}

func TestCrashTruncate(t *testing.T) {
	data := testData("t", 400)
	op := func(fs *FS) error {
		fd, err := fs.Open("t", OWrOnly)
		if err != nil {
			return err
		}
		return fs.Truncate(fd, 100)
	}
	crashLoop(t, func(fs *FS) {
		writeFile(t, fs, "t", data)
	}, "t", op, data, data[:100])
}

func TestCrashRemove(t *testing.T) {
	data := testData("r", 300)
	crashLoop(t, func(fs *FS) {
		writeFile(t, fs, "r", data)
	}, "r", func(fs *FS) error { return fs.Remove("r") }, data, nil)
}

func TestCrashModify(t *testing.T) {
	data := testData("m", 300)
	for _, offs := range []uint32{10, 130} {
		patch := testData("patch", 40)
		after := append([]byte{}, data...)
		copy(after[offs:], patch)
		op := func(fs *FS) error {
			fd, err := fs.Open("m", OWrOnly)
			if err != nil {
				return err
			}
			return fs.Modify(fd, offs, patch)
		}
		crashLoop(t, func(fs *FS) {
			writeFile(t, fs, "m", data)
		}, "m", op, data, after)
	}
}

func TestCrashRename(t *testing.T) {
	assert := assertion.New(t)
	data := testData("n", 200)
	fs, m := newTestFS(t)
	writeFile(t, fs, "from", data)
	require.NoError(t, fs.Unmount())
	snap := m.Snapshot()

	start := m.Programmed
	fs = newHandle(t, m)
	require.NoError(t, fs.Mount())
	require.NoError(t, fs.Rename("from", "to"))
	total := m.Programmed - start

	for budget := 0; budget < total; budget++ {
		m.Restore(snap)
		fs := newHandle(t, m)
		require.NoError(t, fs.Mount())
		m.SetWriteBudget(budget)
		err := fs.Rename("from", "to")
		m.SetWriteBudget(-1)
		require.True(t, errors.Is(err, ErrAbortedWrite), "budget %d: %v", budget, err)

		fs = newHandle(t, m)
		require.NoError(t, fs.Check())
		require.NoError(t, fs.Mount())
		list, err := fs.ReadDir()
		assert.NoError(err)
		require.Len(t, list, 1, "budget %d", budget)
		got, err := readFile(fs, list[0].Name)
		assert.NoError(err)
		assert.Equal(data, got, "budget %d", budget)
	}
}

func TestCrashFormat(t *testing.T) {
	fs, m := newTestFS(t)
	require.NoError(t, fs.Unmount())
	snap := m.Snapshot()

	start := m.Programmed
	require.NoError(t, fs.Format())
	total := m.Programmed - start
	require.Equal(t, int(fs.sectors*sectorHdrSize), total)

	for budget := 0; budget < total; budget++ {
		m.Restore(snap)
		fs := newHandle(t, m)
		m.SetWriteBudget(budget)
		err := fs.Format()
		m.SetWriteBudget(-1)
		require.True(t, errors.Is(err, ErrAbortedWrite), "budget %d: %v", budget, err)

		fs = newHandle(t, m)
		require.NoError(t, fs.Check(), "budget %d", budget)
		require.NoError(t, fs.Mount(), "budget %d", budget)
		for s := uint32(0); s < fs.sectors; s++ {
			h, err := fs.readSectorHdr(s)
			require.NoError(t, err)
			require.True(t, fs.formatted(h), "budget %d sector %d", budget, s)
		}
		assertCounters(t, fs)
	}
}
