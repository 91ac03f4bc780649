package flashfs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCScore(t *testing.T) {
	assert := assertion.New(t)
	// all deleted beats partly deleted
	assert.True(gcScore(0, 0, 100, 0) > gcScore(0, 0, 12, 87))
	// a partly deleted sector beats a full one
	assert.True(gcScore(0, 0, 12, 87) > gcScore(0, 0, 0, 100))
	// an old erase count outweighs garbage
	assert.True(gcScore(5, 0, 0, 100) > gcScore(0, 0, 100, 0))
	assert.Equal(int32(-150), gcScore(0, 0, 12, 87))
}

func TestGCNoCandidate(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	_, err := fs.GC(false)
	assert.True(errors.Is(err, ErrNoGCCandidate))
	assert.NoError(fs.Unmount())
	_, err = fs.GC(false)
	assert.Equal(ErrNotMounted, err)
}

func TestGCReclaimsDeleted(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	// eight one page files fill sector 0, a ninth starts sector 1
	for i := 0; i < 9; i++ {
		name := fmt.Sprintf("g%d", i)
		writeFile(t, fs, name, testData(name, 50))
	}
	for i := 0; i < 8; i += 2 {
		assert.NoError(fs.Remove(fmt.Sprintf("g%d", i)))
	}
	freed, err := fs.GC(false)
	assert.NoError(err)
	assert.Equal(4, freed)
	assert.Equal(uint32(0), fs.delePages)
	assert.Equal(uint32(64-5), fs.freePages)
	assertCounters(t, fs)

	h, err := fs.readSectorHdr(0)
	assert.NoError(err)
	assert.Equal(eraseCnt(1), h.era)
	for i := 1; i < 9; i += 2 {
		name := fmt.Sprintf("g%d", i)
		got, err := readFile(fs, name)
		assert.NoError(err)
		assert.Equal(testData(name, 50), got)
	}
}

// Filling the filesystem with one page files until it reports full, then
// removing one file, must leave room for exactly one more file while the
// spare sector stays free.
func TestFillRemoveCreate(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)

	n := 0
	for ; ; n++ {
		name := fmt.Sprintf("f%d", n)
		fd, err := fs.Open(name, OWrOnly|OCreate)
		if errors.Is(err, ErrFull) {
			break
		}
		require.NoError(t, err)
		require.NoError(t, fs.Append(fd, testData(name, int(fs.dataLen(0)))))
		require.NoError(t, fs.Close(fd))
	}
	assert.Equal(56, n)
	assert.Equal(uint32(8), fs.freePages)
	info, err := fs.Info()
	assert.NoError(err)
	assert.False(info.Overflow)

	assert.NoError(fs.Remove("f0"))
	assert.Equal(uint32(1), fs.delePages)

	writeFile(t, fs, "last", testData("last", int(fs.dataLen(0))))
	assert.Equal(fs.pagesPerSector, fs.freePages)
	assert.Equal(uint32(0), fs.delePages)
	assertCounters(t, fs)

	for i := 1; i < n; i++ {
		name := fmt.Sprintf("f%d", i)
		got, err := readFile(fs, name)
		assert.NoError(err)
		assert.Equal(testData(name, int(fs.dataLen(0))), got, name)
	}

	// nothing reclaimable is left
	assert.True(errors.Is(fs.Create("more"), ErrFull))
}

func TestRewriteWear(t *testing.T) {
	assert := assertion.New(t)
	fs, m := newTestFS(t)
	writeFile(t, fs, "static", testData("static", 500))

	var data []byte
	for i := 0; i < 200; i++ {
		data = testData(fmt.Sprintf("rw%d", i), 300)
		fd, err := fs.Open("rw", OWrOnly|OCreate|OTrunc)
		require.NoError(t, err)
		require.NoError(t, fs.Append(fd, data))
		require.NoError(t, fs.Close(fd))
	}
	got, err := readFile(fs, "rw")
	assert.NoError(err)
	assert.Equal(data, got)
	got, err = readFile(fs, "static")
	assert.NoError(err)
	assert.Equal(testData("static", 500), got)
	assertCounters(t, fs)

	// every sector was recycled
	assert.True(m.Erases > 2*int(fs.sectors))
	assert.True(fs.maxEra > 0)
	for s := uint32(0); s < fs.sectors; s++ {
		h, err := fs.readSectorHdr(s)
		assert.NoError(err)
		assert.True(h.era > 0, "sector %d", s)
	}
}
