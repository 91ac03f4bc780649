package flashfs

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestMemFlashNOR(t *testing.T) {
	assert := assertion.New(t)
	m := NewMemFlash(64, 2)
	b := make([]byte, 2)

	assert.NoError(m.Write(4, []byte{0xf0, 0x0f}))
	assert.NoError(m.Write(4, []byte{0x30, 0x0f}))
	assert.NoError(m.Read(4, b))
	assert.Equal([]byte{0x30, 0x0f}, b)
	assert.True(errors.Is(m.Write(4, []byte{0xf0}), ErrSetsBits))

	assert.NoError(m.Erase(0, 16))
	assert.NoError(m.Read(4, b))
	assert.Equal([]byte{0xff, 0xff}, b)

	assert.True(errors.Is(m.Read(63, b), ErrOutOfBounds))
	assert.True(errors.Is(m.Write(64, b), ErrOutOfBounds))
	assert.True(errors.Is(m.Erase(60, 8), ErrOutOfBounds))
	assert.Equal(uint32(64), m.Size())
}

func TestMemFlashBudget(t *testing.T) {
	assert := assertion.New(t)
	m := NewMemFlash(64, 2)
	snap := m.Snapshot()

	m.SetWriteBudget(5)
	assert.NoError(m.Write(0, []byte{1, 2}))
	// 3 bytes left, cut to one unit
	assert.Equal(ErrAbortedWrite, m.Write(8, []byte{1, 2, 3, 4}))
	assert.Equal(ErrAbortedWrite, m.Write(20, []byte{0}))
	assert.Equal(ErrAbortedWrite, m.Erase(0, 16))

	got := make([]byte, 4)
	assert.NoError(m.Read(8, got))
	assert.Equal([]byte{1, 2, 0xff, 0xff}, got)
	assert.Equal(4, m.Programmed)

	m.SetWriteBudget(-1)
	assert.NoError(m.Write(20, []byte{0}))
	m.Restore(snap)
	assert.Equal(snap, m.Snapshot())
}
