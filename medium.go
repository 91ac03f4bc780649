package flashfs

import "github.com/pkg/errors"

// Medium is the raw flash the filesystem runs on. Addresses are byte
// offsets from the start of the medium.
//
// Write must only clear bits: the stored byte becomes old & new. Erase
// must leave the whole range at 0xff.
type Medium interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
	Erase(addr, n uint32) error
}

var (
	ErrOutOfBounds  = errors.New("access beyond end of medium")
	ErrSetsBits     = errors.New("write would set cleared bits")
	ErrAbortedWrite = errors.New("write aborted")
)

// MemFlash is an in-memory NOR flash. Besides plain storage it can cut
// power after a number of written bytes, which makes it usable for
// testing interrupted operations.
type MemFlash struct {
	data []byte
	unit int

	// budget is the number of bytes that may still be written, negative
	// when unlimited
	budget int

	// Writes and Erases count calls, Programmed counts written bytes.
	Writes     int
	Erases     int
	Programmed int
}

// NewMemFlash returns an erased medium of size bytes. unit is the program
// granularity: an aborted write always stops on a unit boundary.
func NewMemFlash(size uint32, unit int) *MemFlash {
	if unit <= 0 {
		unit = 1
	}
	m := &MemFlash{data: make([]byte, size), unit: unit, budget: -1}
	for i := range m.data {
		m.data[i] = 0xff
	}
	return m
}

func (m *MemFlash) bounds(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(m.data)) {
		return errors.Wrapf(ErrOutOfBounds, "%#x+%d", addr, n)
	}
	return nil
}

func (m *MemFlash) Read(addr uint32, p []byte) error {
	if err := m.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(p, m.data[addr:])
	return nil
}

func (m *MemFlash) Write(addr uint32, p []byte) error {
	if err := m.bounds(addr, len(p)); err != nil {
		return err
	}
	dst := m.data[addr : int(addr)+len(p)]
	for i, b := range p {
		if dst[i]&b != b {
			return errors.Wrapf(ErrSetsBits, "at %#x: %02x over %02x", int(addr)+i, b, dst[i])
		}
	}
	n := len(p)
	aborted := false
	if m.budget >= 0 && n > m.budget {
		n = m.budget - m.budget%m.unit
		aborted = true
	}
	for i := 0; i < n; i++ {
		dst[i] &= p[i]
	}
	m.Writes++
	m.Programmed += n
	if m.budget >= 0 {
		m.budget -= n
		if aborted {
			m.budget = 0
			return ErrAbortedWrite
		}
	}
	return nil
}

func (m *MemFlash) Erase(addr, n uint32) error {
	if err := m.bounds(addr, int(n)); err != nil {
		return err
	}
	if m.budget == 0 {
		return ErrAbortedWrite
	}
	for i := addr; i < addr+n; i++ {
		m.data[i] = 0xff
	}
	m.Erases++
	return nil
}

// SetWriteBudget lets n more bytes be written before every write fails
// with ErrAbortedWrite. A negative n removes the limit.
func (m *MemFlash) SetWriteBudget(n int) { m.budget = n }

// Size is the medium size in bytes.
func (m *MemFlash) Size() uint32 { return uint32(len(m.data)) }

// Snapshot copies the current contents.
func (m *MemFlash) Snapshot() []byte {
	s := make([]byte, len(m.data))
	copy(s, m.data)
	return s
}

// Restore overwrites the contents with a snapshot of the same size.
func (m *MemFlash) Restore(s []byte) {
	copy(m.data, s)
}
