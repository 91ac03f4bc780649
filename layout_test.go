package flashfs

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func testLayout() *layout {
	return &layout{
		sectors:        8,
		sectorSize:     1024,
		pageSize:       126,
		pagesPerSector: 8,
		objIDBits:      8,
		spanIxBits:     6,
		nameLen:        16,
	}
}

func TestLayoutSizes(t *testing.T) {
	assert := assertion.New(t)
	l := testLayout()
	assert.Equal(uint32(24), l.objHdrSize())
	assert.Equal(uint32(98), l.dataLen(0))
	assert.Equal(uint32(122), l.dataLen(1))
	assert.Equal(uint32(122), l.dataLen(17))
	assert.Equal(uint32(24), l.dataOff(0))
	assert.Equal(uint32(4), l.dataOff(3))
	assert.Equal(uint16(0xc063), l.magic())
}

func TestLayoutAddresses(t *testing.T) {
	assert := assertion.New(t)
	l := testLayout()
	assert.Equal(uint32(4), l.pixAddr(0))
	assert.Equal(uint32(4+7*126), l.pixAddr(7))
	assert.Equal(uint32(1024+4), l.pixAddr(8))
	assert.Equal(uint32(7*1024+4+3*126), l.pixAddr(59))
	assert.Equal(uint32(7), l.pixSector(63))
	assert.Equal(pageIx(40), l.sectorPix(5))
}

func TestLayoutOffsets(t *testing.T) {
	assert := assertion.New(t)
	l := testLayout()
	cases := []struct {
		offs  uint32
		spix  spanIx
		pdata uint32
	}{
		{0, 0, 0},
		{97, 0, 97},
		{98, 1, 0},
		{219, 1, 121},
		{220, 2, 0},
		{300, 2, 80},
		{1000, 8, 48},
	}
	for _, c := range cases {
		assert.Equal(c.spix, l.offsSpix(c.offs), "spix of %d", c.offs)
		assert.Equal(c.pdata, l.offsPdata(c.offs), "pdata of %d", c.offs)
	}
}

func TestLayoutIDs(t *testing.T) {
	assert := assertion.New(t)
	l := testLayout()
	assert.Equal(objID(255), l.maxObjID())
	assert.Equal(spanIx(63), l.maxSpanIx())
	assert.Equal(rawID(0x100), l.makeID(1, 0))
	assert.Equal(rawID(0x308), l.makeID(3, 2))

	for _, oid := range []objID{1, 2, 77, 254} {
		for _, spix := range []spanIx{0, 1, 31, 63} {
			id := l.makeID(oid, spix)
			assert.Equal(oid, l.oid(id))
			assert.Equal(spix, l.spix(id))
			assert.Equal(uint16(0), uint16(id)&(1<<cycleBits-1))
			assert.NotEqual(idFree, id)
			assert.NotEqual(idDeleted, id)
		}
	}
}

func TestPageFlags(t *testing.T) {
	assert := assertion.New(t)
	assert.True(pageHdr{id: idFree, flag: flagClean}.erased())
	assert.False(pageHdr{id: idFree, flag: flagWritten}.erased())
	assert.True(pageHdr{id: 0x100, flag: flagMoving}.live())
	assert.False(pageHdr{id: 0x100, flag: 0x1234}.live())
	assert.False(pageHdr{id: idDeleted, flag: flagWritten}.live())
	assert.False(flagKeep.valid())
	assert.Equal("WRIT", flagWritten.String())
	assert.Equal("BAD(1234)", pageFlag(0x1234).String())
}

func TestObjFields(t *testing.T) {
	assert := assertion.New(t)
	l := testLayout()
	b := make([]byte, l.objHdrSize()-pageHdrSize)
	for i := range b {
		b[i] = 0xff
	}
	l.encodeObjFields(b, 300, "hello")
	assert.Equal(uint32(300), le.Uint32(b))
	assert.Equal("hello", nameString(b[4:]))
	assert.Equal(byte(0), b[len(b)-1])
	assert.Equal(uint32(0), fileLen(UndefLen))
	assert.Equal(uint32(5), fileLen(5))
}
