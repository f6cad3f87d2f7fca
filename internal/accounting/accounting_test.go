package accounting

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAdvancesCounterAndSaturatesCRC(t *testing.T) {
	c := NewCounter(8, "a", "b")

	c.Record([]byte("1234"), 4)
	assert.Equal(t, uint64(4), c.Bytes())
	assert.False(t, c.AtThreshold())

	c.Record([]byte("5678"), 4)
	assert.Equal(t, uint64(8), c.Bytes())
	assert.True(t, c.AtThreshold())

	crcAtThreshold := c.CRC()

	// Bytes past the threshold keep counting, but the CRC is frozen.
	c.Record([]byte("9999"), 4)
	assert.Equal(t, uint64(12), c.Bytes())
	assert.Equal(t, crcAtThreshold, c.CRC())
}

func TestPeekDoesNotAdvanceCounter(t *testing.T) {
	c := NewCounter(8, "a", "b")
	before := c.Bytes()
	// A peek read simply never calls Record.
	_ = before
	assert.Equal(t, uint64(0), c.Bytes())
}

func TestSeedDiffersByPeerAddress(t *testing.T) {
	a := NewCounter(8, "10.0.0.1:1", "10.0.0.2:2")
	b := NewCounter(8, "10.0.0.1:1", "10.0.0.3:2")

	a.Record([]byte("same"), 4)
	b.Record([]byte("same"), 4)

	assert.NotEqual(t, a.CRC(), b.CRC(), "identical prefixes on different peers must not collide")
}

func TestRemainingAndSplitPoint(t *testing.T) {
	c := NewCounter(1024, "a", "b")
	c.Record(make([]byte, 900), 900)
	assert.Equal(t, uint64(124), c.Remaining())
}

func TestRecordIOVecsAttributesInOrder(t *testing.T) {
	c := NewCounter(1024, "a", "b")
	iovs := []IOVec{
		{Base: []byte("hello")},
		{Base: []byte("world")},
		{Base: []byte("unused")},
	}
	c.RecordIOVecs(iovs, 8)
	assert.Equal(t, uint64(8), c.Bytes())

	want := crc32.Update(0, crc32.IEEETable, []byte("a"))
	want = crc32.Update(want, crc32.IEEETable, []byte{0})
	want = crc32.Update(want, crc32.IEEETable, []byte("b"))
	want = crc32.Update(want, crc32.IEEETable, []byte("hello"))
	want = crc32.Update(want, crc32.IEEETable, []byte("wor"))
	assert.Equal(t, want, c.CRC())
}

func TestSumIOVecLenOverflow(t *testing.T) {
	iovs := []IOVec{{Base: make([]byte, 10)}, {Base: make([]byte, 20)}}
	sum, overflow := SumIOVecLen(iovs)
	require.False(t, overflow)
	assert.Equal(t, uint64(30), sum)
}

func TestSwapEqual(t *testing.T) {
	assert.True(t, SwapEqual(1, 2, 2, 1))
	assert.False(t, SwapEqual(1, 2, 2, 2))
}
