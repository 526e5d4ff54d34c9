package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	assert.Zero(t, bf.Count())
	bf.Set(0)
	bf.Set(9)
	assert.True(t, bf.Test(0))
	assert.True(t, bf.Test(9))
	assert.False(t, bf.Test(1))
	assert.Equal(t, uint32(2), bf.Count())
	bf.Clear(0)
	assert.False(t, bf.Test(0))
}

func TestAll(t *testing.T) {
	bf := New(3)
	for i := uint32(0); i < 3; i++ {
		bf.Set(i)
	}
	assert.True(t, bf.All())
}

func TestNewBytesRoundTrip(t *testing.T) {
	bf := New(12)
	bf.Set(0)
	bf.Set(11)
	bf2, err := NewBytes(bf.Bytes(), 12)
	require.NoError(t, err)
	assert.True(t, bf2.Test(0))
	assert.True(t, bf2.Test(11))
}

func TestNewBytesRejectsPadding(t *testing.T) {
	// length 3 packs into 1 byte, top 3 bits valid, rest must be zero.
	_, err := NewBytes([]byte{0x1F}, 3)
	assert.Error(t, err)
}
