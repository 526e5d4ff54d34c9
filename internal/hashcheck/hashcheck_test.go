package hashcheck

import (
	"crypto/sha1"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	v1, v2 map[uint32][]byte
}

func (f fakeSource) HashV1(i uint32) []byte { return f.v1[i] }
func (f fakeSource) HashV2(i uint32) []byte { return f.v2[i] }

func TestVerifyV1Only(t *testing.T) {
	data := []byte("piece data")
	sum := sha1.Sum(data)
	src := fakeSource{v1: map[uint32][]byte{0: sum[:]}}
	ok, err := Verify(src, 0, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyMismatch(t *testing.T) {
	src := fakeSource{v1: map[uint32][]byte{0: make([]byte, 20)}}
	ok, err := Verify(src, 0, []byte("data"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyHybridRequiresBoth(t *testing.T) {
	data := []byte("hybrid piece")
	s1 := sha1.Sum(data)
	s2 := sha256.Sum256(data)
	src := fakeSource{
		v1: map[uint32][]byte{0: s1[:]},
		v2: map[uint32][]byte{0: append([]byte(nil), s2[:]...)},
	}
	ok, err := Verify(src, 0, data)
	require.NoError(t, err)
	assert.True(t, ok)

	src.v2[0][0] ^= 0xff
	ok, err = Verify(src, 0, data)
	require.NoError(t, err)
	assert.False(t, ok, "expected v2 mismatch to fail verification")
}

func TestVerifyNoHash(t *testing.T) {
	src := fakeSource{}
	_, err := Verify(src, 0, []byte("x"))
	assert.Equal(t, ErrNoHash, err)
}
