package memstorage

import (
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m := New()
	require.NoError(t, m.Write("a.bin", 4, []byte("hello")))
	got, err := m.Read("a.bin", storage.Range{Begin: 4, End: 9})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadMissingFileIsUnavailable(t *testing.T) {
	m := New()
	_, err := m.Read("missing.bin", storage.Range{Begin: 0, End: 1})
	assert.Equal(t, storage.ErrUnavailable, err)
	got, err := m.ReadWithPadding("missing.bin", storage.Range{Begin: 0, End: 4})
	require.NoError(t, err)
	assert.Len(t, got, 4, "expected 4 zero bytes")
}

func TestAllocateGrowsWithoutOverwriting(t *testing.T) {
	m := New()
	require.NoError(t, m.Write("a.bin", 0, []byte("xy")))
	require.NoError(t, m.Allocate("a.bin", 10))
	got, err := m.Read("a.bin", storage.Range{Begin: 0, End: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), got, "allocate clobbered existing bytes")
}
