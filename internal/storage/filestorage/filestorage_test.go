package filestorage

import (
	"os"
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStorage(t *testing.T) *FileStorage {
	t.Helper()
	dir, err := os.MkdirTemp("", "filestorage-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	var short [20]byte
	copy(short[:], []byte("abcdefghij0123456789"))
	s, err := New(dir, short)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := tempStorage(t)
	require.NoError(t, s.Write("movie.mkv", 0, []byte("hello")))
	got, err := s.Read("movie.mkv", storage.Range{Begin: 0, End: 5})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestWriteExtendsSparse(t *testing.T) {
	s := tempStorage(t)
	require.NoError(t, s.Write("f.bin", 100, []byte("x")))
	got, err := s.ReadWithPadding("f.bin", storage.Range{Begin: 0, End: 10})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), got, "expected zero-filled gap")
}

func TestReadUnavailableFileIsErrorOrPadding(t *testing.T) {
	s := tempStorage(t)
	_, err := s.Read("missing.bin", storage.Range{Begin: 0, End: 4})
	assert.Error(t, err, "expected error reading a file that was never written")
	got, err := s.ReadWithPadding("missing.bin", storage.Range{Begin: 0, End: 4})
	require.NoError(t, err)
	assert.Len(t, got, 4, "expected 4 zero bytes")
}

func TestResolveRejectsEscapingPath(t *testing.T) {
	s := tempStorage(t)
	err := s.Write("../escape.bin", 0, []byte("x"))
	assert.Equal(t, storage.ErrInvalidFilepath, err)
}

func TestPartFileWriteMigrateRoundTrip(t *testing.T) {
	s := tempStorage(t)
	const path = "excluded.bin"
	const length = int64(10)
	require.NoError(t, s.WritePart(path, length, 0, []byte("0123456789")))
	got, err := s.ReadPart(path, length, storage.Range{Begin: 0, End: 10})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got)

	require.NoError(t, s.MigrateFromPart(path, length))
	real, err := s.Read(path, storage.Range{Begin: 0, End: 10})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), real, "migrated bytes mismatch")

	// Second migration is a no-op since the slot was forgotten.
	assert.NoError(t, s.MigrateFromPart(path, length))
}
