package allocator

import (
	"errors"
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/filepool"
	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	allocated map[string]int64
	failOn    string
}

func (f *fakeStorage) Write(path string, offset int64, data []byte) error { return nil }
func (f *fakeStorage) Read(path string, r storage.Range) ([]byte, error)  { return nil, nil }
func (f *fakeStorage) ReadWithPadding(path string, r storage.Range) ([]byte, error) {
	return nil, nil
}
func (f *fakeStorage) ReadAll(path string) ([]byte, error) { return nil, nil }
func (f *fakeStorage) Sync(path string) error               { return nil }
func (f *fakeStorage) Close() error                        { return nil }

func (f *fakeStorage) Allocate(path string, length int64) error {
	if path == f.failOn {
		return errors.New("allocation failed")
	}
	if f.allocated == nil {
		f.allocated = make(map[string]int64)
	}
	f.allocated[path] = length
	return nil
}

func buildPool(t *testing.T) *filepool.Pool {
	t.Helper()
	pool, err := filepool.Build([]metainfo.FileInfo{
		{Path: []string{"a.bin"}, Length: 100},
		{Path: []string{"pad"}, Length: 50, Attributes: "p"},
		{Path: []string{"b.bin"}, Length: 200},
	}, 64)
	require.NoError(t, err)
	return pool
}

func TestRunAllocatesNonPaddingFiles(t *testing.T) {
	pool := buildPool(t)
	fs := &fakeStorage{}
	a := New()
	progressC := make(chan Progress, 10)
	resultC := make(chan *Allocator, 1)

	a.Run(pool, fs, progressC, resultC)

	result := <-resultC
	require.NoError(t, result.Error)
	assert.EqualValues(t, 100, fs.allocated["a.bin"])
	assert.EqualValues(t, 200, fs.allocated["b.bin"])
	_, ok := fs.allocated["pad"]
	assert.False(t, ok, "expected padding file to be skipped")
}

func TestRunStopsOnError(t *testing.T) {
	pool := buildPool(t)
	fs := &fakeStorage{failOn: "a.bin"}
	a := New()
	progressC := make(chan Progress, 10)
	resultC := make(chan *Allocator, 1)

	a.Run(pool, fs, progressC, resultC)

	result := <-resultC
	assert.Error(t, result.Error)
	_, ok := fs.allocated["b.bin"]
	assert.False(t, ok, "expected allocation to stop after a.bin failed")
}
