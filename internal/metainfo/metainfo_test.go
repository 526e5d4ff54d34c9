package metainfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTorrent(t *testing.T) []byte {
	t.Helper()
	// A minimal single-file torrent: one 16-byte piece.
	piece := bytes.Repeat([]byte{0xAB}, 20)
	info := "d6:lengthi16e4:name8:test.bin12:piece lengthi16e6:pieces20:" + string(piece) + "e"
	return []byte("d8:announce17:http://tr.example4:info" + info + "e")
}

func TestNewParsesSingleFileTorrent(t *testing.T) {
	raw := buildTestTorrent(t)
	mi, err := New(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "test.bin", mi.Info.Name)
	assert.EqualValues(t, 1, mi.Info.NumPieces)
	assert.EqualValues(t, 16, mi.Info.Length)
	assert.Equal(t, "http://tr.example", mi.Announce)
}

func TestGetTrackersDedupes(t *testing.T) {
	mi := &MetaInfo{
		Announce:     "http://a",
		AnnounceList: [][]string{{"http://a", "http://b"}, {"http://c"}},
	}
	got := mi.GetTrackers()
	want := []string{"http://a", "http://b", "http://c"}
	assert.Equal(t, want, got)
}
