package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zeebo/bencode"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1a, 0xe1} // 127.0.0.1:6881
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		resp := map[string]interface{}{
			"interval":   int64(1800),
			"complete":   int64(3),
			"incomplete": int64(1),
			"peers":      string(compact),
		}
		bencode.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL+"/announce", time.Second, "test-agent")
	ih, _ := metainfo.NewInfoHash(make([]byte, 20))
	resp, err := tr.Announce(context.Background(), Torrent{InfoHash: ih, Port: 6881, Event: EventStarted})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
}

func TestHTTPTrackerAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.NewEncoder(w).Encode(map[string]interface{}{"failure reason": "banned"})
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL+"/announce", time.Second, "test-agent")
	ih, _ := metainfo.NewInfoHash(make([]byte, 20))
	_, err := tr.Announce(context.Background(), Torrent{InfoHash: ih})
	assert.Error(t, err)
}

func TestScrapeURLFor(t *testing.T) {
	got, err := scrapeURLFor("http://example.com/announce")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/scrape", got)

	_, err = scrapeURLFor("http://example.com/foo")
	assert.Equal(t, ErrNotSupported, err)
}
