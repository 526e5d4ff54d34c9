package tracker

import (
	"encoding/binary"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/zeebo/bencode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func announceOnce(t *testing.T, srv *httptest.Server, infoHash, peerID string, port int, left int64, event string) map[string]interface{} {
	t.Helper()
	q := url.Values{}
	q.Set("info_hash", infoHash)
	q.Set("peer_id", peerID)
	q.Set("port", strconv.Itoa(port))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("downloaded", "0")
	q.Set("numwant", "50")
	if event != "" {
		q.Set("event", event)
	}
	resp, err := srv.Client().Get(srv.URL + "/announce?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, bencode.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEmbeddedTrackerAnnounceUpsertsAndExcludesSelf(t *testing.T) {
	s := NewServer(time.Second)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ih := "aaaaaaaaaaaaaaaaaaaa"

	resp := announceOnce(t, srv, ih, "peer-one---------000", 6881, 100, "started")
	n := resp["complete"].(int64) + resp["incomplete"].(int64)
	assert.Zero(t, n, "expected 0 other peers on first announce")

	resp = announceOnce(t, srv, ih, "peer-two---------000", 6882, 0, "started")
	peers, _ := resp["peers"].(string)
	require.NotEmpty(t, peers)
	require.Zero(t, len(peers)%6)
	port := binary.BigEndian.Uint16([]byte(peers[4:6]))
	assert.EqualValues(t, 6881, port, "expected to discover peer-one on port 6881")
	assert.EqualValues(t, 1, resp["incomplete"], "expected 1 leecher (peer-one, left=100)")
}

func TestEmbeddedTrackerStoppedRemovesPeer(t *testing.T) {
	s := NewServer(time.Second)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ih := "bbbbbbbbbbbbbbbbbbbb"
	announceOnce(t, srv, ih, "peer-one---------000", 6881, 0, "started")
	announceOnce(t, srv, ih, "peer-one---------000", 6881, 0, "stopped")

	resp := announceOnce(t, srv, ih, "peer-two---------000", 6882, 0, "started")
	peers, _ := resp["peers"].(string)
	assert.Empty(t, peers, "expected no peers after peer-one stopped")
}

func TestEmbeddedTrackerScrape(t *testing.T) {
	s := NewServer(time.Second)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ih := "cccccccccccccccccccc"
	announceOnce(t, srv, ih, "peer-one---------000", 6881, 0, "started")
	announceOnce(t, srv, ih, "peer-two---------000", 6882, 100, "started")
	announceOnce(t, srv, ih, "peer-two---------000", 6882, 0, "completed")

	q := url.Values{}
	q.Add("info_hash", ih)
	resp, err := srv.Client().Get(srv.URL + "/scrape?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Files map[string]struct {
			Complete   int64 `bencode:"complete"`
			Incomplete int64 `bencode:"incomplete"`
			Downloaded int64 `bencode:"downloaded"`
		} `bencode:"files"`
	}
	require.NoError(t, bencode.NewDecoder(resp.Body).Decode(&out))
	entry, ok := out.Files[ih]
	require.True(t, ok, "expected scrape entry for %x", ih)
	assert.EqualValues(t, 2, entry.Complete, "expected 2 complete (both left=0 after completion)")
	assert.EqualValues(t, 1, entry.Downloaded, "expected 1 downloaded (peer-two completed once)")
}
