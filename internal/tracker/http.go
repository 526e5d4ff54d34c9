package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// HTTPTracker speaks the classic bencoded-over-HTTP(S) announce
// protocol (BEP3), always requesting the compact peer list form.
type HTTPTracker struct {
	rawURL    string
	client    *http.Client
	userAgent string
}

// NewHTTPTracker builds a client for rawURL (the tracker's announce
// endpoint), timing out each request after timeout.
func NewHTTPTracker(rawURL string, timeout time.Duration, userAgent string) *HTTPTracker {
	return &HTTPTracker{
		rawURL:    rawURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// URL satisfies Tracker.
func (t *HTTPTracker) URL() string { return t.rawURL }

type httpAnnounceResponse struct {
	FailureReason  string      `bencode:"failure reason"`
	WarningMessage string      `bencode:"warning message"`
	Interval       int32       `bencode:"interval"`
	MinInterval    int32       `bencode:"min interval"`
	Complete       int32       `bencode:"complete"`
	Incomplete     int32       `bencode:"incomplete"`
	Peers          interface{} `bencode:"peers"`
	Peers6         []byte      `bencode:"peers6"`
}

// Announce issues a single GET request and parses the bencoded reply.
func (t *HTTPTracker) Announce(ctx context.Context, tor Torrent) (*Response, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", string(tor.InfoHash))
	q.Set("peer_id", string(tor.PeerID[:]))
	q.Set("port", strconv.Itoa(tor.Port))
	q.Set("uploaded", strconv.FormatInt(tor.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(tor.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(tor.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(tor.NumWant))
	if s := tor.Event.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	var ar httpAnnounceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, err
	}
	if ar.FailureReason != "" {
		return nil, fmt.Errorf("tracker: %s", ar.FailureReason)
	}

	peers, err := decodePeers(ar.Peers)
	if err != nil {
		return nil, err
	}
	peers6, _ := peerprotocol.DecodeCompactIPv6List(ar.Peers6)

	return &Response{
		Interval:    time.Duration(ar.Interval) * time.Second,
		MinInterval: time.Duration(ar.MinInterval) * time.Second,
		Leechers:    ar.Incomplete,
		Seeders:     ar.Complete,
		Peers:       peers,
		Peers6:      peers6,
		Warning:     ar.WarningMessage,
	}, nil
}

// decodePeers handles both the compact (binary string) and the
// original (list of dicts) peer encodings BEP3 allows.
func decodePeers(v interface{}) ([]*net.TCPAddr, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case string:
		return peerprotocol.DecodeCompactIPv4List([]byte(p))
	case []interface{}:
		var addrs []*net.TCPAddr
		for _, e := range p {
			dict, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := dict["ip"].(string)
			port, _ := dict["port"].(int64)
			parsed := net.ParseIP(ip)
			if parsed == nil {
				continue
			}
			addrs = append(addrs, &net.TCPAddr{IP: parsed, Port: int(port)})
		}
		return addrs, nil
	default:
		return nil, fmt.Errorf("tracker: unexpected peers encoding %T", v)
	}
}

// Scrape issues a best-effort GET against the tracker's scrape
// endpoint, derived from the announce URL per the convention of
// replacing the last "/announce" path segment with "/scrape".
func (t *HTTPTracker) Scrape(ctx context.Context, infoHashes []metainfo.InfoHash) (map[string]ScrapeResult, error) {
	scrapeURL, err := scrapeURLFor(t.rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(scrapeURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for _, ih := range infoHashes {
		q.Add("info_hash", string(ih))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr struct {
		Files map[string]struct {
			Complete   int32 `bencode:"complete"`
			Incomplete int32 `bencode:"incomplete"`
			Downloaded int32 `bencode:"downloaded"`
		} `bencode:"files"`
	}
	if err := bencode.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	out := make(map[string]ScrapeResult, len(sr.Files))
	for k, v := range sr.Files {
		out[k] = ScrapeResult{Complete: v.Complete, Incomplete: v.Incomplete, Downloaded: v.Downloaded}
	}
	return out, nil
}

func scrapeURLFor(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", err
	}
	const suffix = "/announce"
	if len(u.Path) >= len(suffix) && u.Path[len(u.Path)-len(suffix):] == suffix {
		u.Path = u.Path[:len(u.Path)-len(suffix)] + "/scrape"
		return u.String(), nil
	}
	return "", ErrNotSupported
}

// Close is a no-op: HTTPTracker holds no persistent connection.
func (t *HTTPTracker) Close() error { return nil }
