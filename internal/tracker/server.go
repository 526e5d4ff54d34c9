package tracker

import (
	"encoding/binary"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/zeebo/bencode"

	"github.com/popcorn-fx/torrent-engine/logger"
)

// peerEntry is one announced peer for one info_hash, keyed by
// (peer_id, ip) per spec.md §4.6.
type peerEntry struct {
	ip        string
	port      int
	bytesLeft int64
	done      int64
	completed bool
	seenAt    time.Time
}

type swarm struct {
	mu    sync.Mutex
	peers map[string]*peerEntry // key: peer_id+ip
}

// Server is the embedded HTTP tracker (spec.md §4.6): announce +
// scrape for test harnesses and local seeding. It keeps a per-info-hash
// map of announced peers entirely in memory; nothing is persisted.
type Server struct {
	log      logger.Logger
	interval time.Duration

	mu      sync.RWMutex
	swarms  map[string]*swarm // key: raw info_hash bytes as a string
}

// NewServer builds an embedded tracker that hands out interval as the
// announce interval on every response.
func NewServer(interval time.Duration) *Server {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Server{
		log:      logger.New("trackerserver"),
		interval: interval,
		swarms:   make(map[string]*swarm),
	}
}

// Handler returns the chi router mounting /announce and /scrape.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/announce", s.handleAnnounce)
	r.Get("/scrape", s.handleScrape)
	return r
}

func (s *Server) swarmFor(infoHash string) *swarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swarms[infoHash]
	if !ok {
		sw = &swarm{peers: make(map[string]*peerEntry)}
		s.swarms[infoHash] = sw
	}
	return sw
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleAnnounce implements BEP3's announce over HTTP: upserts the
// caller into its info_hash's swarm (removing it on event=stopped,
// flipping completed on event=completed) and replies with a compact
// peer list of the rest of the swarm.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	infoHash := q.Get("info_hash")
	peerID := q.Get("peer_id")
	if len(infoHash) == 0 || len(peerID) == 0 {
		writeFailure(w, "missing info_hash or peer_id")
		return
	}
	port, _ := strconv.Atoi(q.Get("port"))
	left, _ := strconv.ParseInt(q.Get("left"), 10, 64)
	downloaded, _ := strconv.ParseInt(q.Get("downloaded"), 10, 64)
	event := q.Get("event")
	numwant, err := strconv.Atoi(q.Get("numwant"))
	if err != nil || numwant <= 0 {
		numwant = 50
	}

	ip := peerIP(r)
	key := peerID + "\x00" + ip
	sw := s.swarmFor(infoHash)

	sw.mu.Lock()
	switch event {
	case "stopped":
		delete(sw.peers, key)
	default:
		e, ok := sw.peers[key]
		if !ok {
			e = &peerEntry{}
			sw.peers[key] = e
		}
		e.ip = ip
		e.port = port
		e.bytesLeft = left
		e.done = downloaded
		e.seenAt = time.Now()
		if event == "completed" {
			e.completed = true
		}
	}

	var seeders, leechers int32
	compact := make([]byte, 0, len(sw.peers)*6)
	n := 0
	for k, e := range sw.peers {
		if k == key {
			continue // BEP3: never echo the requester back to itself
		}
		if e.bytesLeft == 0 {
			seeders++
		} else {
			leechers++
		}
		if n >= numwant {
			continue
		}
		ip4 := net.ParseIP(e.ip).To4()
		if ip4 == nil {
			continue
		}
		b := make([]byte, 6)
		copy(b[:4], ip4)
		binary.BigEndian.PutUint16(b[4:], uint16(e.port))
		compact = append(compact, b...)
		n++
	}
	sw.mu.Unlock()

	s.log.Debugf("announce info_hash=%x event=%s peers=%d", infoHash, event, n)

	resp := map[string]interface{}{
		"interval":   int64(s.interval / time.Second),
		"complete":   int64(seeders),
		"incomplete": int64(leechers),
		"peers":      string(compact),
	}
	w.Header().Set("Content-Type", "text/plain")
	_ = bencode.NewEncoder(w).Encode(resp)
}

// handleScrape implements BEP48's scrape: {complete, incomplete,
// downloaded} per requested info_hash, batched in a single request.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()["info_hash"]
	files := make(map[string]map[string]int64, len(hashes))

	for _, ih := range hashes {
		s.mu.RLock()
		sw, ok := s.swarms[ih]
		s.mu.RUnlock()
		if !ok {
			files[ih] = map[string]int64{"complete": 0, "incomplete": 0, "downloaded": 0}
			continue
		}
		var complete, incomplete, downloaded int64
		sw.mu.Lock()
		for _, e := range sw.peers {
			if e.bytesLeft == 0 {
				complete++
			} else {
				incomplete++
			}
			if e.completed {
				downloaded++
			}
		}
		sw.mu.Unlock()
		files[ih] = map[string]int64{"complete": complete, "incomplete": incomplete, "downloaded": downloaded}
	}

	w.Header().Set("Content-Type", "text/plain")
	_ = bencode.NewEncoder(w).Encode(map[string]interface{}{"files": files})
}

// writeFailure replies with BEP3's "failure reason" convention.
func writeFailure(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/plain")
	_ = bencode.NewEncoder(w).Encode(map[string]interface{}{"failure reason": reason})
}

// Serve starts listening and serving on addr, blocking until the
// listener is closed or the server fails.
func (s *Server) Serve(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	s.log.Infof("embedded tracker listening on %s", addr)
	return srv.ListenAndServe()
}
