// Package session implements the torrent orchestrator (spec.md §4.8)
// and the process-wide session that owns a registry of torrents
// (spec.md §4.9), composing every internal/* package into a running
// BitTorrent client. It generalizes rain's session/torrent package,
// whose channel-driven run loop and command pattern it keeps, onto
// this engine's own peer/piece/tracker/DHT stack.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	engine "github.com/popcorn-fx/torrent-engine"
	"github.com/popcorn-fx/torrent-engine/internal/blocklist"
	"github.com/popcorn-fx/torrent-engine/internal/dht"
	"github.com/popcorn-fx/torrent-engine/internal/magnet"
	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/storage/filestorage"
	"github.com/popcorn-fx/torrent-engine/internal/tracker"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// ErrUnknownTorrent is returned by Torrent/RemoveTorrent for a handle
// that isn't (or is no longer) registered.
var ErrUnknownTorrent = errors.New("session: unknown torrent handle")

// ErrNoAvailablePort is returned by AddTorrent/AddMagnet when every
// port in the configured range is already in use.
var ErrNoAvailablePort = errors.New("session: no available port in configured range")

// TorrentHealthBucket is the qualitative bucket spec.md §4.9 derives
// from a one-off announce's seed/peer counts.
type TorrentHealthBucket int

const (
	HealthUnknown TorrentHealthBucket = iota
	HealthDead
	HealthPoor
	HealthFair
	HealthGood
)

func (b TorrentHealthBucket) String() string {
	switch b {
	case HealthDead:
		return "dead"
	case HealthPoor:
		return "poor"
	case HealthFair:
		return "fair"
	case HealthGood:
		return "good"
	default:
		return "unknown"
	}
}

// TorrentHealth is the torrent_health(info) result.
type TorrentHealth struct {
	Bucket   TorrentHealthBucket
	Seeders  int32
	Leechers int32
}

// bucketFor classifies a one-off announce response into a qualitative
// health bucket. Thresholds are a simple, documented heuristic: zero
// seeders is dead regardless of leechers (nobody has the complete
// data); beyond that, more seeders means a healthier swarm.
func bucketFor(resp *tracker.Response) TorrentHealth {
	if resp == nil {
		return TorrentHealth{Bucket: HealthUnknown}
	}
	h := TorrentHealth{Seeders: resp.Seeders, Leechers: resp.Leechers}
	switch {
	case resp.Seeders <= 0:
		h.Bucket = HealthDead
	case resp.Seeders < 5:
		h.Bucket = HealthPoor
	case resp.Seeders < 25:
		h.Bucket = HealthFair
	default:
		h.Bucket = HealthGood
	}
	return h
}

// Session owns every running Torrent plus the process-wide DHT node
// and blocklist they share (spec.md §4.9).
type Session struct {
	config engine.Config
	log    logger.Logger
	peerID [20]byte

	blocklist       *blocklist.Blocklist
	dhtNode         *dht.DHT
	embeddedTracker *tracker.Server

	mPorts    sync.Mutex
	usedPorts map[uint16]struct{}
	nextPort  uint16

	m                  sync.RWMutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[string]*Torrent

	eventsC chan SessionEvent

	closeC    chan struct{}
	closeOnce sync.Once
}

// New builds a Session from cfg, starting the DHT node (if enabled)
// and its peer-discovery fan-out goroutine.
func New(cfg engine.Config) (*Session, error) {
	if cfg.PortBegin == 0 || cfg.PortEnd == 0 || cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("session: invalid port range")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}
	if err := setNoFile(cfg.MaxOpenFiles); err != nil {
		return nil, fmt.Errorf("session: raising open file limit: %w", err)
	}

	s := &Session{
		config:             cfg,
		log:                logger.New("session"),
		blocklist:          blocklist.New(),
		usedPorts:          make(map[uint16]struct{}),
		nextPort:           cfg.PortBegin,
		torrents:           make(map[string]*Torrent),
		torrentsByInfoHash: make(map[string]*Torrent),
		eventsC:            make(chan SessionEvent, 256),
		closeC:             make(chan struct{}),
	}
	if _, err := io.ReadFull(rand.Reader, s.peerID[:]); err != nil {
		return nil, err
	}
	copy(s.peerID[:8], []byte("-TE0010-"))

	if cfg.DHTEnabled {
		node, err := dht.New(dht.Config{
			Address:        cfg.DHTAddress,
			Port:           cfg.DHTPort,
			BootstrapNodes: cfg.DHTBootstrapNodes,
		})
		if err != nil {
			return nil, err
		}
		s.dhtNode = node
		go node.Run()
		go s.pumpDHTPeers()
	}

	if cfg.EmbeddedTrackerEnabled {
		srv := tracker.NewServer(cfg.EmbeddedTrackerInterval)
		s.embeddedTracker = srv
		addr := cfg.EmbeddedTrackerAddr
		go func() {
			if err := srv.Serve(addr); err != nil {
				s.log.Errorln("embedded tracker stopped:", err)
			}
		}()
	}

	return s, nil
}

// pumpDHTPeers fans out the shared DHT node's discovered-peer results
// to whichever registered torrent matches the swarm's info hash.
func (s *Session) pumpDHTPeers() {
	for {
		select {
		case pf, ok := <-s.dhtNode.PeersC:
			if !ok {
				return
			}
			var ih metainfo.InfoHash = pf.InfoHash[:]
			s.m.RLock()
			t, found := s.torrentsByInfoHash[ih.String()]
			s.m.RUnlock()
			if !found {
				continue
			}
			select {
			case t.dhtC <- pf.Addrs:
			default:
			}
		case <-s.closeC:
			return
		}
	}
}

// allocatePort returns the first free port in [PortBegin, PortEnd],
// or ErrNoAvailablePort if the whole range is in use.
func (s *Session) allocatePort() (uint16, error) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	span := s.config.PortEnd - s.config.PortBegin
	for i := uint16(0); i <= span; i++ {
		p := s.config.PortBegin + i
		if _, busy := s.usedPorts[p]; !busy {
			s.usedPorts[p] = struct{}{}
			s.nextPort = p + 1
			return p, nil
		}
	}
	return 0, ErrNoAvailablePort
}

func (s *Session) releasePort(port int) {
	if port <= 0 {
		return
	}
	s.mPorts.Lock()
	delete(s.usedPorts, uint16(port))
	s.mPorts.Unlock()
}

// trackerFor builds a Tracker client for rawURL, dispatching on URL
// scheme the way rain's trackermanager does (http(s) -> bencoded
// announce, udp -> BEP15).
func (s *Session) trackerFor(rawURL string) (tracker.Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return tracker.NewHTTPTracker(rawURL, s.config.TrackerHTTPTimeout, s.config.TrackerHTTPUserAgent), nil
	case "udp":
		return tracker.NewUDPTracker(rawURL, s.peerID, s.config.TrackerHTTPTimeout)
	default:
		return nil, fmt.Errorf("session: unsupported tracker scheme %q", u.Scheme)
	}
}

func (s *Session) trackersFor(urls []string) []tracker.Tracker {
	out := make([]tracker.Tracker, 0, len(urls))
	for _, u := range urls {
		trk, err := s.trackerFor(u)
		if err != nil {
			s.log.Warningln("skipping tracker", u, ":", err)
			continue
		}
		out = append(out, trk)
	}
	return out
}

// AddTorrent registers and starts a new Torrent from already-parsed
// metadata (spec.md §4.9 add_torrent).
func (s *Session) AddTorrent(mi *metainfo.MetaInfo, flags AddFlags) (*Torrent, error) {
	return s.addTorrent(mi.Info.Hash, mi.Info, mi.Info.Name, s.trackersFor(mi.GetTrackers()), flags)
}

// AddMagnet registers and starts a new, metadata-only Torrent resolved
// from a magnet URI (spec.md §4.9 add_torrent, magnet form).
func (s *Session) AddMagnet(uri string, flags AddFlags) (*Torrent, error) {
	m, err := magnet.New(uri)
	if err != nil {
		return nil, err
	}
	return s.addTorrent(m.InfoHash, nil, m.Name, s.trackersFor(m.Trackers), flags)
}

func (s *Session) addTorrent(infoHash metainfo.InfoHash, info *metainfo.Info, name string, trackers []tracker.Tracker, flags AddFlags) (*Torrent, error) {
	dest := filepath.Join(s.config.DataDir, infoHash.String())
	sto, err := filestorage.New(dest, infoHash.Short())
	if err != nil {
		return nil, err
	}
	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	t := NewTorrent(infoHash, info, name, trackers, sto, dest, &s.config, s.blocklist, s.dhtNode, s.peerID, int(port), flags)

	s.m.Lock()
	s.torrents[t.Handle()] = t
	s.torrentsByInfoHash[infoHash.String()] = t
	s.m.Unlock()

	if err := t.Start(); err != nil {
		s.m.Lock()
		delete(s.torrents, t.Handle())
		delete(s.torrentsByInfoHash, infoHash.String())
		s.m.Unlock()
		s.releasePort(int(port))
		return nil, err
	}

	s.emit(SessionEvent{Kind: SessionEventTorrentAdded, Handle: t.Handle(), Info: infoHash})
	return t, nil
}

// RemoveTorrent stops and deregisters handle (spec.md §4.9
// remove_torrent). Downloaded data is left on disk.
func (s *Session) RemoveTorrent(handle string) error {
	s.m.Lock()
	t, ok := s.torrents[handle]
	if !ok {
		s.m.Unlock()
		return ErrUnknownTorrent
	}
	delete(s.torrents, handle)
	delete(s.torrentsByInfoHash, t.InfoHash().String())
	s.m.Unlock()

	t.Close()
	s.releasePort(t.port)
	s.emit(SessionEvent{Kind: SessionEventTorrentRemoved, Handle: handle, Info: t.InfoHash()})
	return nil
}

// Torrent looks up a registered torrent by handle (spec.md §4.9
// torrent).
func (s *Session) Torrent(handle string) (*Torrent, bool) {
	s.m.RLock()
	defer s.m.RUnlock()
	t, ok := s.torrents[handle]
	return t, ok
}

// FindTorrent looks up a registered torrent by info hash (spec.md
// §4.9 find_torrent).
func (s *Session) FindTorrent(infoHash metainfo.InfoHash) (*Torrent, bool) {
	s.m.RLock()
	defer s.m.RUnlock()
	t, ok := s.torrentsByInfoHash[infoHash.String()]
	return t, ok
}

// Torrents returns every currently registered torrent.
func (s *Session) Torrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// TorrentHealth runs a one-off announce against every tracker in mi
// and buckets the best response (spec.md §4.9 torrent_health).
func (s *Session) TorrentHealth(mi *metainfo.MetaInfo, timeout time.Duration) (TorrentHealth, error) {
	trackers := s.trackersFor(mi.GetTrackers())
	if len(trackers) == 0 {
		return TorrentHealth{}, errors.New("session: no usable trackers")
	}
	resp, err := torrentHealth(trackers, mi.Info.Hash, s.peerID, 0, timeout)
	if err != nil {
		return TorrentHealth{}, err
	}
	return bucketFor(resp), nil
}

// FetchMagnet resolves uri into its full metadata without keeping the
// torrent registered afterwards (spec.md §4.9 fetch_magnet): it adds a
// short-lived metadata-only torrent, waits for its MetadataResolved
// event (or timeout), then tears it down.
func (s *Session) FetchMagnet(uri string, timeout time.Duration) (*metainfo.Info, error) {
	t, err := s.AddMagnet(uri, AddFlags{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.RemoveTorrent(t.Handle()) }()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-t.Events():
			if !ok {
				return nil, errors.New("session: torrent closed before metadata resolved")
			}
			if ev.Kind == EventMetadataResolved {
				t.mu.RLock()
				info := t.info
				t.mu.RUnlock()
				return info, nil
			}
		case <-deadline:
			return nil, errors.New("session: timed out waiting for metadata")
		}
	}
}

// Events returns the session-global event stream (spec.md §4.9
// TorrentAdded/TorrentRemoved).
func (s *Session) Events() <-chan SessionEvent { return s.eventsC }

func (s *Session) emit(ev SessionEvent) {
	select {
	case s.eventsC <- ev:
	case <-s.closeC:
	default:
	}
}

// Blocklist exposes the shared blocklist consulted by every torrent's
// incoming/outgoing connection paths.
func (s *Session) Blocklist() *blocklist.Blocklist { return s.blocklist }

// DHT returns the shared DHT node, or nil if DHTEnabled is false.
func (s *Session) DHT() *dht.DHT { return s.dhtNode }

// EmbeddedTracker returns the embedded test-harness tracker server, or
// nil if EmbeddedTrackerEnabled is false (spec.md §4.6).
func (s *Session) EmbeddedTracker() *tracker.Server { return s.embeddedTracker }

// Close stops every registered torrent, the DHT node, and the session
// itself.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		s.m.Lock()
		torrents := make([]*Torrent, 0, len(s.torrents))
		for _, t := range s.torrents {
			torrents = append(torrents, t)
		}
		s.torrents = make(map[string]*Torrent)
		s.torrentsByInfoHash = make(map[string]*Torrent)
		s.m.Unlock()

		var wg sync.WaitGroup
		for _, t := range torrents {
			wg.Add(1)
			go func(t *Torrent) {
				defer wg.Done()
				t.Close()
			}(t)
		}
		wg.Wait()

		if s.dhtNode != nil {
			s.dhtNode.Stop()
		}
	})
}
