package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"

	engine "github.com/popcorn-fx/torrent-engine"
	"github.com/popcorn-fx/torrent-engine/internal/acceptor"
	"github.com/popcorn-fx/torrent-engine/internal/addrlist"
	"github.com/popcorn-fx/torrent-engine/internal/allocator"
	"github.com/popcorn-fx/torrent-engine/internal/announcer"
	"github.com/popcorn-fx/torrent-engine/internal/blocklist"
	"github.com/popcorn-fx/torrent-engine/internal/dht"
	"github.com/popcorn-fx/torrent-engine/internal/downloader/piecedownloader"
	"github.com/popcorn-fx/torrent-engine/internal/filepool"
	"github.com/popcorn-fx/torrent-engine/internal/handshaker/incominghandshaker"
	"github.com/popcorn-fx/torrent-engine/internal/handshaker/outgoinghandshaker"
	"github.com/popcorn-fx/torrent-engine/internal/metadataext"
	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
	"github.com/popcorn-fx/torrent-engine/internal/pex"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/popcorn-fx/torrent-engine/internal/piecepicker"
	"github.com/popcorn-fx/torrent-engine/internal/storage"
	"github.com/popcorn-fx/torrent-engine/internal/tracker"
	"github.com/popcorn-fx/torrent-engine/internal/verifier"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// TorrentState is the data-model type from spec.md §3/§4.8. Zero value
// is Initializing.
type TorrentState int

const (
	Initializing TorrentState = iota
	CheckingFiles
	DownloadingMetadata
	Downloading
	Seeding
	Paused
	Error
	Completed
)

func (s TorrentState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case CheckingFiles:
		return "checking_files"
	case DownloadingMetadata:
		return "downloading_metadata"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Error:
		return "error"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// ByteRange is a half-open [Begin, End) range of absolute byte offsets
// within a torrent's concatenated file data, used by has_bytes and
// prioritize_bytes (spec.md §4.8).
type ByteRange struct {
	Begin, End int64
}

// ourExtensions is the reserved-bytes advertisement sent on every
// handshake: extended protocol, DHT, fast extension.
var ourExtensions = peerprotocol.NewReserved()

// AddFlags controls how add_torrent behaves (spec.md §4.9).
type AddFlags struct {
	Paused     bool
	Sequential bool
}

// peerState is the per-connected-peer bookkeeping the orchestrator
// keeps alongside the shared peer.Peer wrapper: its own ut_metadata
// requester (if metadata is still unknown) and its own PEX view (the
// set of addresses this peer hasn't been told about yet).
type peerState struct {
	metadataRequester *metadataext.Requester
	pex               *pex.PEX
	extMsgIDs         map[string]uint8 // remote's name->id map from its extended handshake
}

// Torrent is the per-torrent orchestrator from spec.md §4.8: it owns
// its Storage, Pools, TrackerClients, DhtClient, and PeerConnections,
// sequencing resolve -> announce -> handshake -> piece requests ->
// verify -> write and emitting events as it goes.
type Torrent struct {
	handle   string
	infoHash metainfo.InfoHash
	cfg      *engine.Config
	log      logger.Logger

	peerID [20]byte
	port   int

	mu         sync.RWMutex
	state      TorrentState
	name       string
	info       *metainfo.Info
	storage    storage.Storage
	files      *filepool.Pool
	pieces     *piece.Pool
	picker     *piecepicker.PiecePicker
	sequential bool
	lastErr    error

	dataDir string

	trackers          []tracker.Tracker
	announcers        []*announcer.PeriodicalAnnouncer
	announcerResultC  chan announcer.Result
	announcersStopped bool

	useDHT  bool
	dhtNode *dht.DHT
	dhtC    chan []*net.TCPAddr

	blocklist *blocklist.Blocklist
	addrList  *addrlist.AddrList

	acceptor      *acceptor.Acceptor
	incomingConnC chan net.Conn

	incomingHandshakers       map[*incominghandshaker.IncomingHandshaker]struct{}
	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker

	peers         map[*peer.Peer]*peerState
	connectedIPs  map[string]struct{}
	messages      chan peer.Message
	pieceMessages chan peer.Piece
	disconnectedC chan *peer.Peer
	snubbedC      chan *peer.Peer

	pieceDownloaders map[*peer.Peer]*pieceDownload
	mismatchCounts   map[*peer.Peer]map[uint32]int
	priorityCancelC  chan []uint32

	metadataResponder *metadataext.Responder

	allocator          *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator

	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier

	pieceResultC chan pieceResult

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA
	bytesWasted   int64

	eventsC chan Event

	closeC chan struct{}
	doneC  chan struct{}

	magnetOnly bool
}

// pieceDownload pairs a running piecedownloader with its stop channel
// so the orchestrator can cancel it without leaking its goroutine.
type pieceDownload struct {
	pd    *piecedownloader.PieceDownloader
	stopC chan struct{}
}

// NewTorrent builds a Torrent in state Initializing. info may be nil
// for a magnet-only torrent (state becomes DownloadingMetadata once
// Start runs); infoHash is always known up front.
func NewTorrent(infoHash metainfo.InfoHash, info *metainfo.Info, name string, trackers []tracker.Tracker, sto storage.Storage, dataDir string, cfg *engine.Config, bl *blocklist.Blocklist, dhtNode *dht.DHT, peerID [20]byte, port int, flags AddFlags) *Torrent {
	t := &Torrent{
		handle:   uuid.NewV4().String(),
		infoHash: infoHash,
		cfg:      cfg,
		log:      logger.New("torrent"),
		peerID:   peerID,
		port:     port,
		name:     name,
		dataDir:  dataDir,
		storage:  sto,
		trackers: trackers,
		useDHT:   cfg.DHTEnabled && dhtNode != nil,
		dhtNode:  dhtNode,
		dhtC:     make(chan []*net.TCPAddr, 8),

		blocklist: bl,

		incomingConnC: make(chan net.Conn, 16),

		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker, 16),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker, 16),

		peers:         make(map[*peer.Peer]*peerState),
		connectedIPs:  make(map[string]struct{}),
		messages:      make(chan peer.Message, 256),
		pieceMessages: make(chan peer.Piece, 256),
		disconnectedC: make(chan *peer.Peer, 16),
		snubbedC:      make(chan *peer.Peer, 16),

		pieceDownloaders: make(map[*peer.Peer]*pieceDownload),
		mismatchCounts:   make(map[*peer.Peer]map[uint32]int),
		priorityCancelC:  make(chan []uint32, 4),

		allocatorProgressC: make(chan allocator.Progress, 1),
		allocatorResultC:   make(chan *allocator.Allocator, 1),
		verifierProgressC:  make(chan verifier.Progress, 1),
		verifierResultC:    make(chan *verifier.Verifier, 1),

		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),

		eventsC: make(chan Event, 256),

		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),

		sequential: flags.Sequential,
	}
	local := &net.TCPAddr{IP: net.IPv4zero, Port: port}
	t.addrList = addrlist.New(local)
	if info != nil {
		if err := t.setInfo(info); err != nil {
			t.log.Errorln("invalid metadata:", err)
		}
	} else {
		t.magnetOnly = true
		t.state = DownloadingMetadata
	}
	if flags.Paused {
		t.state = Paused
	}
	return t
}

// setInfo builds the piece/file pools once metadata (from a .torrent
// file or a completed ut_metadata fetch) is known.
func (t *Torrent) setInfo(info *metainfo.Info) error {
	fp, err := filepool.Build(info.Files, info.PieceLength)
	if err != nil {
		return err
	}
	pieces := make([]*piece.Piece, info.NumPieces)
	var offset int64
	for i := uint32(0); i < info.NumPieces; i++ {
		length := info.PieceLength
		if i == info.NumPieces-1 {
			rem := info.Length % info.PieceLength
			if rem != 0 {
				length = rem
			}
		}
		var v1, v2 []byte
		if len(info.PieceHashes) > 0 {
			v1 = info.PieceHashes[i]
		}
		if len(info.PieceHashesV2) > 0 {
			v2 = info.PieceHashesV2[i]
		}
		pieces[i] = piece.NewPiece(i, offset, uint32(length), v1, v2)
		offset += length
	}
	pool := piece.NewPool(pieces)
	for _, f := range fp.All() {
		pool.SetPriorityExact(f.PieceStart, piece.PriorityNormal)
		for idx := f.PieceStart; idx < f.PieceEnd; idx++ {
			pool.SetPriorityExact(idx, piece.PriorityNormal)
		}
	}

	t.mu.Lock()
	t.info = info
	t.files = fp
	t.pieces = pool
	t.picker = piecepicker.New(pool, t.sequential)
	t.metadataResponder = metadataext.NewResponder(info)
	if t.name == "" {
		t.name = info.Name
	}
	t.mu.Unlock()
	return nil
}

// Handle returns the opaque, stable identifier for this torrent
// (spec.md §3 TorrentHandle).
func (t *Torrent) Handle() string { return t.handle }

// InfoHash returns the torrent's identifying hash.
func (t *Torrent) InfoHash() metainfo.InfoHash { return t.infoHash }

// Name returns the torrent's display name, which may still be empty
// for a magnet torrent whose metadata hasn't resolved yet.
func (t *Torrent) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// State returns the torrent's current discrete state.
func (t *Torrent) State() TorrentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Events returns the channel events are published on. Not replayable:
// a consumer that isn't listening misses what's sent meanwhile
// (spec.md §6 "events emitted outward ... non-replayable").
func (t *Torrent) Events() <-chan Event { return t.eventsC }

func (t *Torrent) emit(ev Event) {
	select {
	case t.eventsC <- ev:
	case <-t.closeC:
	default:
		// drop rather than block the run loop; Stats is re-sent every
		// tick so a dropped one isn't a lasting gap.
	}
}

func (t *Torrent) setState(s TorrentState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.emit(Event{Kind: EventStateChanged, State: s})
	}
}

// Files returns every file in the torrent, or nil if metadata hasn't
// resolved yet (spec.md §4.8 files()).
func (t *Torrent) Files() []*filepool.File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.files == nil {
		return nil
	}
	return t.files.All()
}

// FileByName looks up a file by its torrent-relative path.
func (t *Torrent) FileByName(name string) *filepool.File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.files == nil {
		return nil
	}
	return t.files.ByName(name)
}

// LargestFile returns the biggest file in the torrent.
func (t *Torrent) LargestFile() *filepool.File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.files == nil {
		return nil
	}
	return t.files.Largest()
}

// TotalPieces returns the total piece count, or 0 before metadata
// resolves.
func (t *Torrent) TotalPieces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pieces == nil {
		return 0
	}
	return t.pieces.Len()
}

// HasPiece reports whether piece index has been verified complete.
func (t *Torrent) HasPiece(index uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pieces == nil {
		return false
	}
	return t.pieces.IsPieceCompleted(index)
}

// HasBytes reports whether every piece overlapping r is complete
// (spec.md §4.8 has_bytes, grounded on the byte-range-availability
// primitive the streaming server is specified against).
func (t *Torrent) HasBytes(r ByteRange) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.info == nil || t.pieces == nil {
		return false
	}
	first, last := t.pieceRangeFor(r)
	for i := first; i <= last; i++ {
		if !t.pieces.IsPieceCompleted(i) {
			return false
		}
	}
	return true
}

// pieceRangeFor returns the inclusive [first, last] piece indices
// overlapping r. Caller must hold t.mu.
func (t *Torrent) pieceRangeFor(r ByteRange) (first, last uint32) {
	pl := t.info.PieceLength
	first = uint32(r.Begin / pl)
	end := r.End
	if end <= r.Begin {
		end = r.Begin + 1
	}
	last = uint32((end - 1) / pl)
	return
}

// PrioritizeBytes raises the priority of every piece overlapping r to
// at least priority (spec.md §4.8 prioritize_bytes).
func (t *Torrent) PrioritizeBytes(r ByteRange, priority piece.Priority) {
	t.mu.RLock()
	ready := t.info != nil && t.pieces != nil
	var first, last uint32
	if ready {
		first, last = t.pieceRangeFor(r)
	}
	t.mu.RUnlock()
	if !ready {
		return
	}
	for i := first; i <= last; i++ {
		t.pieces.SetPriority(i, priority)
	}
}

// PrioritizePieces sets an exact priority for each listed piece index
// (spec.md §4.8 prioritize_pieces). Pieces dropped to PriorityNone have
// any in-flight download canceled (spec.md §4.3: send Cancel when a
// piece's priority drops to None).
func (t *Torrent) PrioritizePieces(indices []uint32, priority piece.Priority) {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return
	}
	for _, idx := range indices {
		pieces.SetPriorityExact(idx, priority)
	}
	if priority != piece.PriorityNone {
		return
	}
	select {
	case t.priorityCancelC <- indices:
	case <-t.closeC:
	}
}

// PiecePriorities returns a snapshot of every piece's priority
// (spec.md §4.8 piece_priorities()).
func (t *Torrent) PiecePriorities() map[uint32]piece.Priority {
	t.mu.RLock()
	pieces := t.pieces
	t.mu.RUnlock()
	if pieces == nil {
		return nil
	}
	return pieces.PiecePriorities()
}

// SequentialMode toggles in-order piece selection vs rarest-first
// (spec.md §4.8 sequential_mode()).
func (t *Torrent) SequentialMode(on bool) {
	t.mu.Lock()
	t.sequential = on
	picker := t.picker
	t.mu.Unlock()
	if picker != nil {
		picker.SetSequential(on)
	}
}

// UpdateMetadata installs newly-resolved metadata (from a completed
// ut_metadata fetch) if none is set yet; idempotent, since multiple
// peers may race to finish the fetch.
func (t *Torrent) UpdateMetadata(info *metainfo.Info) error {
	t.mu.RLock()
	already := t.info != nil
	t.mu.RUnlock()
	if already {
		return nil
	}
	if err := t.setInfo(info); err != nil {
		return err
	}
	t.emit(Event{Kind: EventMetadataResolved})
	return nil
}

// Stats computes the current DownloadStatus snapshot.
func (t *Torrent) Stats() DownloadStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total, done int64
	var progress float64
	if t.info != nil {
		total = t.info.Length
		if t.pieces != nil {
			for i := 0; i < t.pieces.Len(); i++ {
				pc := t.pieces.Get(uint32(i))
				if t.pieces.IsPieceCompleted(uint32(i)) {
					done += int64(pc.Length)
				}
			}
		}
		if total > 0 {
			progress = float64(done) / float64(total)
		}
	}
	seeders, leechers := 0, 0
	for pe := range t.peers {
		if pe.AmInterested && pe.PeerChoking {
			leechers++
		} else {
			seeders++
		}
	}
	return DownloadStatus{
		Progress:        progress,
		Seeders:         seeders,
		Leechers:        leechers,
		PayloadUpRate:   int64(t.uploadSpeed.Rate()),
		PayloadDownRate: int64(t.downloadSpeed.Rate()),
		BytesDownloaded: done,
		TotalBytes:      total,
	}
}

// short returns the first 8 bytes of the info hash in hex, or the
// whole hash when it is shorter than that.
func (t *Torrent) short() string {
	if len(t.infoHash) >= 8 {
		return fmt.Sprintf("%x", []byte(t.infoHash)[:8])
	}
	return t.infoHash.String()
}

// Close stops the torrent's run loop and waits for it to exit.
func (t *Torrent) Close() {
	select {
	case <-t.closeC:
	default:
		close(t.closeC)
	}
	<-t.doneC
}

// announceTorrentSnapshot builds the tracker.Torrent snapshot used for both
// periodic and one-off announces.
func (t *Torrent) announceTorrentSnapshot() tracker.Torrent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var left int64
	if t.info != nil {
		left = t.info.Length
		if t.pieces != nil {
			for i := 0; i < t.pieces.Len(); i++ {
				if t.pieces.IsPieceCompleted(uint32(i)) {
					left -= int64(t.pieces.Get(uint32(i)).Length)
				}
			}
		}
	}
	return tracker.Torrent{
		InfoHash: t.infoHash,
		PeerID:   t.peerID,
		Port:     t.port,
		BytesLeft: left,
	}
}

// torrentHealth performs a single one-off announce against every
// given tracker and returns the best (highest seeder count) response,
// without registering a full Torrent (spec.md §4.9 torrent_health:
// "a one-off announce").
func torrentHealth(trackers []tracker.Tracker, infoHash metainfo.InfoHash, peerID [20]byte, port int, timeout time.Duration) (*tracker.Response, error) {
	tor := tracker.Torrent{InfoHash: infoHash, PeerID: peerID, Port: port, NumWant: 50}
	var best *tracker.Response
	var lastErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, trk := range trackers {
			resp, err := announceOnce(trk, tor, timeout)
			if err != nil {
				lastErr = err
				continue
			}
			if best == nil || resp.Seeders > best.Seeders {
				best = resp
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout + time.Second):
	}
	if best != nil {
		return best, nil
	}
	return nil, lastErr
}
