// Package session implements the torrent orchestrator (spec.md §4.8)
// and the process-wide session that owns a registry of torrents
// (spec.md §4.9), composing every internal/* package into a running
// BitTorrent client. It generalizes rain's session/torrent package,
// whose channel-driven run loop and command pattern it keeps, onto
// this engine's own peer/piece/tracker/DHT stack.
package session

import (
	"net"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
)

// PeerInfo is the data-model type from spec.md §3.
type PeerInfo struct {
	Addr           *net.TCPAddr
	PeerID         [20]byte
	ConnectionType string // "inbound" | "outbound"
}

// DownloadStatus is the data-model type from spec.md §3.
type DownloadStatus struct {
	Progress        float64
	Seeders         int
	Leechers        int
	PayloadUpRate   int64
	PayloadDownRate int64
	BytesDownloaded int64
	TotalBytes      int64
}

// EventKind discriminates a Torrent's event stream (spec.md §4.8).
type EventKind int

const (
	EventMetadataResolved EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
	EventPieceFinished
	EventStateChanged
	EventStats
	EventPeersDiscovered
	EventPeersDropped
)

// Event is one entry of a Torrent's event stream, sent on its Events()
// channel. Only the field(s) relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Peer  PeerInfo
	Index uint32
	State TorrentState
	Stats DownloadStatus
	Addrs []*net.TCPAddr
}

// SessionEventKind discriminates the session-global event stream
// (spec.md §4.9).
type SessionEventKind int

const (
	SessionEventTorrentAdded SessionEventKind = iota
	SessionEventTorrentRemoved
)

// SessionEvent is one entry of the session-wide event stream.
type SessionEvent struct {
	Kind   SessionEventKind
	Handle string
	Info   metainfo.InfoHash
}
