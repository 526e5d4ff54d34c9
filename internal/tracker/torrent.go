package tracker

import "github.com/popcorn-fx/torrent-engine/internal/metainfo"

// Torrent is the live snapshot of a torrent's state an announcer sends
// on every announce call.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        metainfo.InfoHash
	PeerID          [20]byte
	Port            int
	Event           Event
	NumWant         int
}
