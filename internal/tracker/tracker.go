// Package tracker implements both tracker clients a torrent talks to
// (spec.md §4.6): HTTPTracker speaks the classic bencoded-over-HTTP
// protocol, UDPTracker speaks BEP15.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
)

// Event is the announce event, BEP3's "event" key / BEP15's action.
type Event int32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Response is a tracker's answer to an announce.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int32
	Seeders     int32
	Peers       []*net.TCPAddr
	Peers6      []*net.TCPAddr
	Warning     string
}

// ScrapeResult is one info_hash's entry in a scrape response.
type ScrapeResult struct {
	Complete   int32
	Incomplete int32
	Downloaded int32
}

// ErrNotSupported is returned by Scrape on trackers/implementations
// that don't support it.
var ErrNotSupported = errors.New("tracker: operation not supported")

// Tracker is implemented by HTTPTracker and UDPTracker.
type Tracker interface {
	// URL is the tracker's announce URL, used for diagnostics.
	URL() string
	Announce(ctx context.Context, t Torrent) (*Response, error)
	Scrape(ctx context.Context, infoHashes []metainfo.InfoHash) (map[string]ScrapeResult, error)
	Close() error
}
