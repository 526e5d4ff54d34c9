// Package addrlist is the candidate peer queue from spec.md §4.5/§4.8:
// addresses learned from trackers, DHT, and manual adds, popped in
// BEP40 canonical-priority order relative to our own listening
// address.
package addrlist

import (
	"net"
	"sort"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/peerpriority"
)

// PeerSource identifies where a candidate address was learned from,
// kept for logging and for per-source accounting (spec.md §4.8 logs
// "received N peers from <source>").
type PeerSource int

const (
	Tracker PeerSource = iota
	DHT
	PEX
	Manual
	Incoming
)

func (s PeerSource) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case DHT:
		return "dht"
	case PEX:
		return "pex"
	case Manual:
		return "manual"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// MaxLen bounds the queue so a torrent with a very chatty DHT/tracker
// doesn't grow this unbounded; the lowest-priority (worst) entries are
// dropped first once the cap is hit.
const MaxLen = 2000

type entry struct {
	addr     *net.TCPAddr
	source   PeerSource
	priority uint32
}

// AddrList is the candidate queue. It is not safe to read Pop's
// result and call Push concurrently without External synchronization
// beyond the mutex already held internally; all exported methods are
// individually goroutine-safe.
type AddrList struct {
	mu    sync.Mutex
	local *net.TCPAddr
	items []entry
	seen  map[string]struct{}
}

// New builds an AddrList ranking candidates relative to local, our
// own listening address (spec.md §4.5: "local listener, remote
// candidate").
func New(local *net.TCPAddr) *AddrList {
	return &AddrList{
		local: local,
		seen:  make(map[string]struct{}),
	}
}

// Push adds addrs from source, skipping ones already queued or
// already popped since the last Reset.
func (l *AddrList) Push(addrs []*net.TCPAddr, source PeerSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range addrs {
		key := a.String()
		if _, ok := l.seen[key]; ok {
			continue
		}
		l.seen[key] = struct{}{}
		pr := peerpriority.Priority(l.local, a)
		l.items = append(l.items, entry{addr: a, source: source, priority: pr})
	}
	sort.SliceStable(l.items, func(i, j int) bool {
		return l.items[i].priority < l.items[j].priority
	})
	if len(l.items) > MaxLen {
		l.items = l.items[:MaxLen]
	}
}

// Pop removes and returns the best-ranked (lowest priority value)
// remaining candidate, or nil if the queue is empty.
func (l *AddrList) Pop() *net.TCPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return nil
	}
	e := l.items[0]
	l.items = l.items[1:]
	return e.addr
}

// Len returns the number of queued, not-yet-popped candidates.
func (l *AddrList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Reset clears the queue and the seen-set, letting previously popped
// addresses be re-queued. The session does not call it: a torrent
// that completes keeps its address list as it is.
func (l *AddrList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.seen = make(map[string]struct{})
}
