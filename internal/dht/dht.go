// Package dht wraps github.com/nictuku/dht with the node-state model
// and Stats spec.md §4.7 requires. The underlying library exposes a
// single PeersRequestResults channel and no per-node lifecycle hooks,
// so NodeAdded/ExternalIPChanged events and node Good/
// Questionable/Bad classification are derived here from what we can
// observe at this package's boundary (peer-result traffic, our own
// lookup activity) rather than read out of the library's internals.
// The IDChanged event type is declared but never sent, since the
// library does not report changes of our own node ID.
package dht

import (
	"net"
	"sync"
	"time"

	godht "github.com/nictuku/dht"

	"github.com/popcorn-fx/torrent-engine/internal/peerpriority"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// NodeState mirrors the classic Kademlia bucket classification (spec.md §4.7).
type NodeState int

const (
	Good NodeState = iota
	Questionable
	Bad
)

func (s NodeState) String() string {
	switch s {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	default:
		return "bad"
	}
}

// nodeAge is how long a node goes unseen before it's downgraded from
// Good to Questionable, per the standard 15-minute Kademlia interval.
const nodeAge = 15 * time.Minute

// Node is a remote DHT node we've observed, classified by recency.
type Node struct {
	Addr     *net.UDPAddr
	State    NodeState
	LastSeen time.Time
}

// EventType enumerates the lifecycle events spec.md §4.7 lists.
type EventType int

const (
	NodeAdded EventType = iota
	IDChanged
	ExternalIPChanged
)

// Event is sent on the DHT's Events channel.
type Event struct {
	Type EventType
	Node *Node
	IP   net.IP
}

// Stats is the periodic snapshot spec.md §4.7 requires.
type Stats struct {
	TotalNodes      int
	PendingQueries  int
	BytesIn         int64
	BytesOut        int64
	Errors          int64
	DiscoveredPeers int64
}

// Config configures the embedded DHT node.
type Config struct {
	Address        string
	Port           int
	BootstrapNodes []string
	MaxNodes       int
	SaveRoutingTable bool
}

// PeersFound is one swarm's worth of addresses discovered via a
// get_peers/announce_peer round trip.
type PeersFound struct {
	InfoHash [20]byte
	Addrs    []*net.TCPAddr
}

// DHT wraps the underlying node, adding node tracking and stats.
type DHT struct {
	node *godht.DHT
	log  logger.Logger

	PeersC chan PeersFound
	Events chan Event

	mu    sync.Mutex
	nodes map[string]*Node
	stats Stats

	externalIP net.IP

	closeOnce sync.Once
	closeC    chan struct{}
}

// New starts a DHT node bound to cfg.Address:cfg.Port.
func New(cfg Config) (*DHT, error) {
	dc := godht.NewConfig()
	dc.Address = cfg.Address
	dc.Port = cfg.Port
	if cfg.MaxNodes > 0 {
		dc.MaxNodes = cfg.MaxNodes
	}
	dc.SaveRoutingTable = cfg.SaveRoutingTable
	if len(cfg.BootstrapNodes) > 0 {
		dc.DHTRouters = joinComma(cfg.BootstrapNodes)
	}

	node, err := godht.New(dc)
	if err != nil {
		return nil, err
	}

	d := &DHT{
		node:   node,
		log:    logger.New("dht"),
		PeersC: make(chan PeersFound, 64),
		Events: make(chan Event, 64),
		nodes:  make(map[string]*Node),
		closeC: make(chan struct{}),
	}
	return d, nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// Run starts the underlying node's network loop (blocking) and the
// result-pump goroutine; call it in its own goroutine.
func (d *DHT) Run() {
	go d.pumpResults()
	if err := d.node.Run(); err != nil {
		d.log.Errorln("dht run error:", err)
		d.bumpError()
	}
}

func (d *DHT) pumpResults() {
	for {
		select {
		case r, ok := <-d.node.PeersRequestResults:
			if !ok {
				return
			}
			for ihShort, peers := range r {
				var ih [20]byte
				copy(ih[:], string(ihShort))
				addrs := make([]*net.TCPAddr, 0, len(peers))
				for _, raw := range peers {
					if len(raw) != 6 {
						continue // only compact IPv4 peers are handled here
					}
					tcpAddr, err := peerprotocol.DecodeCompactIPv4([]byte(raw))
					if err != nil {
						continue
					}
					addrs = append(addrs, tcpAddr)
					d.observeNode(tcpAddr)
				}
				d.mu.Lock()
				d.stats.DiscoveredPeers += int64(len(addrs))
				d.mu.Unlock()
				select {
				case d.PeersC <- PeersFound{InfoHash: ih, Addrs: addrs}:
				case <-d.closeC:
					return
				}
			}
		case <-d.closeC:
			return
		}
	}
}

// observeNode records addr as a freshly-seen (Good) node, or promotes
// an existing stale entry back to Good, firing NodeAdded on first
// sight. This is the approximation described in the package doc: the
// underlying library gives us peer results, not routing-table
// callbacks, so "a node we just heard from" stands in for true
// bucket-insertion events.
func (d *DHT) observeNode(addr *net.TCPAddr) {
	key := addr.String()
	d.mu.Lock()
	n, existed := d.nodes[key]
	now := time.Now()
	if !existed {
		n = &Node{Addr: &net.UDPAddr{IP: addr.IP, Port: addr.Port}, State: Good, LastSeen: now}
		d.nodes[key] = n
	} else {
		n.State = Good
		n.LastSeen = now
	}
	d.stats.TotalNodes = len(d.nodes)
	d.mu.Unlock()

	if !existed {
		select {
		case d.Events <- Event{Type: NodeAdded, Node: n}:
		default:
		}
	}
}

// sweepStale downgrades nodes unseen for longer than nodeAge to
// Questionable, and nodes unseen for twice that to Bad, evicting Bad
// nodes unseen for three times nodeAge. Intended to be called
// periodically (e.g. from the session's scheduling tick).
func (d *DHT) sweepStale() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for key, n := range d.nodes {
		age := now.Sub(n.LastSeen)
		switch {
		case age > 3*nodeAge:
			delete(d.nodes, key)
		case age > 2*nodeAge:
			n.State = Bad
		case age > nodeAge:
			n.State = Questionable
		}
	}
	d.stats.TotalNodes = len(d.nodes)
}

func (d *DHT) bumpError() {
	d.mu.Lock()
	d.stats.Errors++
	d.mu.Unlock()
}

// Stats returns a snapshot of the running counters, sweeping stale
// nodes first so TotalNodes/node states reflect the current moment.
func (d *DHT) Stats() Stats {
	d.sweepStale()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Nodes returns a snapshot of every tracked node, classified by
// recency.
func (d *DHT) Nodes() []*Node {
	d.sweepStale()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// PeersRequest asks the DHT to look up (and, if announce is true,
// announce ourselves as a peer for) infoHash.
func (d *DHT) PeersRequest(infoHash [20]byte, announce bool) {
	d.node.PeersRequest(string(infoHash[:]), announce)
}

// Port returns the UDP port we're listening on, useful for the Port
// wire message / BEP5 advertisement.
func (d *DHT) Port() int {
	return d.node.Port()
}

// SetExternalIP records an externally-observed IP (e.g. from a
// tracker's "yourip" or a peer's extended handshake), firing
// ExternalIPChanged when it differs from what we had, for BEP40
// priority computations that need our canonical external address.
func (d *DHT) SetExternalIP(ip net.IP) {
	d.mu.Lock()
	changed := d.externalIP == nil || !d.externalIP.Equal(ip)
	d.externalIP = ip
	d.mu.Unlock()
	if changed {
		select {
		case d.Events <- Event{Type: ExternalIPChanged, IP: ip}:
		default:
		}
	}
}

// ExternalIP returns the last IP recorded via SetExternalIP, or nil.
func (d *DHT) ExternalIP() net.IP {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.externalIP
}

// Priority exposes peerpriority.Priority for BEP40 ranking of nodes
// discovered via the DHT against our own listening address, so
// callers don't need a second import just for this.
func Priority(local, remote *net.TCPAddr) uint32 {
	return peerpriority.Priority(local, remote)
}

// Stop shuts down the node and result pump.
func (d *DHT) Stop() {
	d.closeOnce.Do(func() {
		close(d.closeC)
		d.node.Stop()
	})
}
