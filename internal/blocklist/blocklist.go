// Package blocklist tracks IP ranges and individual addresses that
// should never be dialed or accepted as peers, consulted from the
// torrent orchestrator's incoming/outgoing connection paths.
package blocklist

import (
	"net"
	"sync"
	"time"
)

// Blocklist is a set of blocked IPs/CIDR ranges plus a set of
// temporary bans that expire on their own, safe for concurrent use
// (read-heavy: every inbound/outbound connection attempt calls
// Blocked).
type Blocklist struct {
	mu   sync.RWMutex
	ips  map[string]struct{}
	nets []*net.IPNet
	bans map[string]time.Time // ip -> expiry, for BanFor
}

// New returns an empty Blocklist.
func New() *Blocklist {
	return &Blocklist{
		ips:  make(map[string]struct{}),
		bans: make(map[string]time.Time),
	}
}

// Block adds a single IP address to the blocklist permanently, until
// a matching Unblock call.
func (b *Blocklist) Block(ip net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips[ip.String()] = struct{}{}
}

// BlockCIDR adds a CIDR range to the blocklist, e.g. for known
// bad-actor ASNs or private ranges an operator wants to exclude.
func (b *Blocklist) BlockCIDR(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nets = append(b.nets, ipnet)
	return nil
}

// BanFor temporarily blocks ip for ttl, e.g. after a peer accumulates
// enough piece-hash mismatches or protocol violations on a torrent. A
// later call extends (never shortens) an existing ban. Expiry is
// checked lazily on Blocked/Unblock/Len rather than with a timer per
// entry.
func (b *Blocklist) BanFor(ip net.IP, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ip.String()
	expiry := time.Now().Add(ttl)
	if existing, ok := b.bans[key]; ok && existing.After(expiry) {
		return
	}
	b.bans[key] = expiry
}

// Unblock removes a single IP address from the blocklist, both the
// permanent set and any outstanding temporary ban.
func (b *Blocklist) Unblock(ip net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ip.String()
	delete(b.ips, key)
	delete(b.bans, key)
}

// Blocked reports whether ip matches a blocked address, a blocked
// range, or an unexpired temporary ban.
func (b *Blocklist) Blocked(ip net.IP) bool {
	key := ip.String()

	b.mu.RLock()
	if _, ok := b.ips[key]; ok {
		b.mu.RUnlock()
		return true
	}
	for _, n := range b.nets {
		if n.Contains(ip) {
			b.mu.RUnlock()
			return true
		}
	}
	expiry, banned := b.bans[key]
	b.mu.RUnlock()
	if !banned {
		return false
	}
	if time.Now().Before(expiry) {
		return true
	}
	// Ban has lapsed; evict it so Len/iteration don't carry it forever.
	b.mu.Lock()
	if e, ok := b.bans[key]; ok && !e.After(time.Now()) {
		delete(b.bans, key)
	}
	b.mu.Unlock()
	return false
}

// Len returns the number of individually blocked IPs, counting both
// permanent blocks and unexpired temporary bans (not counting CIDR
// ranges).
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.ips)
	now := time.Now()
	for _, expiry := range b.bans {
		if expiry.After(now) {
			n++
		}
	}
	return n
}
