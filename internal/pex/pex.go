// Package pex implements BEP11 peer exchange: each connected peer
// periodically receives a ut_pex message listing addresses we've
// seen added or dropped since the last message to that peer.
package pex

import (
	"net"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// Flag mirrors BEP11's per-added-peer flags byte.
type Flag = peerprotocol.PexFlags

const (
	FlagEncryptionPreferred = peerprotocol.PexFlagEncryption
	FlagUploadOnly          = peerprotocol.PexFlagUploadOnly
	FlagUTPSupported        = peerprotocol.PexFlagUTP
	FlagHolepunchSupported  = peerprotocol.PexFlagHolepunch
	FlagOutgoingConnection  = peerprotocol.PexFlagOutbound
)

type entry struct {
	addr  *net.TCPAddr
	flags Flag
}

// PEX accumulates added/dropped peer addresses for one connected peer
// between periodic flushes (spec.md/BEP11: "every 90 s"). It is safe
// for concurrent use: Add/Drop are called from the torrent
// orchestrator's event loop as peers come and go, while Message is
// called from that loop's PEX interval tick.
type PEX struct {
	mu      sync.Mutex
	added   []entry
	dropped []entry
}

// New returns an empty PEX pool.
func New() *PEX {
	return &PEX{}
}

// Add records addr as newly connected, satisfying peer.PEXHandler.
//
// BEP11 also defines an OutgoingConnection flag bit per added peer,
// but the torrent orchestrator only knows the new peer's address at
// the call site, not its connection direction, so every entry is
// reported with a zero flags byte. AddWithFlags is available for
// callers that do have that context.
func (p *PEX) Add(addr *net.TCPAddr) {
	p.AddWithFlags(addr, 0)
}

// AddWithFlags is Add with an explicit flags byte, for callers able to
// report OutgoingConnection, UploadOnly, or the other BEP11 bits.
func (p *PEX) AddWithFlags(addr *net.TCPAddr, f Flag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, entry{addr: addr, flags: f})
}

// Drop records addr as disconnected, satisfying peer.PEXHandler.
func (p *PEX) Drop(addr *net.TCPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, entry{addr: addr})
}

// Message drains the accumulated added/dropped sets into a wire
// message, or returns nil if there is nothing to report (BEP11: don't
// bother sending an empty update).
func (p *PEX) Message() *peerprotocol.ExtensionPEXMessage {
	p.mu.Lock()
	added := p.added
	dropped := p.dropped
	p.added = nil
	p.dropped = nil
	p.mu.Unlock()

	if len(added) == 0 && len(dropped) == 0 {
		return nil
	}

	msg := &peerprotocol.ExtensionPEXMessage{}
	for _, e := range added {
		if e.addr.IP.To4() != nil {
			b, err := peerprotocol.EncodeCompactIPv4(e.addr)
			if err != nil {
				continue
			}
			msg.Added = append(msg.Added, b...)
			msg.AddedFlags = append(msg.AddedFlags, byte(e.flags))
		} else {
			b, err := peerprotocol.EncodeCompactIPv6(e.addr)
			if err != nil {
				continue
			}
			msg.Added6 = append(msg.Added6, b...)
			msg.Added6Flags = append(msg.Added6Flags, byte(e.flags))
		}
	}
	for _, e := range dropped {
		if e.addr.IP.To4() != nil {
			b, err := peerprotocol.EncodeCompactIPv4(e.addr)
			if err != nil {
				continue
			}
			msg.Dropped = append(msg.Dropped, b...)
		} else {
			b, err := peerprotocol.EncodeCompactIPv6(e.addr)
			if err != nil {
				continue
			}
			msg.Dropped6 = append(msg.Dropped6, b...)
		}
	}
	return msg
}

// Discovered extracts every peer address a received ut_pex message
// introduced (added + added6), for feeding into the candidate pool.
func Discovered(msg *peerprotocol.ExtensionPEXMessage) []*net.TCPAddr {
	addrs, _ := peerprotocol.DecodeCompactIPv4List(msg.Added)
	addrs6, _ := peerprotocol.DecodeCompactIPv6List(msg.Added6)
	return append(addrs, addrs6...)
}

// Dropped extracts every peer address a received ut_pex message
// reported as gone.
func Dropped(msg *peerprotocol.ExtensionPEXMessage) []*net.TCPAddr {
	addrs, _ := peerprotocol.DecodeCompactIPv4List(msg.Dropped)
	addrs6, _ := peerprotocol.DecodeCompactIPv6List(msg.Dropped6)
	return append(addrs, addrs6...)
}
