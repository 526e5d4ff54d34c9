// Package outgoinghandshaker dials a remote peer and performs the
// BEP3 handshake as the initiating side.
package outgoinghandshaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// ErrOwnConnection is returned when a dial loops back to ourselves
// (remote peer ID equals our own).
var ErrOwnConnection = errors.New("dropped own connection")

// OutgoingHandshaker dials Addr and exchanges the BEP3 handshake.
// Once Run returns, exactly one of Error or (Conn, PeerID,
// Extensions) is populated, and the handshaker sends itself on the
// result channel supplied to Run.
type OutgoingHandshaker struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeOnce sync.Once
	closeC    chan struct{}
}

// New returns a handshaker that will dial addr when Run is called.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr, closeC: make(chan struct{})}
}

// Run dials Addr, writes our handshake, reads theirs, validates the
// info hash, and sends the result on resultC. ourExtensions is our
// reserved-bytes advertisement (spec.md §6); protocol-level
// encryption (MSE) is out of scope, so every connection is plaintext.
func (h *OutgoingHandshaker) Run(
	connectTimeout, handshakeTimeout time.Duration,
	ourID, infoHash [20]byte,
	resultC chan *OutgoingHandshaker,
	ourExtensions [8]byte,
) {
	defer func() { resultC <- h }()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.Addr.String())
	if err != nil {
		h.Error = fmt.Errorf("outgoinghandshaker: dial: %w", err)
		return
	}

	select {
	case <-h.closeC:
		conn.Close()
		h.Error = fmt.Errorf("outgoinghandshaker: closed before handshake")
		return
	default:
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := peerprotocol.WriteHandshake(conn, infoHash, ourID, ourExtensions); err != nil {
		conn.Close()
		h.Error = fmt.Errorf("outgoinghandshaker: write: %w", err)
		return
	}
	remoteHash, remotePeerID, remoteExt, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		h.Error = fmt.Errorf("outgoinghandshaker: read: %w", err)
		return
	}
	if remoteHash != infoHash {
		conn.Close()
		h.Error = fmt.Errorf("outgoinghandshaker: info hash mismatch")
		return
	}
	if remotePeerID == ourID {
		conn.Close()
		h.Error = fmt.Errorf("outgoinghandshaker: %w", ErrOwnConnection)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	h.Conn = conn
	h.PeerID = remotePeerID
	h.Extensions = remoteExt
}

// Close aborts a pending handshake: if called before the dial
// completes, Run closes the new connection instead of handshaking. A
// dial or handshake exchange already under way is not interrupted and
// ends on its own timeout. After a successful Run, Close closes Conn.
func (h *OutgoingHandshaker) Close() {
	h.closeOnce.Do(func() {
		close(h.closeC)
		if h.Conn != nil {
			h.Conn.Close()
		}
	})
}
