// Package acceptor listens for inbound peer connections and hands
// them, still unhandshaked, to the torrent orchestrator.
package acceptor

import (
	"net"
	"strconv"
	"sync"

	"github.com/popcorn-fx/torrent-engine/logger"
)

// Acceptor owns a single TCP listener for one torrent's inbound peers.
type Acceptor struct {
	listener  net.Listener
	resultC   chan net.Conn
	log       logger.Logger
	closeOnce sync.Once
	closeC    chan struct{}
}

// New starts listening on host:port (port 0 picks a free ephemeral
// port) and returns an Acceptor ready to Run. Accepted connections are
// sent to resultC; the caller is responsible for draining it.
func New(host string, port int, resultC chan net.Conn, log logger.Logger) (*Acceptor, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		listener: l,
		resultC:  resultC,
		log:      log,
		closeC:   make(chan struct{}),
	}, nil
}

// Port returns the bound TCP port, useful when New was called with
// port 0.
func (a *Acceptor) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Run accepts connections until Close is called, logging (but not
// stopping on) transient accept errors.
func (a *Acceptor) Run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("accept error:", err)
				continue
			}
		}
		select {
		case a.resultC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops Run and releases the listening socket.
func (a *Acceptor) Close() {
	a.closeOnce.Do(func() {
		close(a.closeC)
		a.listener.Close()
	})
}
