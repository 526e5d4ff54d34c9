// Package peerconn runs the per-connection read/write pumps for a
// single peer connection: framing messages on the wire (length
// prefix + ID byte, per BEP3), and handing parsed messages to the
// session-facing internal/peer.Peer.
package peerconn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// PieceData is a single "piece" wire message: a block of piece data,
// kept out of band from the ordinary Messages channel so its handler
// never blocks behind other traffic.
type PieceData struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// Conn owns a peer's net.Conn and runs its read/write loops.
type Conn struct {
	conn       net.Conn
	peerID     [20]byte
	extensions [8]byte
	log        logger.Logger

	pieceTimeout time.Duration

	Messages chan peerprotocol.Message
	Pieces   chan PieceData
	Disconnected chan struct{}

	writeC chan peerprotocol.Message

	closeOnce sync.Once
	closeC    chan struct{}
}

// New wraps an already-handshaken connection.
func New(conn net.Conn, peerID [20]byte, extensions [8]byte, log logger.Logger, pieceTimeout time.Duration, readBufferSize int) *Conn {
	c := &Conn{
		conn:         conn,
		peerID:       peerID,
		extensions:   extensions,
		log:          log,
		pieceTimeout: pieceTimeout,
		Messages:     make(chan peerprotocol.Message, 100),
		Pieces:       make(chan PieceData, 10),
		Disconnected: make(chan struct{}),
		writeC:       make(chan peerprotocol.Message, 100),
		closeC:       make(chan struct{}),
	}
	_ = readBufferSize
	return c
}

// ID is the peer's 20-byte BitTorrent peer ID.
func (c *Conn) ID() [20]byte { return c.peerID }

// Extensions is the reserved-bytes advertisement from the handshake.
func (c *Conn) Extensions() [8]byte { return c.extensions }

// Addr is the remote TCP address.
func (c *Conn) Addr() *net.TCPAddr {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a
	}
	return nil
}

// IP is the remote address as a string, used for dedup bookkeeping.
func (c *Conn) IP() string {
	if a := c.Addr(); a != nil {
		return a.IP.String()
	}
	return c.conn.RemoteAddr().String()
}

// Logger returns this connection's logger.
func (c *Conn) Logger() logger.Logger { return c.log }

// CloseConn closes the underlying connection.
func (c *Conn) CloseConn() { c.closeOnce.Do(func() { close(c.closeC); c.conn.Close() }) }

// Run starts the read and write pumps; it blocks until the connection
// closes, then closes Disconnected.
func (c *Conn) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop() }()
	go func() { defer wg.Done(); c.writeLoop() }()
	wg.Wait()
	close(c.Disconnected)
}

// Send enqueues a message for writing; it never blocks the caller on
// the network, only on the outgoing queue filling up.
func (c *Conn) Send(msg peerprotocol.Message) {
	select {
	case c.writeC <- msg:
	case <-c.closeC:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.writeC:
			if err := c.writeMessage(msg); err != nil {
				c.log.Debugln("write error:", err)
				c.CloseConn()
				return
			}
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeMessage(msg peerprotocol.Message) error {
	payload := msg.Payload()
	length := uint32(1 + len(payload))
	header := make([]byte, 4+1)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(msg.ID())
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readLoop() {
	r := bufio.NewReaderSize(c.conn, 64*1024)
	var lenBuf [4]byte
	for {
		if c.pieceTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pieceTimeout))
		}
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			c.log.Debugln("read error:", err)
			c.CloseConn()
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keep-alive
		}
		idByte, err := r.ReadByte()
		if err != nil {
			c.CloseConn()
			return
		}
		id := peerprotocol.MessageID(idByte)
		bodyLen := int(length) - 1

		if id == peerprotocol.Piece {
			if bodyLen < 8 {
				c.log.Debugln("invalid piece message length")
				c.CloseConn()
				return
			}
			var hdr [8]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				c.CloseConn()
				return
			}
			data := make([]byte, bodyLen-8)
			if _, err := io.ReadFull(r, data); err != nil {
				c.CloseConn()
				return
			}
			pd := PieceData{
				Index: binary.BigEndian.Uint32(hdr[0:4]),
				Begin: binary.BigEndian.Uint32(hdr[4:8]),
				Data:  data,
			}
			select {
			case c.Pieces <- pd:
			case <-c.closeC:
				return
			}
			continue
		}

		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				c.CloseConn()
				return
			}
		}

		var msg peerprotocol.Message
		if id == peerprotocol.Extension {
			msg, err = peerprotocol.ParseExtensionMessage(body)
		} else {
			msg, err = peerprotocol.ParseFixed(id, body)
		}
		if err != nil {
			c.log.Debugln("parse error:", err)
			c.CloseConn()
			return
		}
		select {
		case c.Messages <- msg:
		case <-c.closeC:
			return
		}
	}
}

// ErrClosed describes a closed connection. No method of Conn returns
// it: Send after CloseConn drops the message without an error.
var ErrClosed = errors.New("peerconn: connection closed")
