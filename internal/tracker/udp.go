package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
)

// protocolMagic is BEP15's fixed initial connection id, used only on
// the Connect handshake.
const protocolMagic uint64 = 0x41727101980

type udpAction uint32

const (
	actionConnect  udpAction = 0
	actionAnnounce udpAction = 1
	actionScrape   udpAction = 2
	actionError    udpAction = 3
)

// UDPTracker speaks BEP15. Each call opens its own UDP "connection"
// (connect handshake, then the actual request), rather than caching a
// connection id across calls - simpler and still protocol-correct,
// since connection ids remain valid for two minutes and nothing here
// issues enough traffic to make reconnecting a real cost.
type UDPTracker struct {
	rawURL  string
	addr    string
	peerID  [20]byte
	timeout time.Duration
}

// NewUDPTracker builds a client for a "udp://host:port/announce" URL.
func NewUDPTracker(rawURL string, peerID [20]byte, timeout time.Duration) (*UDPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &UDPTracker{rawURL: rawURL, addr: u.Host, peerID: peerID, timeout: timeout}, nil
}

// URL satisfies Tracker.
func (t *UDPTracker) URL() string { return t.rawURL }

func (t *UDPTracker) dial(ctx context.Context) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	return conn, nil
}

func transactionID() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

func connectionHandshake(conn *net.UDPConn) (connectionID uint64, err error) {
	txID, err := transactionID()
	if err != nil {
		return 0, err
	}
	var req bytes.Buffer
	binary.Write(&req, binary.BigEndian, protocolMagic)
	binary.Write(&req, binary.BigEndian, uint32(actionConnect))
	binary.Write(&req, binary.BigEndian, txID)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return 0, err
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("tracker: short connect response (%d bytes)", n)
	}
	r := bytes.NewReader(buf[:n])
	var action udpAction
	var gotTxID uint32
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &gotTxID)
	if action != actionConnect || gotTxID != txID {
		return 0, fmt.Errorf("tracker: unexpected connect response action=%d tx=%d", action, gotTxID)
	}
	binary.Read(r, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func udpEventFor(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// Announce performs a connect-then-announce round trip.
func (t *UDPTracker) Announce(ctx context.Context, tor Torrent) (*Response, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connectionID, err := connectionHandshake(conn)
	if err != nil {
		return nil, err
	}

	txID, err := transactionID()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, connectionID)
	binary.Write(&buf, binary.BigEndian, uint32(actionAnnounce))
	binary.Write(&buf, binary.BigEndian, txID)
	buf.Write(tor.InfoHash.Short()[:])
	buf.Write(t.peerID[:])
	binary.Write(&buf, binary.BigEndian, uint64(tor.BytesDownloaded))
	binary.Write(&buf, binary.BigEndian, uint64(tor.BytesLeft))
	binary.Write(&buf, binary.BigEndian, uint64(tor.BytesUploaded))
	binary.Write(&buf, binary.BigEndian, udpEventFor(tor.Event))
	binary.Write(&buf, binary.BigEndian, uint32(0)) // ip_address: 0 = use source address
	binary.Write(&buf, binary.BigEndian, uint32(0)) // key
	numWant := int32(tor.NumWant)
	if numWant == 0 {
		numWant = -1
	}
	binary.Write(&buf, binary.BigEndian, numWant)
	binary.Write(&buf, binary.BigEndian, uint16(tor.Port))

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	respBuf := make([]byte, 2048)
	n, err := conn.Read(respBuf)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: short announce response (%d bytes)", n)
	}
	r := bytes.NewReader(respBuf[:n])
	var action udpAction
	var gotTxID uint32
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &gotTxID)
	if gotTxID != txID {
		return nil, fmt.Errorf("tracker: announce transaction id mismatch")
	}
	if action == actionError {
		msg, _ := io.ReadAll(r)
		return nil, fmt.Errorf("tracker: %s", msg)
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected announce response action=%d", action)
	}

	var interval, leechers, seeders uint32
	binary.Read(r, binary.BigEndian, &interval)
	binary.Read(r, binary.BigEndian, &leechers)
	binary.Read(r, binary.BigEndian, &seeders)

	var peers []*net.TCPAddr
	for {
		var ip uint32
		if err := binary.Read(r, binary.BigEndian, &ip); err != nil {
			break
		}
		var port uint16
		if err := binary.Read(r, binary.BigEndian, &port); err != nil {
			break
		}
		ipBytes := make(net.IP, 4)
		binary.BigEndian.PutUint32(ipBytes, ip)
		peers = append(peers, &net.TCPAddr{IP: ipBytes, Port: int(port)})
	}

	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int32(leechers),
		Seeders:  int32(seeders),
		Peers:    peers,
	}, nil
}

// Scrape performs a connect-then-scrape round trip for every given
// info hash in one request; the list is not split or capped at
// BEP15's 74-hash limit.
func (t *UDPTracker) Scrape(ctx context.Context, infoHashes []metainfo.InfoHash) (map[string]ScrapeResult, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connectionID, err := connectionHandshake(conn)
	if err != nil {
		return nil, err
	}

	txID, err := transactionID()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, connectionID)
	binary.Write(&buf, binary.BigEndian, uint32(actionScrape))
	binary.Write(&buf, binary.BigEndian, txID)
	for _, ih := range infoHashes {
		buf.Write(ih.Short()[:])
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	respBuf := make([]byte, 8+12*len(infoHashes))
	n, err := conn.Read(respBuf)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(respBuf[:n])
	var action udpAction
	var gotTxID uint32
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &gotTxID)
	if gotTxID != txID || action != actionScrape {
		return nil, fmt.Errorf("tracker: unexpected scrape response action=%d tx=%d", action, gotTxID)
	}

	out := make(map[string]ScrapeResult, len(infoHashes))
	for _, ih := range infoHashes {
		var complete, downloaded, incomplete uint32
		if binary.Read(r, binary.BigEndian, &complete) != nil {
			break
		}
		binary.Read(r, binary.BigEndian, &downloaded)
		binary.Read(r, binary.BigEndian, &incomplete)
		out[ih.String()] = ScrapeResult{Complete: int32(complete), Incomplete: int32(incomplete), Downloaded: int32(downloaded)}
	}
	return out, nil
}

// Close is a no-op: UDPTracker holds no persistent connection between calls.
func (t *UDPTracker) Close() error { return nil }
