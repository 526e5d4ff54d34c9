package peerprotocol

import (
	"errors"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// Reserved byte / bit layout, per spec.md §6.
const (
	reservedByteExtension = 5
	reservedBitExtension  = 0x10

	reservedByteDHT = 7
	reservedBitDHT  = 0x01

	reservedByteFast = 7
	reservedBitFast  = 0x04
)

// HandshakeMessage is the fixed 68-byte BEP3 handshake frame.
type HandshakeMessage struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewReserved builds the 8 reserved bytes this engine advertises:
// extended protocol (BEP10), DHT (BEP5), and fast extension (BEP6).
func NewReserved() [8]byte {
	var r [8]byte
	r[reservedByteExtension] |= reservedBitExtension
	r[reservedByteDHT] |= reservedBitDHT
	r[reservedByteFast] |= reservedBitFast
	return r
}

// ExtensionSupported reports whether the extended protocol bit is set.
func ExtensionSupported(reserved [8]byte) bool {
	return reserved[reservedByteExtension]&reservedBitExtension != 0
}

// DHTSupported reports whether the DHT bit is set.
func DHTSupported(reserved [8]byte) bool {
	return reserved[reservedByteDHT]&reservedBitDHT != 0
}

// FastExtensionSupported reports whether the fast-extension bit is set.
func FastExtensionSupported(reserved [8]byte) bool {
	return reserved[reservedByteFast]&reservedBitFast != 0
}

// WriteHandshake writes the 68-byte handshake header to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte, reserved [8]byte) error {
	buf := make([]byte, 68)
	buf[0] = 19
	copy(buf[1:20], protocolString)
	copy(buf[20:28], reserved[:])
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates the 68-byte handshake header,
// returning the remote's info hash, peer id, and reserved bytes.
func ReadHandshake(r io.Reader) (infoHash, peerID [20]byte, reserved [8]byte, err error) {
	buf := make([]byte, 68)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	if buf[0] != 19 {
		err = fmt.Errorf("peerprotocol: invalid protocol length byte: %d", buf[0])
		return
	}
	if string(buf[1:20]) != protocolString {
		err = errors.New("peerprotocol: invalid protocol string")
		return
	}
	copy(reserved[:], buf[20:28])
	copy(infoHash[:], buf[28:48])
	copy(peerID[:], buf[48:68])
	return
}
