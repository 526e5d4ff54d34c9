// Package metadataext implements both sides of BEP9 ut_metadata:
// Requester drives the client-side fetch spec.md §4.6 describes
// ("send Request(piece=0) ... append to buffer ... on the final
// piece, verify SHA-1 matches the info_hash"); Responder answers a
// peer's requests once our own metadata is known.
package metadataext

import (
	"bytes"
	"crypto/sha1" // #nosec G401 -- the magnet contract specifically verifies a SHA-1 info hash.
	"errors"

	"github.com/zeebo/bencode"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// ErrHashMismatch is returned when the reassembled info dict's SHA-1
// doesn't match the magnet's info hash.
var ErrHashMismatch = errors.New("metadataext: reassembled metadata does not match info hash")

const blockSize = 16 * 1024

// Requester reassembles a torrent's info dictionary from ut_metadata
// Data messages sent by a single peer.
type Requester struct {
	infoHash  metainfo.InfoHash
	buf       []byte
	totalSize uint32
	nextPiece uint32
	done      bool
}

// NewRequester starts a metadata fetch for infoHash.
func NewRequester(infoHash metainfo.InfoHash) *Requester {
	return &Requester{infoHash: infoHash}
}

// FirstRequest is the piece=0 request issued as soon as a peer
// advertises ut_metadata and we have no metadata yet.
func (r *Requester) FirstRequest(extMsgID byte) peerprotocol.ExtensionMessage {
	return peerprotocol.ExtensionMessage{
		ExtendedMessageID: extMsgID,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeRequest,
			Piece: 0,
		},
	}
}

// HandleData processes a Data(piece, total_size) message body,
// returning the next Request message to send, or nil once every
// piece has been received (callers then call Finish).
func (r *Requester) HandleData(msg *peerprotocol.ExtensionMetadataMessage, raw []byte, extMsgID byte) (*peerprotocol.ExtensionMessage, error) {
	if r.buf == nil {
		r.totalSize = msg.TotalSize
		r.buf = make([]byte, 0, r.totalSize)
	}
	r.buf = append(r.buf, raw...)
	r.nextPiece++

	numPieces := r.totalSize / blockSize
	if r.totalSize%blockSize != 0 {
		numPieces++
	}
	if r.nextPiece >= numPieces {
		r.done = true
		return nil, nil
	}
	return &peerprotocol.ExtensionMessage{
		ExtendedMessageID: extMsgID,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeRequest,
			Piece: r.nextPiece,
		},
	}, nil
}

// Done reports whether every metadata piece has arrived.
func (r *Requester) Done() bool { return r.done }

// Finish verifies the reassembled buffer's SHA-1 against the magnet's
// info hash and parses it into an Info.
func (r *Requester) Finish() (*metainfo.Info, error) {
	sum := sha1.Sum(r.buf)
	if !bytes.Equal(sum[:], r.infoHash) {
		return nil, ErrHashMismatch
	}
	return metainfo.NewInfo(r.buf)
}

// Responder answers a peer's ut_metadata requests once our own
// metadata is known. It is stateless across requests: each Answer
// call is independent.
type Responder struct {
	info *metainfo.Info
}

// NewResponder builds a responder serving info's raw bytes.
func NewResponder(info *metainfo.Info) *Responder {
	return &Responder{info: info}
}

// Answer builds the reply to a Request(piece) message: either a Data
// message carrying that 16 KiB chunk, or a Reject if the piece index
// is out of range.
func (s *Responder) Answer(piece uint32, extMsgID byte) peerprotocol.ExtensionMessage {
	begin := piece * blockSize
	if begin >= uint32(len(s.info.Bytes)) {
		return peerprotocol.ExtensionMessage{
			ExtendedMessageID: extMsgID,
			Payload: peerprotocol.ExtensionMetadataMessage{
				Type:  peerprotocol.ExtensionMetadataMessageTypeReject,
				Piece: piece,
			},
		}
	}
	end := begin + blockSize
	if end > uint32(len(s.info.Bytes)) {
		end = uint32(len(s.info.Bytes))
	}
	return peerprotocol.ExtensionMessage{
		ExtendedMessageID: extMsgID,
		Payload: rawMetadataData{
			msg:  peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeData, Piece: piece, TotalSize: uint32(len(s.info.Bytes))},
			data: s.info.Bytes[begin:end],
		},
	}
}

// rawMetadataData bencode-encodes its dict prefix then appends the
// raw info-dict chunk, matching the wire layout of a ut_metadata Data
// message (dict followed by the piece's bytes, not itself bencoded).
type rawMetadataData struct {
	msg  peerprotocol.ExtensionMetadataMessage
	data []byte
}

// MarshalBencode satisfies zeebo/bencode's Marshaler interface. The
// encoder embeds these bytes verbatim, which lets it express the wire
// format ut_metadata Data messages actually use: a bencoded dict
// immediately followed by the raw info-dict chunk, something bencode
// itself has no syntax for.
func (r rawMetadataData) MarshalBencode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(r.msg); err != nil {
		return nil, err
	}
	buf.Write(r.data)
	return buf.Bytes(), nil
}
