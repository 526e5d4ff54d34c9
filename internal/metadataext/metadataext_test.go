package metadataext

import (
	"crypto/sha1"
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequesterReassemblesSinglePieceMetadata(t *testing.T) {
	data := buildRawInfo(t)
	sum := sha1.Sum(data)

	r := NewRequester(sum[:])
	msg := &peerprotocol.ExtensionMetadataMessage{
		Type:      peerprotocol.ExtensionMetadataMessageTypeData,
		Piece:     0,
		TotalSize: uint32(len(data)),
	}
	next, err := r.HandleData(msg, data, 3)
	require.NoError(t, err)
	assert.Nil(t, next, "expected no further request for a single-piece metadata blob")
	assert.True(t, r.Done(), "expected Done after single piece")
	_, err = r.Finish()
	assert.NoError(t, err)
}

func TestRequesterRejectsHashMismatch(t *testing.T) {
	data := []byte("not the real metadata")
	var wrongHash [20]byte
	r := NewRequester(wrongHash[:])
	msg := &peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeData, Piece: 0, TotalSize: uint32(len(data))}
	_, err := r.HandleData(msg, data, 3)
	require.NoError(t, err)
	_, err = r.Finish()
	assert.Equal(t, ErrHashMismatch, err)
}

func buildRawInfo(t *testing.T) []byte {
	t.Helper()
	raw := []byte("d6:lengthi10e4:name1:a12:piece lengthi16384e6:pieces20:")
	raw = append(raw, make([]byte, 20)...)
	raw = append(raw, 'e')
	return raw
}

func TestResponderAnswersWithinRange(t *testing.T) {
	raw := buildRawInfo(t)
	info, err := metainfo.NewInfo(raw)
	require.NoError(t, err)
	s := NewResponder(info)
	msg := s.Answer(0, 3)
	assert.EqualValues(t, 3, msg.ExtendedMessageID)
}

func TestResponderRejectsOutOfRangePiece(t *testing.T) {
	raw := buildRawInfo(t)
	info, err := metainfo.NewInfo(raw)
	require.NoError(t, err)
	s := NewResponder(info)
	msg := s.Answer(999, 3)
	data, ok := msg.Payload.(peerprotocol.ExtensionMetadataMessage)
	require.True(t, ok, "expected ExtensionMetadataMessage payload, got %T", msg.Payload)
	assert.Equal(t, peerprotocol.ExtensionMetadataMessageTypeReject, data.Type)
}
