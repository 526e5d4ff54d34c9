package peerprotocol

import (
	"bytes"
	"errors"
	"net"

	"github.com/zeebo/bencode"
)

// Extension names, used as keys in the BEP10 extended handshake "m" dict.
const (
	ExtensionNameMetadata = "ut_metadata"
	ExtensionNamePEX      = "ut_pex"
)

// ExtensionIDHandshake is the reserved extended-message-id 0, always
// the extended handshake itself.
const ExtensionIDHandshake = 0

// ExtensionMessage is the Extension (id 20) wire message: a one-byte
// extended-message-id followed by a bencoded payload.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           interface{} // bencode-marshalable
}

func (ExtensionMessage) ID() MessageID { return Extension }

// Payload satisfies Message by bencoding the payload with the
// extended-message-id prefix.
func (m ExtensionMessage) Payload() []byte { return m.Encode() }

// Encode serializes the extended-message-id byte followed by the
// bencoded payload.
func (m ExtensionMessage) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.ExtendedMessageID)
	if m.Payload != nil {
		_ = bencode.NewEncoder(&buf).Encode(m.Payload)
	}
	return buf.Bytes()
}

// ExtensionHandshakeMessage is the BEP10 extended handshake payload.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	Version      string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
}

// NewExtensionHandshake builds the local extended-handshake payload,
// advertising the extensions this engine implements and, when known,
// the remote's observed IP (for BEP40 priority) and our metadata size.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP net.IP) *ExtensionHandshakeMessage {
	m := &ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionNameMetadata: 1,
			ExtensionNamePEX:      2,
		},
		Version: version,
	}
	if metadataSize > 0 {
		m.MetadataSize = metadataSize
	}
	if yourIP != nil {
		m.YourIP = string(yourIP.To4())
		if m.YourIP == "" {
			m.YourIP = string(yourIP.To16())
		}
	}
	return m
}

// ExtensionMetadataMessageType enumerates ut_metadata msg_type values.
type ExtensionMetadataMessageType int

const (
	ExtensionMetadataMessageTypeRequest ExtensionMetadataMessageType = 0
	ExtensionMetadataMessageTypeData    ExtensionMetadataMessageType = 1
	ExtensionMetadataMessageTypeReject  ExtensionMetadataMessageType = 2
)

// ExtensionMetadataMessage is the bencoded dict prefix of a ut_metadata
// message; the raw info-dict slice (for Data messages) follows it in
// the same payload and is handled by the caller.
type ExtensionMetadataMessage struct {
	Type      ExtensionMetadataMessageType `bencode:"msg_type"`
	Piece     uint32                       `bencode:"piece"`
	TotalSize uint32                       `bencode:"total_size,omitempty"`
}

// PexFlags are the per-added-peer flags in a ut_pex "added.f"/"added6.f" byte.
type PexFlags byte

const (
	PexFlagEncryption PexFlags = 1 << 0
	PexFlagUploadOnly PexFlags = 1 << 1
	PexFlagUTP        PexFlags = 1 << 2
	PexFlagHolepunch  PexFlags = 1 << 3
	PexFlagOutbound   PexFlags = 1 << 4
)

// ExtensionPEXMessage is the ut_pex payload: compact address blobs for
// newly seen and dropped peers, split by address family, with a flags
// byte per added entry.
type ExtensionPEXMessage struct {
	Added     []byte `bencode:"added"`
	AddedFlags []byte `bencode:"added.f"`
	Added6       []byte `bencode:"added6"`
	Added6Flags  []byte `bencode:"added6.f"`
	Dropped   []byte `bencode:"dropped"`
	Dropped6  []byte `bencode:"dropped6"`
}

// RawExtensionMessage is what peerconn's read loop produces for every
// Extension (id 20) frame before the caller knows which concern
// (handshake, ut_metadata, ut_pex) the extended-message-id maps to.
type RawExtensionMessage struct {
	ExtendedMessageID byte
	Body              []byte
}

func (RawExtensionMessage) ID() MessageID { return Extension }

func (m RawExtensionMessage) Payload() []byte {
	buf := make([]byte, 0, 1+len(m.Body))
	buf = append(buf, m.ExtendedMessageID)
	return append(buf, m.Body...)
}

// ParseExtensionMessage splits the extended-message-id byte from the
// remaining bencoded body of an Extension frame.
func ParseExtensionMessage(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, errors.New("peerprotocol: empty extension message")
	}
	return RawExtensionMessage{
		ExtendedMessageID: body[0],
		Body:              append([]byte(nil), body[1:]...),
	}, nil
}

// DecodeExtensionHandshake decodes an id-0 extended handshake payload.
func DecodeExtensionHandshake(body []byte) (*ExtensionHandshakeMessage, error) {
	var m ExtensionHandshakeMessage
	if err := bencode.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeExtensionMetadata decodes a ut_metadata message's bencoded
// prefix, returning the trailing raw bytes too (the info-dict chunk
// that follows the dict on Data messages).
func DecodeExtensionMetadata(body []byte) (*ExtensionMetadataMessage, []byte, error) {
	r := bytes.NewReader(body)
	var m ExtensionMetadataMessage
	if err := bencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, nil, err
	}
	consumed := len(body) - r.Len()
	return &m, body[consumed:], nil
}

// DecodeExtensionPEX decodes a ut_pex message.
func DecodeExtensionPEX(body []byte) (*ExtensionPEXMessage, error) {
	var m ExtensionPEXMessage
	if err := bencode.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
