package metainfo

import (
	"bytes"
	"crypto/sha1" // #nosec G401 -- BitTorrent v1 info hash is defined as SHA-1.
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// FileDictV1 mirrors a single entry of the "files" list in a v1 info
// dictionary.
type FileDictV1 struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	Attr   string   `bencode:"attr,omitempty"`
}

// infoDict is the raw bencoded shape of the "info" dictionary,
// covering both the single-file and multi-file (v1) forms plus the
// "meta version" key. The v2 "file tree" key is not decoded.
type infoDict struct {
	Name        string       `bencode:"name"`
	PieceLength int64        `bencode:"piece length"`
	Pieces      string       `bencode:"pieces"`
	Length      int64        `bencode:"length,omitempty"`
	Files       []FileDictV1 `bencode:"files,omitempty"`
	Private     int          `bencode:"private,omitempty"`
	MetaVersion int          `bencode:"meta version,omitempty"`
}

// FileInfo is the data-model File entry from spec.md §3, pre-pool: a
// flattened, ordered file description with the padding attribute kept
// so the Storage/FilePool layers can skip allocating disk space for it.
type FileInfo struct {
	Path       []string
	Length     int64
	Attributes string // e.g. "p" for padding file, "x" executable
}

// IsPadding reports whether this entry is a BEP47 padding file: it
// contributes bytes to the piece layout but has no disk presence.
func (f FileInfo) IsPadding() bool {
	for _, c := range f.Attributes {
		if c == 'p' {
			return true
		}
	}
	return false
}

// Info is the immutable, parsed form of a torrent's info dictionary
// (spec.md §3 TorrentMetadata, minus the tracker list which lives on
// MetaInfo). Info is never mutated after NewInfo returns it.
type Info struct {
	Name        string
	PieceLength int64
	NumPieces   uint32
	Hash        InfoHash   // v1 (SHA-1) hash of the raw bencoded dict
	HashV2      InfoHash   // v2 (SHA-256) hash, set only for hybrid/v2 torrents
	PieceHashes [][]byte   // per-piece SHA-1, 20 bytes each
	PieceHashesV2 [][]byte // per-piece SHA-256, 32 bytes each; NewInfo never fills it
	Length      int64      // total length across all files
	Private     int
	Files       []FileInfo
	InfoSize    uint32 // length of the raw bencoded dict, for ut_metadata
	Bytes       []byte // raw bencoded dict, kept for ut_metadata serving and resume
}

// NewInfo parses a raw bencoded "info" dictionary (as extracted from a
// .torrent file or reassembled via ut_metadata) into an Info.
func NewInfo(raw []byte) (*Info, error) {
	var d infoDict
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
		return nil, fmt.Errorf("metainfo: cannot decode info dict: %w", err)
	}
	if d.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	if len(d.Pieces)%20 != 0 {
		return nil, errors.New("metainfo: pieces length not a multiple of 20")
	}
	numPieces := uint32(len(d.Pieces) / 20)

	hash := sha1.Sum(raw)
	hashV2 := sha256.Sum256(raw)

	info := &Info{
		Name:        d.Name,
		PieceLength: d.PieceLength,
		NumPieces:   numPieces,
		Hash:        hash[:],
		Private:     d.Private,
		InfoSize:    uint32(len(raw)),
		Bytes:       append([]byte(nil), raw...),
	}
	if d.MetaVersion >= 2 {
		info.HashV2 = hashV2[:]
	}
	info.PieceHashes = make([][]byte, numPieces)
	for i := uint32(0); i < numPieces; i++ {
		info.PieceHashes[i] = []byte(d.Pieces[i*20 : i*20+20])
	}

	if len(d.Files) == 0 {
		if d.Length <= 0 {
			return nil, errors.New("metainfo: info dict has neither length nor files")
		}
		info.Length = d.Length
		info.Files = []FileInfo{{Path: []string{d.Name}, Length: d.Length}}
	} else {
		var total int64
		files := make([]FileInfo, len(d.Files))
		for i, f := range d.Files {
			files[i] = FileInfo{Path: f.Path, Length: f.Length, Attributes: f.Attr}
			total += f.Length
		}
		info.Length = total
		info.Files = files
	}
	return info, nil
}
