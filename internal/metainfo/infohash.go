package metainfo

import (
	"encoding/hex"
	"fmt"
)

// InfoHash identifies a torrent. It is 20 bytes for a SHA-1 (v1) hash
// or 32 bytes for a SHA-256 (v2) hash, per spec.md §3.
type InfoHash []byte

// NewInfoHash validates and wraps b.
func NewInfoHash(b []byte) (InfoHash, error) {
	if len(b) != 20 && len(b) != 32 {
		return nil, fmt.Errorf("metainfo: invalid info hash length %d", len(b))
	}
	h := make(InfoHash, len(b))
	copy(h, b)
	return h, nil
}

// String returns the lowercase hex form.
func (h InfoHash) String() string {
	return hex.EncodeToString(h)
}

// Short returns the first 20 bytes, used for legacy/v1 mixing (DHT,
// trackers that only understand SHA-1 info hashes).
func (h InfoHash) Short() [20]byte {
	var out [20]byte
	copy(out[:], h)
	return out
}

// IsV2 reports whether this is a 32-byte SHA-256 hash.
func (h InfoHash) IsV2() bool { return len(h) == 32 }

// Equal reports byte-for-byte equality.
func (h InfoHash) Equal(other InfoHash) bool {
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}
