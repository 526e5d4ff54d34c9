// Package hashcheck verifies downloaded piece data against the
// hashes recorded in torrent metadata (spec.md §4.1 "hash_check"),
// for both v1 (SHA-1) and v2 (SHA-256, hybrid torrents) torrents.
package hashcheck

import (
	"bytes"
	"crypto/sha1" // #nosec G401 -- BitTorrent v1 piece hashes are defined as SHA-1.
	"crypto/sha256"
	"errors"
)

// ErrNoHash is returned when a piece carries neither a v1 nor a v2
// hash to check against, which should never happen for a fully
// parsed torrent.
var ErrNoHash = errors.New("hashcheck: piece has no hash to verify against")

// Source supplies the expected hashes for a piece index, decoupling
// this package from internal/piece to avoid an import cycle (the
// orchestrator, which already depends on both, is the caller).
type Source interface {
	HashV1(index uint32) []byte
	HashV2(index uint32) []byte
}

// Verify reports whether data matches the piece's recorded hash.
// When both a v1 and v2 hash are present (hybrid torrents) both must
// match; when only one is present, only that one is checked.
func Verify(src Source, index uint32, data []byte) (bool, error) {
	v1 := src.HashV1(index)
	v2 := src.HashV2(index)
	if len(v1) == 0 && len(v2) == 0 {
		return false, ErrNoHash
	}
	if len(v1) > 0 {
		sum := sha1.Sum(data)
		if !bytes.Equal(sum[:], v1) {
			return false, nil
		}
	}
	if len(v2) > 0 {
		sum := sha256.Sum256(data)
		if !bytes.Equal(sum[:], v2) {
			return false, nil
		}
	}
	return true, nil
}

// PaddingZeros builds the all-zero buffer used to verify a padding
// file's region without ever reading it from disk (spec.md §4.1:
// BEP47 padding files contribute zero bytes to piece hashing).
func PaddingZeros(n int) []byte {
	return make([]byte, n)
}
