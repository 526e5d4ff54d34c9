// Package magnet parses magnet URIs (spec.md §3 Magnet URI).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
)

// Magnet is a parsed magnet link: an info hash plus whatever hints the
// link carried (display name, trackers). Metadata itself is not here —
// it must be fetched over the wire once peers are found.
type Magnet struct {
	InfoHash metainfo.InfoHash
	Name     string
	Trackers []string
}

const xtPrefix = "urn:btih:"

// New parses a magnet: URI.
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: invalid scheme %q", u.Scheme)
	}
	q := u.Query()
	xts := q["xt"]
	var hash metainfo.InfoHash
	for _, xt := range xts {
		if !strings.HasPrefix(xt, xtPrefix) {
			continue
		}
		enc := xt[len(xtPrefix):]
		hash, err = decodeHash(enc)
		if err != nil {
			return nil, err
		}
		break
	}
	if hash == nil {
		return nil, errors.New("magnet: no btih exact topic found")
	}
	m := &Magnet{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	return m, nil
}

// decodeHash accepts 40-char hex or 32-char base32 (the two encodings
// BEP9 allows for a 20-byte hash) and 64-char hex for a 32-byte hash.
func decodeHash(enc string) (metainfo.InfoHash, error) {
	switch len(enc) {
	case 40, 64:
		b, err := hex.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("magnet: invalid hex info hash: %w", err)
		}
		return metainfo.NewInfoHash(b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return nil, fmt.Errorf("magnet: invalid base32 info hash: %w", err)
		}
		return metainfo.NewInfoHash(b)
	default:
		return nil, fmt.Errorf("magnet: unexpected info hash encoding length %d", len(enc))
	}
}

// String reconstructs a canonical magnet URI, mainly for logging.
func (m *Magnet) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(hex.EncodeToString(m.InfoHash))
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
