// Package bitfield implements a compact, mutable bit-per-item set used
// to track piece and block completion.
package bitfield

import "fmt"

// Bitfield is a fixed-length, big-endian-packed bitset, the wire format
// used by the BitTorrent "bitfield" message.
type Bitfield struct {
	b      []byte
	length uint32
}

// New returns a zeroed Bitfield able to hold length bits.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, numBytes(length)),
		length: length,
	}
}

// NewBytes wraps b as a Bitfield of length bits, validating that b is
// large enough and that any padding bits in the final byte are zero.
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	want := numBytes(length)
	if uint32(len(b)) != want {
		return nil, fmt.Errorf("bitfield: invalid length: have %d bytes, want %d for %d bits", len(b), want, length)
	}
	bf := &Bitfield{b: make([]byte, want), length: length}
	copy(bf.b, b)
	if pad := bf.paddingMask(); pad != 0 && want > 0 {
		if bf.b[want-1]&pad != 0 {
			return nil, fmt.Errorf("bitfield: non-zero padding bits")
		}
	}
	return bf, nil
}

func numBytes(length uint32) uint32 {
	return (length + 7) / 8
}

// paddingMask returns the mask of bits in the final byte that lie past
// `length` and must always be zero.
func (b *Bitfield) paddingMask() byte {
	rem := b.length % 8
	if rem == 0 {
		return 0
	}
	return 0xFF >> rem
}

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Test reports whether bit i is set.
func (b *Bitfield) Test(i uint32) bool {
	if i >= b.length {
		return false
	}
	return b.b[i/8]&(0x80>>(i%8)) != 0
}

// Set sets bit i.
func (b *Bitfield) Set(i uint32) {
	if i >= b.length {
		return
	}
	b.b[i/8] |= 0x80 >> (i % 8)
}

// Clear clears bit i.
func (b *Bitfield) Clear(i uint32) {
	if i >= b.length {
		return
	}
	b.b[i/8] &^= 0x80 >> (i % 8)
}

// All reports whether every bit is set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var n uint32
	for _, by := range b.b {
		for by != 0 {
			n += uint32(by & 1)
			by >>= 1
		}
	}
	return n
}

// Bytes returns the underlying packed representation. The slice is
// shared with the Bitfield; callers that need to retain it across
// mutations should copy.
func (b *Bitfield) Bytes() []byte { return b.b }

// Copy returns an independent copy of the Bitfield.
func (b *Bitfield) Copy() *Bitfield {
	nb := make([]byte, len(b.b))
	copy(nb, b.b)
	return &Bitfield{b: nb, length: b.length}
}
