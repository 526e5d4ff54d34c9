// Package peerpriority implements BEP40 canonical peer priority: an
// unsigned 32-bit score (lower is better) used to rank candidate peer
// addresses when a torrent needs to pick the next outbound connection
// (spec.md §4.5).
package peerpriority

import (
	"encoding/binary"
	"net"
)

// crc32cTable is the Castagnoli polynomial table (same polynomial BEP40
// specifies), built once at init.
var crc32cTable [256]uint32

func init() {
	const poly = 0x82F63B78 // reversed Castagnoli polynomial
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc32cTable[i] = crc
	}
}

func crc32c(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc32cTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc ^ 0xFFFFFFFF
}

// Undefined is returned when the two addresses are of mixed families;
// BEP40 leaves that case undefined and the spec says to rank the peer
// worst, i.e. this sentinel sorts after every real priority.
const Undefined uint32 = 0xFFFFFFFF

// Priority computes the BEP40 canonical priority between the local
// listening address and a remote candidate. Lower is better.
func Priority(local, remote *net.TCPAddr) uint32 {
	if local.IP.Equal(remote.IP) {
		return samePortPriority(uint16(local.Port), uint16(remote.Port))
	}

	localIP4 := local.IP.To4()
	remoteIP4 := remote.IP.To4()

	switch {
	case localIP4 != nil && remoteIP4 != nil:
		return ipv4Priority(localIP4, remoteIP4)
	case localIP4 == nil && remoteIP4 == nil:
		localIP6 := local.IP.To16()
		remoteIP6 := remote.IP.To16()
		if localIP6 == nil || remoteIP6 == nil {
			return Undefined
		}
		return ipv6Priority(localIP6, remoteIP6)
	default:
		return Undefined
	}
}

// samePortPriority hashes the two ports big-endian, smaller first.
func samePortPriority(p1, p2 uint16) uint32 {
	b := make([]byte, 4)
	if p1 < p2 {
		binary.BigEndian.PutUint16(b[0:2], p1)
		binary.BigEndian.PutUint16(b[2:4], p2)
	} else {
		binary.BigEndian.PutUint16(b[0:2], p2)
		binary.BigEndian.PutUint16(b[2:4], p1)
	}
	return crc32c(b)
}

// ipv4Priority implements the three masking tiers from spec.md §4.5.2.
func ipv4Priority(a, b net.IP) uint32 {
	var mask uint32
	switch {
	case a[0] != b[0] || a[1] != b[1]:
		mask = 0xFFFF5555
	case a[2] != b[2]:
		mask = 0xFFFFFF55
	default:
		mask = 0xFFFFFFFF
	}
	am := maskIPv4(a, mask)
	bm := maskIPv4(b, mask)
	return crc32cOrdered(am, bm)
}

func maskIPv4(ip net.IP, mask uint32) []byte {
	v := binary.BigEndian.Uint32(ip)
	v &= mask
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// ipv6Priority implements the first-differing-byte rule from spec.md §4.5.3.
func ipv6Priority(a, b net.IP) uint32 {
	diff := -1
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			diff = i
			break
		}
	}
	if diff == -1 {
		// Identical addresses reaching here means equal IPs with a
		// difference only in how the caller constructed the net.IP;
		// fall back to treating them as matching at every position.
		diff = 15
	}
	start := diff
	if start < 5 {
		start = 5
	}
	am := make([]byte, 16)
	bm := make([]byte, 16)
	copy(am, a)
	copy(bm, b)
	for i := start + 1; i < 16; i++ {
		am[i] &= 0x55
		bm[i] &= 0x55
	}
	return crc32cOrdered(am, bm)
}

// crc32cOrdered concatenates the two byte slices in ascending byte
// order (as raw bytes compare) before hashing, per spec.md §4.5.
func crc32cOrdered(a, b []byte) uint32 {
	var buf []byte
	if compareBytes(a, b) <= 0 {
		buf = append(append([]byte{}, a...), b...)
	} else {
		buf = append(append([]byte{}, b...), a...)
	}
	return crc32c(buf)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
