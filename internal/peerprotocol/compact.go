package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EncodeCompactIPv4 serializes addr as the 6-byte compact form
// (IP:4 || PORT:2) used on the wire (spec.md §6).
func EncodeCompactIPv4(addr *net.TCPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("peerprotocol: %s is not an IPv4 address", addr.IP)
	}
	b := make([]byte, 6)
	copy(b[:4], ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(addr.Port))
	return b, nil
}

// DecodeCompactIPv4 parses a 6-byte compact IPv4 address.
func DecodeCompactIPv4(b []byte) (*net.TCPAddr, error) {
	if len(b) != 6 {
		return nil, fmt.Errorf("peerprotocol: invalid compact ipv4 length %d", len(b))
	}
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[4:]))}, nil
}

// EncodeCompactIPv6 serializes addr as the 18-byte compact form
// (IP:16 || PORT:2).
func EncodeCompactIPv6(addr *net.TCPAddr) ([]byte, error) {
	ip16 := addr.IP.To16()
	if ip16 == nil || addr.IP.To4() != nil {
		return nil, fmt.Errorf("peerprotocol: %s is not an IPv6 address", addr.IP)
	}
	b := make([]byte, 18)
	copy(b[:16], ip16)
	binary.BigEndian.PutUint16(b[16:], uint16(addr.Port))
	return b, nil
}

// DecodeCompactIPv6 parses an 18-byte compact IPv6 address.
func DecodeCompactIPv6(b []byte) (*net.TCPAddr, error) {
	if len(b) != 18 {
		return nil, fmt.Errorf("peerprotocol: invalid compact ipv6 length %d", len(b))
	}
	ip := make(net.IP, 16)
	copy(ip, b[:16])
	return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[16:]))}, nil
}

// DecodeCompactIPv4List splits a concatenated list of 6-byte entries.
func DecodeCompactIPv4List(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("peerprotocol: compact ipv4 list length %d not a multiple of 6", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		a, err := DecodeCompactIPv4(b[i : i+6])
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// DecodeCompactIPv6List splits a concatenated list of 18-byte entries.
func DecodeCompactIPv6List(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%18 != 0 {
		return nil, fmt.Errorf("peerprotocol: compact ipv6 list length %d not a multiple of 18", len(b))
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/18)
	for i := 0; i < len(b); i += 18 {
		a, err := DecodeCompactIPv6(b[i : i+18])
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// EncodeCompactIPv4List concatenates the compact form of every addr.
func EncodeCompactIPv4List(addrs []*net.TCPAddr) ([]byte, error) {
	buf := make([]byte, 0, len(addrs)*6)
	for _, a := range addrs {
		b, err := EncodeCompactIPv4(a)
		if err != nil {
			continue // skip non-IPv4 entries, matching rain's parseDHTPeers tolerance
		}
		buf = append(buf, b...)
	}
	return buf, nil
}
