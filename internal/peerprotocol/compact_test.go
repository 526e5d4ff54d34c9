package peerprotocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactIPv4RoundTrip(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("123.213.32.10").To4(), Port: 6881}
	enc, err := EncodeCompactIPv4(addr)
	require.NoError(t, err)
	assert.Len(t, enc, 6)
	dec, err := DecodeCompactIPv4(enc)
	require.NoError(t, err)
	enc2, err := EncodeCompactIPv4(dec)
	require.NoError(t, err)
	assert.Equal(t, enc, enc2, "encode->decode->encode not byte-identical")
}

func TestCompactIPv6RoundTrip(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1234}
	enc, err := EncodeCompactIPv6(addr)
	require.NoError(t, err)
	assert.Len(t, enc, 18)
	dec, err := DecodeCompactIPv6(enc)
	require.NoError(t, err)
	enc2, err := EncodeCompactIPv6(dec)
	require.NoError(t, err)
	assert.Equal(t, enc, enc2, "encode->decode->encode not byte-identical")
}
