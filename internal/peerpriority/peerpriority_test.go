package peerpriority

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestPriorityIPv4SameTier(t *testing.T) {
	got := Priority(tcpAddr("123.213.32.10", 0), tcpAddr("123.213.32.234", 0))
	assert.EqualValues(t, 0x99568189, got)
}

func TestPriorityIPv4DifferentTier(t *testing.T) {
	got := Priority(tcpAddr("123.213.32.10", 0), tcpAddr("98.76.54.32", 0))
	assert.EqualValues(t, 0xEC2D7224, got)
}

func TestPrioritySameIPDifferentPorts(t *testing.T) {
	got := Priority(tcpAddr("230.12.123.3", 300), tcpAddr("230.12.123.3", 1234))
	want := crc32c([]byte{0x01, 0x2c, 0x04, 0xd2})
	assert.Equal(t, want, got)
}

func TestPriorityMixedFamilyUndefined(t *testing.T) {
	got := Priority(tcpAddr("123.213.32.10", 0), tcpAddr("2001:db8::1", 0))
	assert.Equal(t, Undefined, got)
}

func TestPriorityIsSymmetricOrdering(t *testing.T) {
	a := tcpAddr("123.213.32.10", 0)
	b := tcpAddr("123.213.32.234", 0)
	assert.Equal(t, Priority(a, b), Priority(b, a), "priority must not depend on argument order")
}
