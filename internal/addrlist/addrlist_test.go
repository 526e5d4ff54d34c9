package addrlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(t *testing.T, s string) *net.TCPAddr {
	t.Helper()
	a, err := net.ResolveTCPAddr("tcp", s)
	require.NoError(t, err)
	return a
}

func TestPushDedupesAndRanks(t *testing.T) {
	local := tcpAddr(t, "10.0.0.1:6881")
	l := New(local)
	a := tcpAddr(t, "123.213.32.10:0")
	b := tcpAddr(t, "123.213.32.234:0")
	l.Push([]*net.TCPAddr{a, b}, Tracker)
	l.Push([]*net.TCPAddr{a}, DHT) // duplicate, ignored

	assert.Equal(t, 2, l.Len())
	first := l.Pop()
	second := l.Pop()
	assert.NotNil(t, first)
	assert.NotNil(t, second)
	assert.Nil(t, l.Pop())
}

func TestResetAllowsRequeue(t *testing.T) {
	local := tcpAddr(t, "10.0.0.1:6881")
	l := New(local)
	a := tcpAddr(t, "1.2.3.4:6881")
	l.Push([]*net.TCPAddr{a}, Manual)
	l.Pop()
	l.Push([]*net.TCPAddr{a}, Manual)
	assert.Zero(t, l.Len(), "expected duplicate to be rejected before Reset")
	l.Reset()
	l.Push([]*net.TCPAddr{a}, Manual)
	assert.Equal(t, 1, l.Len(), "expected re-queue to succeed after Reset")
}
