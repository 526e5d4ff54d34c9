package pex

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestMessageEmptyWhenNothingChanged(t *testing.T) {
	p := New()
	assert.Nil(t, p.Message())
}

func TestMessageDrainsAddedAndDropped(t *testing.T) {
	p := New()
	p.Add(addr("1.2.3.4", 6881))
	p.AddWithFlags(addr("5.6.7.8", 6882), FlagOutgoingConnection)
	p.Drop(addr("9.9.9.9", 6883))

	msg := p.Message()
	require.NotNil(t, msg)
	assert.Len(t, msg.Added, 12, "expected 2 compact ipv4 entries (12 bytes)")
	require.Len(t, msg.AddedFlags, 2)
	assert.Equal(t, byte(FlagOutgoingConnection), msg.AddedFlags[1])
	assert.Len(t, msg.Dropped, 6, "expected 1 compact ipv4 entry (6 bytes) dropped")

	assert.Nil(t, p.Message(), "expected drained pool to report nil on next call")
}

func TestMessageSplitsIPv6(t *testing.T) {
	p := New()
	p.Add(addr("::1", 6881))
	msg := p.Message()
	require.NotNil(t, msg)
	assert.Empty(t, msg.Added, "expected no ipv4 added entries")
	assert.Len(t, msg.Added6, 18, "expected 16 addr + 2 port bytes in added6")
}

func TestDiscoveredAndDroppedRoundTrip(t *testing.T) {
	p := New()
	a := addr("1.2.3.4", 6881)
	p.Add(a)
	msg := p.Message()

	got := Discovered(msg)
	require.Len(t, got, 1)
	assert.True(t, got[0].IP.Equal(a.IP))
	assert.Equal(t, a.Port, got[0].Port)

	p2 := New()
	p2.Drop(a)
	dropMsg := p2.Message()
	droppedAddrs := Dropped(dropMsg)
	assert.Len(t, droppedAddrs, 1)
}
