package blocklist

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockAndUnblock(t *testing.T) {
	b := New()
	ip := net.ParseIP("203.0.113.5")
	assert.False(t, b.Blocked(ip))
	b.Block(ip)
	assert.True(t, b.Blocked(ip))
	b.Unblock(ip)
	assert.False(t, b.Blocked(ip))
}

func TestBlockCIDR(t *testing.T) {
	b := New()
	require.NoError(t, b.BlockCIDR("198.51.100.0/24"))
	assert.True(t, b.Blocked(net.ParseIP("198.51.100.42")))
	assert.False(t, b.Blocked(net.ParseIP("198.51.101.42")))
}

func TestBanForExpires(t *testing.T) {
	b := New()
	ip := net.ParseIP("203.0.113.9")
	b.BanFor(ip, 10*time.Millisecond)
	assert.True(t, b.Blocked(ip), "expected ban to be in effect immediately")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, b.Blocked(ip), "expected ban to have lapsed")
}

func TestBanForExtendsRatherThanShortens(t *testing.T) {
	b := New()
	ip := net.ParseIP("203.0.113.10")
	b.BanFor(ip, time.Hour)
	b.BanFor(ip, time.Millisecond) // shorter TTL must not shorten the existing ban
	assert.True(t, b.Blocked(ip))
}

func TestUnblockClearsTemporaryBan(t *testing.T) {
	b := New()
	ip := net.ParseIP("203.0.113.11")
	b.BanFor(ip, time.Hour)
	b.Unblock(ip)
	assert.False(t, b.Blocked(ip))
}
