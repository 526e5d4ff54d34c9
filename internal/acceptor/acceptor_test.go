package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/popcorn-fx/torrent-engine/logger"
	"github.com/stretchr/testify/require"
)

func TestAcceptDeliversConnection(t *testing.T) {
	resultC := make(chan net.Conn, 1)
	a, err := New("127.0.0.1", 0, resultC, logger.New("test"))
	require.NoError(t, err)
	defer a.Close()

	go a.Run()

	dialed, err := net.Dial("tcp", a.listener.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()

	select {
	case c := <-resultC:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestCloseStopsRun(t *testing.T) {
	resultC := make(chan net.Conn)
	a, err := New("127.0.0.1", 0, resultC, logger.New("test"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	a.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after Close")
	}
}
