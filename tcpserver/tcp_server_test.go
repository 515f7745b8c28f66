package tcpserver

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/genie-upload/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainSession reads until EOF and reports how many bytes it saw.
type drainSession struct {
	id      uint32
	conn    net.Conn
	panicky bool
	got     chan int
	once    sync.Once
}

func (d *drainSession) ID() uint32 { return d.id }

func (d *drainSession) Handle() {
	defer d.Close()
	if d.panicky {
		panic("boom")
	}
	n, _ := io.Copy(io.Discard, d.conn)
	d.got <- int(n)
}

func (d *drainSession) Close() error {
	var err error
	d.once.Do(func() { err = d.conn.Close() })
	return err
}

func newTestServer(t *testing.T, maxSessions int, panicFirst bool) (*TCPServer, chan int) {
	t.Helper()
	got := make(chan int, 16)
	var first atomic.Bool
	first.Store(panicFirst)
	s := &TCPServer{
		Logger:      logger.NewNopLogger(),
		Name:        "test",
		Addr:        "127.0.0.1:0",
		MaxSessions: maxSessions,
		NewSession: func(id uint32, conn net.Conn) TCPServerSession {
			return &drainSession{id: id, conn: conn, got: got, panicky: first.Swap(false)}
		},
	}
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, got
}

func TestTCPServer_Start(t *testing.T) {
	t.Run("binds ephemeral port", func(t *testing.T) {
		s, _ := newTestServer(t, 0, false)
		assert.True(t, s.Running.Load())
		assert.NotEqual(t, "127.0.0.1:0", s.ListenAddr())
	})

	t.Run("second start fails", func(t *testing.T) {
		s, _ := newTestServer(t, 0, false)
		assert.Error(t, s.Start())
	})

	t.Run("bad address fails", func(t *testing.T) {
		s := &TCPServer{Logger: logger.NewNopLogger(), Name: "bad", Addr: "256.0.0.1:99999"}
		assert.Error(t, s.Start())
		assert.Empty(t, s.ListenAddr())
	})
}

func TestTCPServer_sessions(t *testing.T) {
	t.Run("handles concurrent connections independently", func(t *testing.T) {
		s, got := newTestServer(t, 0, false)

		a, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		b, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)

		_, err = b.Write([]byte("bb"))
		require.NoError(t, err)
		require.NoError(t, b.Close())
		assert.Equal(t, 2, <-got)

		_, err = a.Write([]byte("aaa"))
		require.NoError(t, err)
		require.NoError(t, a.Close())
		assert.Equal(t, 3, <-got)

		assert.Eventually(t, func() bool { return s.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("panicking session does not stop the listener", func(t *testing.T) {
		s, got := newTestServer(t, 0, true)

		c, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		_ = c.Close()

		c, err = net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		_, err = c.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, c.Close())

		select {
		case n := <-got:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Fatal("second session was not handled")
		}
	})

	t.Run("max sessions delays accepting", func(t *testing.T) {
		s, got := newTestServer(t, 1, false)

		first, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return s.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

		second, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		_, err = second.Write([]byte("22"))
		require.NoError(t, err)
		require.NoError(t, second.Close())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, s.SessionCount())
		assert.Empty(t, got)

		require.NoError(t, first.Close())
		assert.Equal(t, 0, <-got)
		assert.Equal(t, 2, <-got)
	})
}

func TestTCPServer_Stop(t *testing.T) {
	got := make(chan int, 1)
	s := &TCPServer{
		Logger: logger.NewNopLogger(),
		Name:   "stop",
		Addr:   "127.0.0.1:0",
		NewSession: func(id uint32, conn net.Conn) TCPServerSession {
			return &drainSession{id: id, conn: conn, got: got}
		},
	}
	require.NoError(t, s.Start())

	c, err := net.Dial("tcp", s.ListenAddr())
	require.NoError(t, err)
	defer c.Close()
	assert.Eventually(t, func() bool { return s.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not close the idle session")
	}
	assert.False(t, s.Running.Load())
	assert.Equal(t, 0, s.SessionCount())

	s.Stop()
	_, err = net.DialTimeout("tcp", s.ListenAddr(), 200*time.Millisecond)
	assert.Error(t, err)
}
