package upload

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/genie-upload/catalog"
	"github.com/cyberinferno/genie-upload/framing"
	"github.com/cyberinferno/genie-upload/logger"
	"github.com/cyberinferno/genie-upload/store"
	"github.com/cyberinferno/genie-upload/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameGap = 50 * time.Millisecond

var base = time.Date(2024, 1, 15, 12, 30, 45, 0, time.Local)

func constantClock() time.Time { return base }

// steppingClock advances one second per call so every recording name differs.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	next := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

type daemon struct {
	srv *tcpserver.TCPServer
	dir *store.Dir
	cat *catalog.MemoryCatalog
}

func startDaemon(t *testing.T, cfg Config) *daemon {
	t.Helper()
	dir, err := store.NewDir(t.TempDir())
	require.NoError(t, err)
	cat := catalog.NewMemoryCatalog(time.Minute)

	srv := &tcpserver.TCPServer{
		Logger:     logger.NewNopLogger(),
		Name:       "upload",
		Addr:       "127.0.0.1:0",
		NewSession: NewSessionFunc(dir, cat, cfg, logger.NewNopLogger()),
	}
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return &daemon{srv: srv, dir: dir, cat: cat}
}

func (d *daemon) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", d.srv.ListenAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (d *daemon) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(d.dir.Root(), name))
	require.NoError(t, err)
	return string(data)
}

func (d *daemon) waitEntries(t *testing.T, n int) []catalog.Entry {
	t.Helper()
	require.Eventually(t, func() bool { return d.cat.Len() >= n }, 3*time.Second, 10*time.Millisecond)
	entries, err := d.cat.Recent(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

// send writes each frame as its own segment, pausing so the daemon sees them
// in separate reads.
func send(t *testing.T, conn net.Conn, frames ...string) {
	t.Helper()
	for _, f := range frames {
		_, err := conn.Write([]byte(f))
		require.NoError(t, err)
		time.Sleep(frameGap)
	}
}

// waitClosed blocks until the daemon closes conn.
func waitClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := io.ReadAll(conn)
	require.NoError(t, err)
}

func TestSession_framedUpload(t *testing.T) {
	d := startDaemon(t, Config{Clock: constantClock})
	before := sessionsFinished(catalog.OutcomeEndSentinel).Get()

	conn := d.dial(t)
	send(t, conn, framing.StartSentinel, "payload\x00\x01\x02", framing.EndSentinel)
	waitClosed(t, conn)

	assert.Equal(t, "payload\x00\x01\x02", d.read(t, "record-2024-01-15-12-30-45.pcm"))
	assert.Equal(t, 0, d.dir.Held())

	entries := d.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "record-2024-01-15-12-30-45.pcm", entries[0].Name)
	assert.EqualValues(t, 10, entries[0].Bytes)
	assert.Equal(t, catalog.OutcomeEndSentinel, entries[0].Outcome)
	assert.Equal(t, before+1, sessionsFinished(catalog.OutcomeEndSentinel).Get())
}

func TestSession_payloadWithEndGoesToSessionFallback(t *testing.T) {
	d := startDaemon(t, Config{Clock: constantClock})

	conn := d.dial(t)
	send(t, conn, "payload"+framing.EndSentinel)
	waitClosed(t, conn)

	entries := d.waitEntries(t, 1)
	require.Len(t, entries, 1)
	want := framing.FallbackName(framing.DefaultFallbackName, entries[0].SessionID, base)
	assert.Equal(t, want, entries[0].Name)
	assert.Equal(t, "payload", d.read(t, want))
}

func TestSession_endOnlyFlushesNothing(t *testing.T) {
	d := startDaemon(t, Config{Clock: constantClock})

	conn := d.dial(t)
	send(t, conn, framing.StartSentinel, "kept", framing.EndSentinel)
	waitClosed(t, conn)
	assert.Equal(t, "kept", d.read(t, "record-2024-01-15-12-30-45.pcm"))

	conn = d.dial(t)
	send(t, conn, framing.EndSentinel)
	waitClosed(t, conn)

	entries, err := os.ReadDir(d.dir.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "end-only session must not create a file")
}

func TestSession_sequentialSessionsGetDistinctNames(t *testing.T) {
	d := startDaemon(t, Config{Clock: steppingClock()})

	for _, payload := range []string{"first", "second"} {
		conn := d.dial(t)
		send(t, conn, framing.StartSentinel, payload, framing.EndSentinel)
		waitClosed(t, conn)
	}

	entries := d.waitEntries(t, 2)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].Name, entries[1].Name)
	for _, e := range entries {
		assert.Regexp(t, framing.RecordingPattern, e.Name)
	}
}

func TestSession_fallbackNotSharedAcrossRestarts(t *testing.T) {
	dir, err := store.NewDir(t.TempDir())
	require.NoError(t, err)
	clock := steppingClock()

	for _, payload := range []string{"before-restart", "after-restart"} {
		srv := &tcpserver.TCPServer{
			Logger:     logger.NewNopLogger(),
			Name:       "upload",
			Addr:       "127.0.0.1:0",
			NewSession: NewSessionFunc(dir, nil, Config{Clock: clock}, logger.NewNopLogger()),
		}
		require.NoError(t, srv.Start())

		conn, err := net.Dial("tcp", srv.ListenAddr())
		require.NoError(t, err)
		send(t, conn, payload+framing.EndSentinel)
		waitClosed(t, conn)
		_ = conn.Close()
		srv.Stop()
	}

	entries, err := os.ReadDir(dir.Root())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir.Root(), e.Name()))
		require.NoError(t, err)
		assert.Contains(t, []string{"before-restart", "after-restart"}, string(data))
		assert.Contains(t, e.Name(), "-1.pcm")
	}
}

func TestSession_peerCloseKeepsPartialUpload(t *testing.T) {
	d := startDaemon(t, Config{})

	conn := d.dial(t)
	send(t, conn, "abc", "def")
	require.NoError(t, conn.Close())

	entries := d.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, catalog.OutcomePeerClosed, entries[0].Outcome)
	assert.Equal(t, "abcdef", d.read(t, entries[0].Name))

	t.Run("listener still accepts", func(t *testing.T) {
		conn := d.dial(t)
		send(t, conn, "next"+framing.EndSentinel)
		waitClosed(t, conn)
		d.waitEntries(t, 2)
	})
}

func TestSession_concurrentSessionsDoNotInterfere(t *testing.T) {
	d := startDaemon(t, Config{Clock: steppingClock()})

	a := d.dial(t)
	b := d.dial(t)
	send(t, a, framing.StartSentinel)
	send(t, b, framing.StartSentinel)
	for i := 0; i < 3; i++ {
		send(t, a, "aaaa")
		send(t, b, "bbbb")
	}
	send(t, a, framing.EndSentinel)
	send(t, b, framing.EndSentinel)
	waitClosed(t, a)
	waitClosed(t, b)

	entries := d.waitEntries(t, 2)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].Name, entries[1].Name)
	got := map[string]bool{}
	for _, e := range entries {
		got[d.read(t, e.Name)] = true
	}
	assert.Equal(t, map[string]bool{"aaaaaaaaaaaa": true, "bbbbbbbbbbbb": true}, got)
}

func TestSession_sameSecondStartsDoNotShareAFile(t *testing.T) {
	d := startDaemon(t, Config{Clock: constantClock})

	a := d.dial(t)
	b := d.dial(t)
	send(t, a, framing.StartSentinel, "from-a")
	send(t, b, framing.StartSentinel, "from-b")
	send(t, a, framing.EndSentinel)
	send(t, b, framing.EndSentinel)
	waitClosed(t, a)
	waitClosed(t, b)

	entries := d.waitEntries(t, 2)
	contents := map[string]string{}
	for _, e := range entries {
		contents[e.Name] = d.read(t, e.Name)
	}
	assert.Len(t, contents, 2)
	assert.Contains(t, contents, "record-2024-01-15-12-30-45.pcm")
}

func TestSession_spanChunks(t *testing.T) {
	d := startDaemon(t, Config{SpanChunks: true, Clock: constantClock})

	conn := d.dial(t)
	half := len(framing.EndSentinel) / 2
	send(t, conn, framing.StartSentinel+"pay", "load"+framing.EndSentinel[:half], framing.EndSentinel[half:])
	waitClosed(t, conn)

	assert.Equal(t, "payload", d.read(t, "record-2024-01-15-12-30-45.pcm"))
}

func TestSession_readTimeout(t *testing.T) {
	d := startDaemon(t, Config{ReadTimeout: 100 * time.Millisecond})

	conn := d.dial(t)
	send(t, conn, "partial")

	entries := d.waitEntries(t, 1)
	assert.Equal(t, catalog.OutcomeTimeout, entries[0].Outcome)
	assert.Equal(t, "partial", d.read(t, entries[0].Name))
	waitClosed(t, conn)
}

func TestSession_filesystemErrorFailsOnlyThatSession(t *testing.T) {
	d := startDaemon(t, Config{FallbackName: "bad/name.pcm"})

	conn := d.dial(t)
	send(t, conn, "data")
	waitClosed(t, conn)
	assert.Equal(t, 0, d.cat.Len())
	assert.True(t, d.srv.Running.Load())

	conn = d.dial(t)
	send(t, conn, framing.EndSentinel)
	waitClosed(t, conn)
}

func TestSession_serverStopClosesSessions(t *testing.T) {
	d := startDaemon(t, Config{})

	conn := d.dial(t)
	send(t, conn, "in-flight")
	require.Eventually(t, func() bool { return d.dir.Held() == 1 }, time.Second, 10*time.Millisecond)

	d.srv.Stop()

	assert.Equal(t, 0, d.dir.Held())
	entries := d.waitEntries(t, 1)
	assert.Equal(t, catalog.OutcomeShutdown, entries[0].Outcome)
	assert.Equal(t, "in-flight", d.read(t, entries[0].Name))
}

func TestSession_Close_idempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := NewSession(1, server, nil, nil, Config{}, logger.NewNopLogger())
	assert.Equal(t, uint32(1), s.ID())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, DefaultBufferSize, s.cfg.BufferSize)
}
