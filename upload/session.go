// Package upload implements the per-connection handler of the upload port:
// it reads the raw stream in bounded chunks, feeds the frame decoder and
// reports every file it produced.
package upload

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cyberinferno/genie-upload/catalog"
	"github.com/cyberinferno/genie-upload/framing"
	"github.com/cyberinferno/genie-upload/logger"
	"github.com/cyberinferno/genie-upload/perfmonitor"
	"github.com/cyberinferno/genie-upload/tcpserver"
)

// DefaultBufferSize is the maximum number of bytes taken from the connection
// per read, and therefore the largest chunk the decoder scans at once.
const DefaultBufferSize = 1024

const recordTimeout = 5 * time.Second

// Config holds the per-session settings shared by every connection.
type Config struct {
	// BufferSize bounds a single read. 0 means DefaultBufferSize.
	BufferSize int
	// ReadTimeout closes a session that sends nothing for this long. 0
	// disables the timeout.
	ReadTimeout time.Duration
	// FallbackName is the base name for bytes preceding any start sentinel.
	FallbackName string
	// SpanChunks enables sentinel detection across reads.
	SpanChunks bool
	// Clock names recordings and timestamps catalog entries. Nil means
	// time.Now.
	Clock func() time.Time
}

// Session handles one upload connection.
type Session struct {
	id      uint32
	conn    net.Conn
	files   framing.Opener
	catalog catalog.Catalog
	cfg     Config
	log     logger.Logger
	clock   func() time.Time

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewSessionFunc returns a tcpserver.NewSessionFunc building upload sessions
// that write through files and report to cat.
//
// Parameters:
//   - files: Opener for upload files, usually a *store.Dir
//   - cat: Catalog receiving one entry per written file; nil disables it
//   - cfg: Per-session settings
//   - log: Parent logger; each session adds its id and remote address
//
// Returns:
//   - The session factory
func NewSessionFunc(files framing.Opener, cat catalog.Catalog, cfg Config, log logger.Logger) tcpserver.NewSessionFunc {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	return func(id uint32, conn net.Conn) tcpserver.TCPServerSession {
		return NewSession(id, conn, files, cat, cfg, log)
	}
}

// NewSession builds a session for conn. Most callers use NewSessionFunc.
func NewSession(id uint32, conn net.Conn, files framing.Opener, cat catalog.Catalog, cfg Config, log logger.Logger) *Session {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Session{
		id:      id,
		conn:    conn,
		files:   files,
		catalog: cat,
		cfg:     cfg,
		log: log.With(
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
		clock:  cfg.Clock,
		closed: make(chan struct{}),
	}
}

// ID implements tcpserver.TCPServerSession.
func (s *Session) ID() uint32 {
	return s.id
}

// Close implements tcpserver.TCPServerSession.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

// Handle implements tcpserver.TCPServerSession. It returns after the end
// sentinel, peer close, read timeout, server shutdown or a filesystem error;
// in every case the file handle is released before the connection is closed.
func (s *Session) Handle() {
	sessionsStarted.Inc()
	s.log.Debug("upload session opened")

	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()
	started := s.clock()

	dec := framing.NewDecoder(s.files, framing.Options{
		SessionID:    s.id,
		Started:      started,
		FallbackName: s.cfg.FallbackName,
		SpanChunks:   s.cfg.SpanChunks,
		Clock:        s.clock,
	})

	outcome := s.run(dec)
	if err := dec.Close(); err != nil {
		s.log.Error("failed to finalize upload file", logger.Field{Key: "error", Value: err})
		outcome = catalog.OutcomeError
	}
	_ = s.Close()
	pm.Stop()

	sessionsFinished(outcome).Inc()
	s.report(dec, outcome, started)

	s.log.Info("upload session closed",
		logger.Field{Key: "outcome", Value: string(outcome)},
		logger.Field{Key: "files", Value: len(dec.Files())},
		logger.Field{Key: "bytes", Value: dec.Written()},
		logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
		logger.Field{Key: "bytes_per_second", Value: pm.BytesPerSecond(dec.Written())})
}

func (s *Session) run(dec *framing.Decoder) catalog.Outcome {
	buf := make([]byte, s.cfg.BufferSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			bytesReceived.Add(n)
			res, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				s.log.Error("failed to write upload data",
					logger.Field{Key: "file", Value: dec.Filename()},
					logger.Field{Key: "error", Value: ferr})
				return catalog.OutcomeError
			}
			if res == framing.Terminate {
				s.log.Debug("end sentinel received", logger.Field{Key: "file", Value: dec.Filename()})
				return catalog.OutcomeEndSentinel
			}
		}

		if err != nil {
			return s.readFailure(dec, err)
		}
	}
}

func (s *Session) readFailure(dec *framing.Decoder, err error) catalog.Outcome {
	select {
	case <-s.closed:
		s.log.Warn("upload session closed by server", logger.Field{Key: "file", Value: dec.Filename()})
		return catalog.OutcomeShutdown
	default:
	}

	switch {
	case errors.Is(err, io.EOF):
		s.log.Warn("peer closed before end sentinel, keeping partial upload",
			logger.Field{Key: "file", Value: dec.Filename()},
			logger.Field{Key: "bytes", Value: dec.Written()})
		return catalog.OutcomePeerClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Warn("read timeout, keeping partial upload",
			logger.Field{Key: "file", Value: dec.Filename()},
			logger.Field{Key: "timeout", Value: s.cfg.ReadTimeout.String()})
		return catalog.OutcomeTimeout
	default:
		s.log.Error("connection read error", logger.Field{Key: "error", Value: err})
		return catalog.OutcomeError
	}
}

func (s *Session) report(dec *framing.Decoder, outcome catalog.Outcome, started time.Time) {
	files := dec.Files()
	payloadWritten.Add(int(dec.Written()))
	filesWritten.Add(len(files))
	if s.catalog == nil || len(files) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	finished := s.clock()
	for _, f := range files {
		entry := catalog.Entry{
			Name:      f.Name,
			Bytes:     f.Bytes,
			SessionID: s.id,
			Remote:    s.conn.RemoteAddr().String(),
			Started:   started,
			Finished:  finished,
			Outcome:   outcome,
		}
		if err := s.catalog.Record(ctx, entry); err != nil {
			s.log.Warn("failed to record upload in catalog",
				logger.Field{Key: "file", Value: f.Name},
				logger.Field{Key: "error", Value: err})
		}
	}
}
