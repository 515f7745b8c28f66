// Package fileserver serves the upload directory over plain HTTP GET with the
// standard directory listing, so uploaded recordings and reference audio can
// be pulled back by the device.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/genie-upload/logger"
)

// Server is a static file server over Dir. Its lifecycle mirrors
// tcpserver.TCPServer: Start binds and serves in the background, Stop shuts
// down. A serve failure after Start is delivered on Err.
type Server struct {
	Logger   logger.Logger
	Name     string
	Addr     string
	Dir      string
	Listener net.Listener
	Running  atomic.Bool

	httpServer *http.Server
	errs       chan error
}

// Handler returns the http.Handler serving Dir with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.Logger, http.FileServer(http.Dir(s.Dir)))
}

// Start binds Addr and serves in a new goroutine.
//
// Returns:
//   - An error if the server is already running or binding Addr fails
func (s *Server) Start() error {
	if s.Running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.errs = make(chan error, 1)
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "dir", Value: s.Dir})

	errs := s.errs
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error(fmt.Sprintf("%s server stopped unexpectedly", s.Name), logger.Field{Key: "error", Value: err})
			errs <- fmt.Errorf("server %s stopped: %w", s.Name, err)
		}
	}()

	return nil
}

// Err returns a channel that receives the error that made the server stop
// serving on its own. It is nil before Start and never receives after Stop.
func (s *Server) Err() <-chan error {
	return s.errs
}

// ListenAddr returns the bound address, or "" before Start.
func (s *Server) ListenAddr() string {
	if s.Listener == nil {
		return ""
	}

	return s.Listener.Addr().String()
}

// Stop gracefully shuts the server down, waiting for in-flight downloads until
// ctx expires. Stopping a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.Running.CompareAndSwap(true, false) {
		return nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func logRequests(log logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("download request",
			logger.Field{Key: "method", Value: r.Method},
			logger.Field{Key: "path", Value: r.URL.Path},
			logger.Field{Key: "status", Value: rec.status},
			logger.Field{Key: "bytes", Value: rec.bytes},
			logger.Field{Key: "remote", Value: r.RemoteAddr},
			logger.Field{Key: "elapsed_ms", Value: float64(time.Since(start)) / float64(time.Millisecond)})
	})
}
