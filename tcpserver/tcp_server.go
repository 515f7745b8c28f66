// Package tcpserver runs a TCP accept loop that fans each connection out to
// its own session goroutine. A failing or panicking session never affects the
// accept loop or any other session.
package tcpserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/genie-upload/logger"
	"github.com/cyberinferno/genie-upload/safemap"
)

// NewSessionFunc creates the session that will handle conn. id is unique for
// the lifetime of the server.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// TCPServer accepts connections on Addr and hands each to a session built by
// NewSession. Live sessions are tracked in Sessions until their Handle returns.
//
// Sessions and IdGenerator are created by Start when nil. MaxSessions bounds
// the number of concurrently handled connections; 0 means unbounded. When the
// bound is reached the accept loop waits for a session to finish.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	MaxSessions int
	Listener    net.Listener
	Sessions    *safemap.SafeMap[uint32, TCPServerSession]
	Running     atomic.Bool
	NewSession  NewSessionFunc
	IdGenerator *IdGenerator

	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// Start binds Addr and runs the accept loop in a new goroutine.
//
// Returns:
//   - An error if the server is already running or binding Addr fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	if s.Sessions == nil {
		s.Sessions = safemap.NewSafeMap[uint32, TCPServerSession]()
	}
	if s.IdGenerator == nil {
		s.IdGenerator = NewIdGenerator(0)
	}
	s.slots = nil
	if s.MaxSessions > 0 {
		s.slots = make(chan struct{}, s.MaxSessions)
	}

	s.Listener = ln
	s.done = make(chan struct{})
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "max_sessions", Value: s.MaxSessions})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.AcceptLoop()
	}()

	return nil
}

// ListenAddr returns the bound address, which differs from Addr when Addr
// asks for an ephemeral port. It returns "" before Start.
func (s *TCPServer) ListenAddr() string {
	if s.Listener == nil {
		return ""
	}

	return s.Listener.Addr().String()
}

// Stop closes the listener, closes every live session and waits for the
// accept loop and all session handlers to return. Calling Stop on a stopped server only logs.
func (s *TCPServer) Stop() {
	if !s.Running.CompareAndSwap(true, false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	close(s.done)
	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	s.Sessions.Range(func(key uint32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// AddSession stores session under id.
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession forgets the session stored under id.
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// SessionCount returns the number of sessions currently being handled, or 0
// before Start.
func (s *TCPServer) SessionCount() int {
	if s.Sessions == nil {
		return 0
	}

	return s.Sessions.Len()
}

// AcceptLoop accepts connections until Stop is called. It never waits for a
// session to finish except to respect MaxSessions.
func (s *TCPServer) AcceptLoop() {
	for s.Running.Load() {
		if !s.acquireSlot() {
			return
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			s.releaseSlot()
			if !s.Running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		id := s.IdGenerator.Id()
		session := s.NewSession(id, conn)
		s.wg.Add(1)
		s.AddSession(id, session)
		if !s.Running.Load() {
			// Stop may have ranged over Sessions before this one was stored.
			_ = session.Close()
		}

		go s.serve(session)
	}
}

func (s *TCPServer) serve(session TCPServerSession) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer s.RemoveSession(session.ID())
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error(fmt.Sprintf("%s session panicked", s.Name),
				logger.Field{Key: "session", Value: session.ID()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			_ = session.Close()
		}
	}()

	session.Handle()
}

func (s *TCPServer) acquireSlot() bool {
	if s.slots == nil {
		return true
	}

	select {
	case s.slots <- struct{}{}:
		return true
	case <-s.done:
		return false
	}
}

func (s *TCPServer) releaseSlot() {
	if s.slots == nil {
		return
	}

	<-s.slots
}
