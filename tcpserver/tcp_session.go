package tcpserver

// TCPServerSession is implemented by the per-connection handler. The server
// creates one session per accepted connection and runs Handle in its own
// goroutine; the session owns the connection exclusively until Handle returns.
type TCPServerSession interface {
	// ID returns the identifier assigned by the server.
	ID() uint32

	// Handle runs the session until the peer finishes, the connection fails,
	// or Close is called. It must release every resource it acquired before
	// returning.
	Handle()

	// Close interrupts Handle by closing the connection. It is called by the
	// server on Stop and must be safe to call more than once and concurrently
	// with Handle.
	//
	// Returns:
	//   - An error if closing the connection failed
	Close() error
}
