// Package uploadclient pushes a recording to an upload daemon the way a
// device does: start sentinel, raw payload, end sentinel, on one connection.
package uploadclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cyberinferno/genie-upload/framing"
)

// Config holds settings for a Client.
type Config struct {
	// Address is the "host:port" of the upload listener.
	Address string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// WriteTimeout bounds each write; 0 means no timeout.
	WriteTimeout time.Duration
	// ChunkSize is the number of payload bytes sent per write.
	ChunkSize int
	// FramePause is slept after the start sentinel and before the end
	// sentinel. A daemon in chunk mode drops payload that arrives in the same
	// read as the start sentinel, so the pause keeps them in separate reads.
	FramePause time.Duration
}

// DefaultConfig returns a Config with defaults for address: 10s dial and
// write timeouts, 1024-byte chunks and a 200ms frame pause.
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ChunkSize:    1024,
		FramePause:   200 * time.Millisecond,
	}
}

// Client pushes uploads. It holds no connection between pushes and is safe
// for concurrent use.
type Client struct {
	config Config
}

// NewClient returns a Client using config. A non-positive ChunkSize is
// replaced by 1024.
func NewClient(config Config) *Client {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1024
	}

	return &Client{config: config}
}

// Push sends r framed by the sentinels and closes the connection.
//
// Parameters:
//   - ctx: Cancels dialing, the frame pauses and the transfer
//   - r: Payload source; read until EOF
//
// Returns:
//   - Number of payload bytes sent
//   - An error if dialing or writing fails or ctx is cancelled
func (c *Client) Push(ctx context.Context, r io.Reader) (int64, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", c.config.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.write(conn, []byte(framing.StartSentinel)); err != nil {
		return 0, fmt.Errorf("send start sentinel: %w", err)
	}
	if err := pause(ctx, c.config.FramePause); err != nil {
		return 0, err
	}

	sent, err := c.copy(conn, r)
	if err != nil {
		return sent, err
	}

	if err := pause(ctx, c.config.FramePause); err != nil {
		return sent, err
	}
	if err := c.write(conn, []byte(framing.EndSentinel)); err != nil {
		return sent, fmt.Errorf("send end sentinel: %w", err)
	}

	return sent, nil
}

func (c *Client) copy(conn net.Conn, r io.Reader) (int64, error) {
	buf := make([]byte, c.config.ChunkSize)
	var sent int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := c.write(conn, buf[:n]); err != nil {
				return sent, fmt.Errorf("send payload: %w", err)
			}
			sent += int64(n)
		}
		if rerr == io.EOF {
			return sent, nil
		}
		if rerr != nil {
			return sent, fmt.Errorf("read payload: %w", rerr)
		}
	}
}

func (c *Client) write(conn net.Conn, p []byte) error {
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	_, err := conn.Write(p)
	return err
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
