// Package catalog records finished upload files so operators and downstream
// tooling can discover new recordings without scanning the upload directory.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome describes how the session that produced a file ended.
type Outcome string

const (
	OutcomeEndSentinel Outcome = "end-sentinel"
	OutcomePeerClosed  Outcome = "peer-closed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeShutdown    Outcome = "shutdown"
	OutcomeError       Outcome = "error"
)

// Entry describes one file written by one session.
type Entry struct {
	Name      string    `json:"name"`
	Bytes     int64     `json:"bytes"`
	SessionID uint32    `json:"session_id"`
	Remote    string    `json:"remote"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Outcome   Outcome   `json:"outcome"`
}

// Catalog stores Entries. Implementations must be safe for concurrent use.
type Catalog interface {
	// Record stores e.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - e: The entry to store
	//
	// Returns:
	//   - An error if the entry could not be stored
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, most recently finished first. A
	// limit <= 0 returns everything retained.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - limit: Maximum number of entries to return
	//
	// Returns:
	//   - The entries
	//   - An error if the backend could not be read
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Open builds a Catalog from a backend description: "memory" (or "") for an
// in-process catalog, or a redis:// or rediss:// URL for a shared one.
//
// Parameters:
//   - backend: The backend description
//   - ttl: How long entries are retained
//
// Returns:
//   - The Catalog, or an error for an unknown backend or malformed URL
func Open(backend string, ttl time.Duration) (Catalog, error) {
	switch {
	case backend == "" || backend == "memory":
		return NewMemoryCatalog(ttl), nil
	case strings.HasPrefix(backend, "redis://") || strings.HasPrefix(backend, "rediss://"):
		opts, err := redis.ParseURL(backend)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return NewRedisCatalog(redis.NewClient(opts), DefaultRedisKey, DefaultMaxEntries, ttl), nil
	default:
		return nil, fmt.Errorf("unknown catalog backend %q (expected memory or redis://...)", backend)
	}
}
