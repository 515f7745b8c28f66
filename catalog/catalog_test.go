package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id uint32, name string, finished time.Time) Entry {
	return Entry{
		Name:      name,
		Bytes:     int64(len(name)),
		SessionID: id,
		Remote:    "127.0.0.1:5000",
		Started:   finished.Add(-time.Second),
		Finished:  finished,
		Outcome:   OutcomeEndSentinel,
	}
}

func TestOpen(t *testing.T) {
	t.Run("memory backends", func(t *testing.T) {
		for _, backend := range []string{"", "memory"} {
			c, err := Open(backend, time.Minute)
			require.NoError(t, err)
			assert.IsType(t, &MemoryCatalog{}, c)
		}
	})

	t.Run("redis url", func(t *testing.T) {
		c, err := Open("redis://localhost:6379/2", time.Minute)
		require.NoError(t, err)
		rc, ok := c.(*RedisCatalog)
		require.True(t, ok)
		assert.Equal(t, DefaultRedisKey, rc.key)
		assert.EqualValues(t, DefaultMaxEntries, rc.maxEntries)
		assert.NoError(t, rc.Close())
	})

	t.Run("malformed redis url", func(t *testing.T) {
		_, err := Open("redis://localhost:6379/notadb", time.Minute)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open("postgres://db", time.Minute)
		assert.Error(t, err)
	})
}

func TestMemoryCatalog(t *testing.T) {
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("recent returns newest first", func(t *testing.T) {
		c := NewMemoryCatalog(time.Minute)
		ctx := context.Background()

		require.NoError(t, c.Record(ctx, entryAt(1, "a.pcm", base)))
		require.NoError(t, c.Record(ctx, entryAt(2, "b.pcm", base.Add(2*time.Second))))
		require.NoError(t, c.Record(ctx, entryAt(3, "c.pcm", base.Add(time.Second))))

		got, err := c.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "b.pcm", got[0].Name)
		assert.Equal(t, "c.pcm", got[1].Name)
		assert.Equal(t, "a.pcm", got[2].Name)
		assert.Equal(t, 3, c.Len())
	})

	t.Run("limit truncates", func(t *testing.T) {
		c := NewMemoryCatalog(0)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, c.Record(ctx, entryAt(uint32(i), "f.pcm", base.Add(time.Duration(i)*time.Second))))
		}

		got, err := c.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint32(4), got[0].SessionID)
	})

	t.Run("same file from two sessions is kept twice", func(t *testing.T) {
		c := NewMemoryCatalog(time.Minute)
		ctx := context.Background()
		require.NoError(t, c.Record(ctx, entryAt(1, "same.pcm", base)))
		require.NoError(t, c.Record(ctx, entryAt(2, "same.pcm", base)))

		got, err := c.Recent(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("entries expire", func(t *testing.T) {
		c := NewMemoryCatalog(50 * time.Millisecond)
		require.NoError(t, c.Record(context.Background(), entryAt(1, "old.pcm", base)))

		time.Sleep(100 * time.Millisecond)
		got, err := c.Recent(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := NewMemoryCatalog(time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, c.Record(ctx, entryAt(1, "x.pcm", base)), context.Canceled)
		_, err := c.Recent(ctx, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisCatalog_unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedisCatalog(client, "test:recent", 0, time.Minute)
	defer c.Close()

	assert.EqualValues(t, DefaultMaxEntries, c.maxEntries)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, c.Record(ctx, Entry{Name: "a.pcm"}))
	_, err := c.Recent(ctx, 10)
	assert.Error(t, err)
}
