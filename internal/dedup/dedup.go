// Package dedup short-circuits re-applies of observations the pipeline has
// already persisted. It is a fast path only: the store's own duplicate
// detection is authoritative, so every operation here fails open.
package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenTTL bounds how long an applied observation is remembered. Anything
// older falls through to the store, which skips it anyway.
const seenTTL = 24 * time.Hour

// Guard remembers (protocol, timestamp) pairs that have already been
// applied so an immediate re-run skips the database round trip.
type Guard struct {
	rdb *redis.Client
}

// New creates a Guard backed by Redis.
func New(redisURL, password string) (*Guard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Guard{rdb: rdb}, nil
}

// Close shuts down the Redis connection.
func (g *Guard) Close() error {
	return g.rdb.Close()
}

// Seen reports whether this exact observation was applied recently.
// Returns false when Redis is unreachable (fail open).
func (g *Guard) Seen(ctx context.Context, protocol string, ts time.Time) bool {
	exists, err := g.rdb.Exists(ctx, key(protocol, ts)).Result()
	return err == nil && exists > 0
}

// Mark records an applied observation.
func (g *Guard) Mark(ctx context.Context, protocol string, ts time.Time) {
	g.rdb.Set(ctx, key(protocol, ts), "1", seenTTL)
}

func key(protocol string, ts time.Time) string {
	return "applied:" + protocol + ":" + strconv.FormatInt(ts.UTC().Unix(), 10)
}
