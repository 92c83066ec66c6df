package source

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, backing off exponentially between
// tries. Only transient errors are retried; a permanent error or a cancelled
// context returns immediately.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	backoff := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}
