package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
)

// Idempotent reads retry transient failures; writes never do, a
// duplicated effect is worse than an error.
const (
	readAttempts   = 3
	readRetryDelay = 50 * time.Millisecond
)

// isTransientErr reports whether a read is worth retrying: dropped or
// unusable connections, and Postgres failures in the connection,
// concurrency, resource and operator-intervention classes.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}

// withReadRetry runs an idempotent read, retrying transient failures
// with doubling delays. The caller's context bounds the whole sequence.
func withReadRetry(ctx context.Context, op func() error) error {
	delay := readRetryDelay
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = op(); !isTransientErr(err) {
			return err
		}
	}
	return err
}
