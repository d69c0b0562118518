package watermark

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  20 * time.Millisecond,
	maxDelay:   200 * time.Millisecond,
}

// isTransient matches the SQLite errors that busy_timeout does not absorb under WAL contention.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, returns a non-transient error, runs out of attempts or ctx is done.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		err = fn()
		if !isTransient(err) {
			return err
		}
		if attempt == cfg.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return err
}

// backoff is baseDelay * 2^attempt capped at maxDelay, plus up to baseDelay of jitter.
func backoff(cfg retryConfig, attempt int) time.Duration {
	d := cfg.baseDelay << uint(attempt)
	if d > cfg.maxDelay {
		d = cfg.maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
