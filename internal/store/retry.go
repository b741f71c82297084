// ABOUTME: Bounded exponential retry for transient storage errors
// ABOUTME: Busy or locked databases are retried, then reported as ErrUnavailable

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	berrors "go.etcd.io/bbolt/errors"
)

// retrier runs storage operations with bounded exponential backoff.
type retrier struct {
	retries int
	logger  *slog.Logger
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.retries)), ctx),
		func(err error, wait time.Duration) {
			r.logger.Warn("transient storage error, retrying",
				"op", op,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		})
	if err != nil && isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return err
}

// isTransient reports whether err is a lock or busy condition that may
// clear on its own.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, berrors.ErrTimeout) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
