package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/inkhorn/docmd/internal/adapter/observability"
	"github.com/inkhorn/docmd/internal/domain"
)

// Write retry budget: 5 attempts with deterministic 100/200/400/800/1600 ms
// spacing. Only busy/locked contention is retried; every other error class
// surfaces unchanged on the first attempt.
const (
	writeAttempts        = 5
	writeInitialInterval = 100 * time.Millisecond
	writeMaxInterval     = 1600 * time.Millisecond
)

func isBusyErr(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withWriteRetry serializes a write through the bounded retry wrapper.
// Exhausting the budget is reported as ErrOperationBusy tagged with op.
func (s *Store) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = writeInitialInterval
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = writeMaxInterval
	expo.MaxElapsedTime = 0

	bo := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), writeAttempts-1)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !s.busy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, next time.Duration) {
		observability.StoreBusyRetriesTotal.WithLabelValues(op).Inc()
		slog.Debug("store busy, retrying write",
			slog.String("op", op),
			slog.Duration("next", next),
			slog.Any("error", err))
	})
	if err == nil {
		return nil
	}
	if s.busy(err) {
		observability.StoreBusyExhaustedTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("op=%s: %w", op, domain.ErrOperationBusy)
	}
	return err
}
