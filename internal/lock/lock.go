// Package lock provides mutual exclusion keyed by issue.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/retry"
)

// Lock is a held lease. Token proves ownership on release.
type Lock struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker is one attempt-level backend: it either takes the lock or reports it busy.
type Locker interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, l Lock) error
}

var errBusy = errors.New("lock busy")

// IssueKey is the lock key for one issue.
func IssueKey(ref domain.IssueRef) string {
	return fmt.Sprintf("issue:%s#%d", ref.Repository, ref.Number)
}

type Manager struct {
	Locker Locker
	Policy retry.Policy
	TTL    time.Duration
	Logger *slog.Logger
}

func (m Manager) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if m.TTL > 0 {
		return m.TTL
	}
	return 30 * time.Second
}

// Acquire retries contention under the policy and returns errs.ErrLockTimeout
// once it is exhausted. Backend failures are returned as they are.
func (m Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	var held Lock
	attempts := 0
	err := m.Policy.Do(ctx, func() error {
		attempts++
		l, ok, err := m.Locker.TryAcquire(ctx, key, token, m.ttl(ttl))
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		held = l
		return nil
	})
	switch {
	case err == nil:
		return held, nil
	case errors.Is(err, errBusy):
		if m.Logger != nil {
			m.Logger.Warn("lock: timed out", "key", key, "attempts", attempts)
		}
		return Lock{}, fmt.Errorf("acquire %s after %d attempts: %w", key, attempts, errs.ErrLockTimeout)
	case ctx.Err() != nil:
		return Lock{}, fmt.Errorf("acquire %s: %w", key, errs.ErrLockTimeout)
	default:
		return Lock{}, fmt.Errorf("acquire %s: %w", key, err)
	}
}

func (m Manager) Release(ctx context.Context, l Lock) error {
	return m.Locker.Release(ctx, l)
}

// With runs fn while holding the lock for key. Release errors are logged, not
// returned, because the lease expires on its own.
func (m Manager) With(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx), l); err != nil && m.Logger != nil {
			m.Logger.Warn("lock: release failed", "key", key, "err", err)
		}
	}()
	return fn(ctx)
}
