package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/db"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/migrate"
	"claimwatch/internal/repo"
	"claimwatch/internal/retry"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{Base: time.Millisecond, Multiplier: 1, MaxAttempts: attempts}
}

func newSQLLocker(t *testing.T) SQLLocker {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return SQLLocker{Repo: repo.Repo{DB: conn}}
}

func TestIssueKey(t *testing.T) {
	assert.Equal(t, "issue:acme/widgets#42", IssueKey(domain.IssueRef{Repository: "acme/widgets", Number: 42}))
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	ctx := context.Background()
	m := Manager{Locker: newSQLLocker(t), Policy: fastPolicy(3), TTL: time.Minute}
	held, err := m.Acquire(ctx, "issue:a/b#1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, held.Token)

	_, err = m.Acquire(ctx, "issue:a/b#1", 0)
	require.ErrorIs(t, err, errs.ErrLockTimeout)

	other, err := m.Acquire(ctx, "issue:a/b#2", 0)
	require.NoError(t, err, "different issues do not contend")
	require.NoError(t, m.Release(ctx, other))

	require.NoError(t, m.Release(ctx, held))
	again, err := m.Acquire(ctx, "issue:a/b#1", 0)
	require.NoError(t, err)
	assert.NotEqual(t, held.Token, again.Token)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := newSQLLocker(t)
	locker.Now = func() time.Time { return now }
	m := Manager{Locker: locker, Policy: fastPolicy(1)}

	first, err := m.Acquire(ctx, "issue:a/b#1", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	second, err := m.Acquire(ctx, "issue:a/b#1", time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, first), "stale release is a no-op")
	_, err = m.Acquire(ctx, "issue:a/b#1", time.Second)
	require.ErrorIs(t, err, errs.ErrLockTimeout, "stale release must not free the new holder")
	require.NoError(t, m.Release(ctx, second))
}

func TestWithSerializesCriticalSections(t *testing.T) {
	ctx := context.Background()
	m := Manager{Locker: newSQLLocker(t), Policy: retry.Policy{Base: 2 * time.Millisecond, Multiplier: 1.5, MaxAttempts: 200, Max: 20 * time.Millisecond}, TTL: time.Minute}
	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.With(ctx, "issue:a/b#9", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
	assert.EqualValues(t, 5, done)
}

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, string, time.Duration) (Lock, bool, error) {
	return Lock{}, false, errs.ErrExternalUnavailable
}
func (brokenLocker) Release(context.Context, Lock) error { return nil }

func TestBackendErrorIsNotRetried(t *testing.T) {
	m := Manager{Locker: brokenLocker{}, Policy: fastPolicy(5)}
	_, err := m.Acquire(context.Background(), "k", 0)
	require.ErrorIs(t, err, errs.ErrExternalUnavailable)
	assert.False(t, errors.Is(err, errs.ErrLockTimeout))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("CW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rl := NewRedisLocker(RedisConfig{Addr: addr, Prefix: "cwtest"})
	defer rl.Close()
	require.NoError(t, rl.Ping(ctx))

	m := Manager{Locker: rl, Policy: fastPolicy(2), TTL: 5 * time.Second}
	key := "issue:redis/test#" + time.Now().Format("150405.000000")
	l, err := m.Acquire(ctx, key, 0)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, key, 0)
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	require.NoError(t, m.Release(ctx, Lock{Key: key, Token: "someone-else"}))
	_, err = m.Acquire(ctx, key, 0)
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	require.NoError(t, m.Release(ctx, l))
	l2, err := m.Acquire(ctx, key, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l2))
}
