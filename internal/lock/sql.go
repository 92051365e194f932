package lock

import (
	"context"
	"time"

	"claimwatch/internal/repo"
)

// SQLLocker keeps leases in the issue_locks table. Suitable when every worker
// shares one database file.
type SQLLocker struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQLLocker) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (Lock, bool, error) {
	now := s.now()
	expires := now.Add(ttl)
	ok, err := s.Repo.TryIssueLock(ctx, key, token, now, expires)
	if err != nil || !ok {
		return Lock{}, false, err
	}
	return Lock{Key: key, Token: token, ExpiresAt: expires}, true, nil
}

func (s SQLLocker) Release(ctx context.Context, l Lock) error {
	_, err := s.Repo.ReleaseIssueLock(ctx, l.Key, l.Token)
	return err
}
