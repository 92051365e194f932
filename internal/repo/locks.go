package repo

import (
	"context"
	"time"
)

// TryIssueLock takes the named lock for token unless another holder's lease
// is still live. Expired leases are stolen in the same statement.
func (r Repo) TryIssueLock(ctx context.Context, key, token string, now, expiresAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO issue_locks(key,token,expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET token=excluded.token, expires_at=excluded.expires_at WHERE issue_locks.expires_at<=?`,
		key, token, ts(expiresAt), ts(now))
	if err != nil {
		return false, Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseIssueLock deletes the lock only if token still owns it.
func (r Repo) ReleaseIssueLock(ctx context.Context, key, token string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM issue_locks WHERE key=? AND token=?`, key, token)
	if err != nil {
		return false, Classify(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
