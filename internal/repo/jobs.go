package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"claimwatch/internal/domain"
)

const jobColumns = `id,kind,payload_json,priority,attempts,max_attempts,scheduled_at,status,dedup_key,last_error,locked_by,created_at,updated_at`

func scanJob(row scanner) (domain.QueueJob, error) {
	var j domain.QueueJob
	var scheduled, created, updated string
	var dedup, lastErr, lockedBy sql.NullString
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &scheduled, &j.Status, &dedup, &lastErr, &lockedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DedupKey = dedup.String
	j.LastError = lastErr.String
	j.LockedBy = lockedBy.String
	if j.ScheduledAt, err = parseTS(scheduled); err != nil {
		return j, err
	}
	if j.CreatedAt, err = parseTS(created); err != nil {
		return j, err
	}
	j.UpdatedAt, err = parseTS(updated)
	return j, err
}

// InsertJob enqueues j. When a pending or running job already holds the same
// dedup key nothing is written and inserted is false.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.QueueJob) (id int64, inserted bool, err error) {
	if j.Payload == "" {
		j.Payload = "{}"
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO jobs(kind,payload_json,priority,attempts,max_attempts,scheduled_at,status,dedup_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('pending','running') DO NOTHING`,
		j.Kind, j.Payload, j.Priority, j.Attempts, j.MaxAttempts, ts(j.ScheduledAt), j.Status, nullable(j.DedupKey), ts(j.CreatedAt), ts(j.UpdatedAt))
	if err != nil {
		return 0, false, Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err = res.LastInsertId()
	return id, true, err
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id int64) (domain.QueueJob, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// ClaimDueJobs moves up to limit due pending jobs to running under workerID
// with a visibility lease. Each row is flipped with a compare-and-set so two
// dispatchers never run the same job.
func (r Repo) ClaimDueJobs(ctx context.Context, workerID string, now, leaseUntil time.Time, limit int) ([]domain.QueueJob, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status='pending' AND scheduled_at<=? ORDER BY priority DESC, scheduled_at ASC, id ASC LIMIT ?`, ts(now), limit)
	if err != nil {
		return nil, Classify(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.QueueJob
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='running', attempts=attempts+1, locked_by=?, locked_until=?, updated_at=? WHERE id=? AND status='pending'`,
			workerID, ts(leaseUntil), ts(now), id)
		if err != nil {
			return nil, Classify(err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		j, err := r.GetJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, Classify(err)
	}
	return claimed, nil
}

// CompleteJob marks a running job succeeded.
func (r Repo) CompleteJob(ctx context.Context, id int64, now time.Time) error {
	return r.finishJob(ctx, nil, id, domain.JobSucceeded, "", now, nil)
}

// RescheduleJob returns a running job to pending at the given time.
func (r Repo) RescheduleJob(ctx context.Context, id int64, at time.Time, lastErr string, now time.Time) error {
	return r.finishJob(ctx, nil, id, domain.JobPending, lastErr, now, &at)
}

// KillJob marks a job dead. It runs inside tx so the dead-letter job lands atomically.
func (r Repo) KillJob(ctx context.Context, tx *sql.Tx, id int64, lastErr string, now time.Time) error {
	return r.finishJob(ctx, tx, id, domain.JobDead, lastErr, now, nil)
}

func (r Repo) finishJob(ctx context.Context, tx *sql.Tx, id int64, status domain.JobStatus, lastErr string, now time.Time, scheduledAt *time.Time) error {
	query := `UPDATE jobs SET status=?, last_error=?, locked_by=NULL, locked_until=NULL, updated_at=?`
	args := []any{status, nullable(lastErr), ts(now)}
	if scheduledAt != nil {
		query += `, scheduled_at=?`
		args = append(args, ts(*scheduledAt))
	}
	query += ` WHERE id=? AND status='running'`
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d is not running: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueExpiredJobs returns running jobs whose lease lapsed to pending.
func (r Repo) RequeueExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', locked_by=NULL, locked_until=NULL, last_error='lease expired', updated_at=?
WHERE status='running' AND locked_until IS NOT NULL AND locked_until<?`, ts(now), ts(now))
	if err != nil {
		return 0, Classify(err)
	}
	return res.RowsAffected()
}

// DeleteSucceededJobs removes succeeded jobs last touched before cutoff.
func (r Repo) DeleteSucceededJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE status='succeeded' AND updated_at<?`, ts(cutoff))
	if err != nil {
		return 0, Classify(err)
	}
	return res.RowsAffected()
}

// RequeueJob puts a dead or failed job back in the queue with a fresh attempt budget.
func (r Repo) RequeueJob(ctx context.Context, id int64, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', attempts=0, scheduled_at=?, locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND status IN ('dead','failed')`,
		ts(now), ts(now), id)
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d is not dead: %w", id, ErrNotFound)
	}
	return nil
}

type JobFilters struct {
	Status string
	Kind   string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.QueueJob, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where(clauses) + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// PendingJobExists reports whether a pending or running job holds dedupKey.
func (r Repo) PendingJobExists(ctx context.Context, tx *sql.Tx, dedupKey string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE dedup_key=? AND status IN ('pending','running')`, dedupKey).Scan(&n)
	return n > 0, err
}

func (r Repo) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
}

// HandOffDedupKey clears the dedup key of a running job so the job can
// schedule its own successor under the same key.
func (r Repo) HandOffDedupKey(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET dedup_key=NULL WHERE id=? AND status='running'`, id)
	return Classify(err)
}
