package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"claimwatch/internal/domain"
)

func (r Repo) GetProgress(ctx context.Context, tx *sql.Tx, claimID int64) (domain.ProgressTracking, error) {
	var p domain.ProgressTracking
	var prs string
	var lastCommit, lastChecked sql.NullString
	var degraded int
	var updated string
	err := r.q(tx).QueryRowContext(ctx, `SELECT claim_id,pr_numbers_json,commit_count,last_commit_at,last_checked_at,degraded,updated_at FROM progress_tracking WHERE claim_id=?`, claimID).
		Scan(&p.ClaimID, &prs, &p.CommitCount, &lastCommit, &lastChecked, &degraded, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(prs), &p.PRNumbers); err != nil {
		return p, fmt.Errorf("decode pr numbers: %w", err)
	}
	p.Degraded = degraded != 0
	if p.LastCommitAt, err = nullTime(lastCommit); err != nil {
		return p, err
	}
	if p.LastCheckedAt, err = nullTime(lastChecked); err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTS(updated)
	return p, err
}

func (r Repo) UpsertProgress(ctx context.Context, tx *sql.Tx, p domain.ProgressTracking) error {
	if p.PRNumbers == nil {
		p.PRNumbers = []int{}
	}
	prs, err := json.Marshal(p.PRNumbers)
	if err != nil {
		return err
	}
	degraded := 0
	if p.Degraded {
		degraded = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO progress_tracking(claim_id,pr_numbers_json,commit_count,last_commit_at,last_checked_at,degraded,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(claim_id) DO UPDATE SET pr_numbers_json=excluded.pr_numbers_json, commit_count=excluded.commit_count, last_commit_at=excluded.last_commit_at,
last_checked_at=excluded.last_checked_at, degraded=excluded.degraded, updated_at=excluded.updated_at`,
		p.ClaimID, string(prs), p.CommitCount, nullableTime(p.LastCommitAt), nullableTime(p.LastCheckedAt), degraded, ts(p.UpdatedAt))
	return Classify(err)
}
