package repo

import (
	"context"
	"database/sql"
	"time"

	"claimwatch/internal/domain"
)

// EventSeen reports whether a comment event id was already applied.
func (r Repo) EventSeen(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var n int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_log WHERE event_id=?`, eventID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListActivity returns a claim's audit trail oldest first.
func (r Repo) ListActivity(ctx context.Context, claimID int64, limit int) ([]domain.ActivityLog, error) {
	query := `SELECT id,claim_id,kind,actor,event_id,payload_json,created_at FROM activity_log WHERE claim_id=? ORDER BY id ASC`
	args := []any{claimID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		var a domain.ActivityLog
		var actor, eventID sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.ClaimID, &a.Kind, &actor, &eventID, &a.Payload, &created); err != nil {
			return nil, err
		}
		a.Actor = actor.String
		a.EventID = eventID.String
		if a.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActivitySince groups audit rows by kind, for the stats command.
func (r Repo) CountActivitySince(ctx context.Context, since time.Time) (map[string]int, error) {
	return r.countBy(ctx, `SELECT kind, COUNT(*) FROM activity_log WHERE created_at>=? GROUP BY kind`, ts(since))
}

// ClaimView loads a claim with its issue, activity and progress record.
func (r Repo) ClaimView(ctx context.Context, claimID int64) (domain.ClaimView, error) {
	view, err := scanClaimView(r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+`,`+prefixed("i", issueColumns)+` FROM claims c JOIN issues i ON i.id=c.issue_id WHERE c.id=?`, claimID))
	if err != nil {
		return view, err
	}
	if view.Activity, err = r.ListActivity(ctx, claimID, 0); err != nil {
		return view, err
	}
	p, err := r.GetProgress(ctx, nil, claimID)
	switch {
	case err == nil:
		view.Progress = &p
	case err != ErrNotFound:
		return view, err
	}
	return view, nil
}
