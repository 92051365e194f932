package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"claimwatch/internal/domain"
)

const claimColumns = `c.id,c.issue_id,c.claimant,c.confidence,c.detected_at,c.state,c.nudge_count,c.last_progress_at,c.timer_started_at,c.grace_period_days,c.source_event_id,c.release_reason,c.unassigned_at,c.release_commented_at,c.updated_at`

func scanClaim(row scanner, extra ...any) (domain.Claim, error) {
	var c domain.Claim
	var detected, lastProgress, timer, updated string
	var grace sql.NullInt64
	var sourceEvent, reason, unassigned, commented sql.NullString
	dest := []any{&c.ID, &c.IssueID, &c.Claimant, &c.Confidence, &detected, &c.State, &c.NudgeCount, &lastProgress, &timer, &grace, &sourceEvent, &reason, &unassigned, &commented, &updated}
	err := row.Scan(append(dest, extra...)...)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if grace.Valid {
		g := int(grace.Int64)
		c.GracePeriodDays = &g
	}
	c.SourceEventID = sourceEvent.String
	c.ReleaseReason = reason.String
	if c.UnassignedAt, err = nullTime(unassigned); err != nil {
		return c, err
	}
	if c.ReleaseCommentedAt, err = nullTime(commented); err != nil {
		return c, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.DetectedAt, detected}, {&c.LastProgressAt, lastProgress}, {&c.TimerStartedAt, timer}, {&c.UpdatedAt, updated}} {
		if *f.dst, err = parseTS(f.src); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO claims(issue_id,claimant,confidence,detected_at,state,nudge_count,last_progress_at,timer_started_at,grace_period_days,source_event_id,release_reason,unassigned_at,release_commented_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.IssueID, c.Claimant, c.Confidence, ts(c.DetectedAt), c.State, c.NudgeCount, ts(c.LastProgressAt), ts(c.TimerStartedAt),
		nullableIntPtr(c.GracePeriodDays), nullable(c.SourceEventID), nullable(c.ReleaseReason), nullableTime(c.UnassignedAt), nullableTime(c.ReleaseCommentedAt), ts(c.UpdatedAt))
	if err != nil {
		return 0, Classify(err)
	}
	return res.LastInsertId()
}

// ReleaseStep names a claims column recording one issue-side release effect.
type ReleaseStep string

const (
	StepUnassigned ReleaseStep = "unassigned_at"
	StepCommented  ReleaseStep = "release_commented_at"
)

// MarkReleaseStep stamps step on a released claim unless it is already set.
// It reports whether this call set it.
func (r Repo) MarkReleaseStep(ctx context.Context, tx *sql.Tx, claimID int64, step ReleaseStep, now time.Time) (bool, error) {
	if step != StepUnassigned && step != StepCommented {
		return false, fmt.Errorf("unknown release step %q", step)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE claims SET `+string(step)+`=?, updated_at=? WHERE id=? AND state='released' AND `+string(step)+` IS NULL`,
		ts(now), ts(now), claimID)
	if err != nil {
		return false, Classify(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateClaim writes every mutable field of c.
func (r Repo) UpdateClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE claims SET confidence=?, state=?, nudge_count=?, last_progress_at=?, timer_started_at=?, grace_period_days=?, release_reason=?, unassigned_at=?, release_commented_at=?, updated_at=? WHERE id=?`,
		c.Confidence, c.State, c.NudgeCount, ts(c.LastProgressAt), ts(c.TimerStartedAt), nullableIntPtr(c.GracePeriodDays),
		nullable(c.ReleaseReason), nullableTime(c.UnassignedAt), nullableTime(c.ReleaseCommentedAt), ts(c.UpdatedAt), c.ID)
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, tx *sql.Tx, id int64) (domain.Claim, error) {
	return scanClaim(r.q(tx).QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.id=?`, id))
}

// OpenClaimForIssue returns the active or nudged claim for the issue.
func (r Repo) OpenClaimForIssue(ctx context.Context, tx *sql.Tx, issueID int64) (domain.Claim, error) {
	return scanClaim(r.q(tx).QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.issue_id=? AND c.state IN ('active','nudged')`, issueID))
}

// LatestClaimForIssue returns the most recent claim in any state.
func (r Repo) LatestClaimForIssue(ctx context.Context, tx *sql.Tx, issueID int64) (domain.Claim, error) {
	return scanClaim(r.q(tx).QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.issue_id=? ORDER BY c.id DESC LIMIT 1`, issueID))
}

type ClaimFilters struct {
	Repository string
	State      string
	Claimant   string
	OpenOnly   bool
	Limit      int
	// CursorID pages backwards: only claims with id < CursorID.
	CursorID int64
}

// ListClaims returns claims joined with their issue, newest first.
func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.ClaimView, error) {
	var clauses []string
	var args []any
	if f.Repository != "" {
		clauses = append(clauses, "i.repository=?")
		args = append(args, f.Repository)
	}
	if f.State != "" {
		clauses = append(clauses, "c.state=?")
		args = append(args, f.State)
	}
	if f.Claimant != "" {
		clauses = append(clauses, "c.claimant=?")
		args = append(args, f.Claimant)
	}
	if f.OpenOnly {
		clauses = append(clauses, "c.state IN ('active','nudged')")
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "c.id<?")
		args = append(args, f.CursorID)
	}
	query := `SELECT ` + claimColumns + `,` + prefixed("i", issueColumns) + ` FROM claims c JOIN issues i ON i.id=c.issue_id` + where(clauses) + ` ORDER BY c.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClaimView
	for rows.Next() {
		view, err := scanClaimView(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, view)
	}
	return res, rows.Err()
}

func scanClaimView(row scanner) (domain.ClaimView, error) {
	var v domain.ClaimView
	var issue issueRow
	c, err := scanClaim(row, issue.dest()...)
	if err != nil {
		return v, err
	}
	v.Claim = c
	v.Issue, err = issue.issue()
	return v, err
}

// issueRow receives issue columns scanned alongside a claim.
type issueRow struct {
	id          int64
	repository  string
	number      int
	assignee    sql.NullString
	lastClaimed sql.NullString
	released    sql.NullString
	created     string
	updated     string
}

func (ir *issueRow) dest() []any {
	return []any{&ir.id, &ir.repository, &ir.number, &ir.assignee, &ir.lastClaimed, &ir.released, &ir.created, &ir.updated}
}

func (ir *issueRow) issue() (domain.Issue, error) {
	i := domain.Issue{ID: ir.id, Repository: ir.repository, Number: ir.number}
	var err error
	if ir.assignee.Valid {
		a := ir.assignee.String
		i.Assignee = &a
	}
	if i.LastClaimedAt, err = nullTime(ir.lastClaimed); err != nil {
		return i, err
	}
	if i.ReleasedAt, err = nullTime(ir.released); err != nil {
		return i, err
	}
	if i.CreatedAt, err = parseTS(ir.created); err != nil {
		return i, err
	}
	i.UpdatedAt, err = parseTS(ir.updated)
	return i, err
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}
