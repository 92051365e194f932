package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errs.ErrNotFound

// TimeLayout is fixed-width so stored timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// q picks the open transaction when there is one. With a single pooled
// connection, reading through r.DB while tx is open would block forever.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Classify maps SQLite busy and constraint failures to ErrTransactionConflict
// so callers retry the whole operation.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", errs.ErrTransactionConflict, err)
		}
	}
	return err
}

func ts(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const issueColumns = `id,repository,number,assignee,last_claimed_at,released_at,created_at,updated_at`

func scanIssue(row scanner) (domain.Issue, error) {
	var ir issueRow
	err := row.Scan(ir.dest()...)
	if err == sql.ErrNoRows {
		return domain.Issue{}, ErrNotFound
	}
	if err != nil {
		return domain.Issue{}, err
	}
	return ir.issue()
}

// EnsureIssue returns the issue row, creating it on first sight.
func (r Repo) EnsureIssue(ctx context.Context, tx *sql.Tx, repository string, number int, now time.Time) (domain.Issue, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO issues(repository,number,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(repository,number) DO NOTHING`, repository, number, ts(now), ts(now)); err != nil {
		return domain.Issue{}, Classify(err)
	}
	return r.FindIssue(ctx, tx, repository, number)
}

func (r Repo) FindIssue(ctx context.Context, tx *sql.Tx, repository string, number int) (domain.Issue, error) {
	return scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE repository=? AND number=?`, repository, number))
}

func (r Repo) GetIssue(ctx context.Context, tx *sql.Tx, id int64) (domain.Issue, error) {
	return scanIssue(r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// AssignIssue records the claimant as assignee and stamps last_claimed_at.
func (r Repo) AssignIssue(ctx context.Context, tx *sql.Tx, issueID int64, assignee string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET assignee=?, last_claimed_at=?, updated_at=? WHERE id=?`,
		assignee, ts(now), ts(now), issueID)
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearIssueAssignee clears the assignee and stamps released_at.
func (r Repo) ClearIssueAssignee(ctx context.Context, tx *sql.Tx, issueID int64, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET assignee=NULL, released_at=?, updated_at=? WHERE id=?`,
		ts(now), ts(now), issueID)
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountClaimsByState feeds the stats command.
func (r Repo) CountClaimsByState(ctx context.Context, repository string) (map[string]int, error) {
	query := `SELECT c.state, COUNT(*) FROM claims c JOIN issues i ON i.id=c.issue_id`
	var args []any
	if repository != "" {
		query += ` WHERE i.repository=?`
		args = append(args, repository)
	}
	query += ` GROUP BY c.state`
	return r.countBy(ctx, query, args...)
}

func (r Repo) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		res[key] = n
	}
	return res, rows.Err()
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}
