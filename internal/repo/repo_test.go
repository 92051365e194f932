package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/db"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/migrate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestEnsureIssueIsStable(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	a, err := r.EnsureIssue(ctx, nil, "acme/widgets", 7, t0)
	require.NoError(t, err)
	b, err := r.EnsureIssue(ctx, nil, "acme/widgets", 7, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, t0, b.CreatedAt)
	assert.Nil(t, b.Assignee)

	require.NoError(t, r.AssignIssue(ctx, nil, a.ID, "alice", t0))
	got, err := r.GetIssue(ctx, nil, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Assignee)
	assert.Equal(t, "alice", *got.Assignee)

	require.NoError(t, r.ClearIssueAssignee(ctx, nil, a.ID, t0.Add(time.Hour)))
	got, err = r.GetIssue(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Assignee)
	require.NotNil(t, got.ReleasedAt)
}

func TestOneOpenClaimPerIssue(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	issue, err := r.EnsureIssue(ctx, nil, "acme/widgets", 1, t0)
	require.NoError(t, err)
	c := domain.Claim{IssueID: issue.ID, Claimant: "alice", Confidence: 95, DetectedAt: t0, State: domain.ClaimActive,
		LastProgressAt: t0, TimerStartedAt: t0, UpdatedAt: t0, SourceEventID: "evt-1"}
	id, err := r.InsertClaim(ctx, nil, c)
	require.NoError(t, err)

	c.Claimant = "bob"
	_, err = r.InsertClaim(ctx, nil, c)
	require.ErrorIs(t, err, errs.ErrTransactionConflict)

	open, err := r.OpenClaimForIssue(ctx, nil, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, "alice", open.Claimant)
	assert.Equal(t, "evt-1", open.SourceEventID)

	open.State = domain.ClaimReleased
	open.ReleaseReason = "manual"
	require.NoError(t, r.UpdateClaim(ctx, nil, open))
	_, err = r.OpenClaimForIssue(ctx, nil, issue.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.InsertClaim(ctx, nil, c)
	require.NoError(t, err, "a new claim is allowed once the previous one is terminal")

	views, err := r.ListClaims(ctx, ClaimFilters{Repository: "acme/widgets"})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "bob", views[0].Claim.Claimant)
	assert.Equal(t, 1, views[0].Issue.Number)
}

func TestInsertJobDedup(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	job := domain.QueueJob{Kind: "nudge_check", MaxAttempts: 3, ScheduledAt: t0, DedupKey: "nudge:1", CreatedAt: t0, UpdatedAt: t0}
	id, inserted, err := r.InsertJob(ctx, nil, job)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = r.InsertJob(ctx, nil, job)
	require.NoError(t, err)
	assert.False(t, inserted)

	jobs, err := r.ClaimDueJobs(ctx, "w1", t0, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, domain.JobRunning, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)

	require.NoError(t, r.CompleteJob(ctx, id, t0))
	_, inserted, err = r.InsertJob(ctx, nil, job)
	require.NoError(t, err)
	assert.True(t, inserted, "dedup only spans pending and running jobs")
}

func TestClaimDueJobsRespectsSchedule(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	_, _, err := r.InsertJob(ctx, nil, domain.QueueJob{Kind: "progress_check", MaxAttempts: 3, ScheduledAt: t0.Add(time.Hour), CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	jobs, err := r.ClaimDueJobs(ctx, "w1", t0, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = r.ClaimDueJobs(ctx, "w1", t0.Add(2*time.Hour), t0.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	again, err := r.ClaimDueJobs(ctx, "w2", t0.Add(2*time.Hour), t0.Add(3*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRequeueExpiredAndCleanup(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	id, _, err := r.InsertJob(ctx, nil, domain.QueueJob{Kind: "nudge_check", MaxAttempts: 3, ScheduledAt: t0, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	_, err = r.ClaimDueJobs(ctx, "w1", t0, t0.Add(time.Minute), 10)
	require.NoError(t, err)

	n, err := r.RequeueExpiredJobs(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = r.RequeueExpiredJobs(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	j, err := r.GetJob(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)

	_, err = r.ClaimDueJobs(ctx, "w1", t0.Add(3*time.Minute), t0.Add(4*time.Minute), 10)
	require.NoError(t, err)
	require.NoError(t, r.CompleteJob(ctx, id, t0.Add(3*time.Minute)))
	n, err = r.DeleteSucceededJobs(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRequeueDeadJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	id, _, err := r.InsertJob(ctx, nil, domain.QueueJob{Kind: "nudge_check", MaxAttempts: 1, ScheduledAt: t0, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	err = r.RequeueJob(ctx, id, t0)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = r.ClaimDueJobs(ctx, "w1", t0, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.KillJob(ctx, tx, id, "boom", t0))
	require.NoError(t, tx.Commit())

	require.NoError(t, r.RequeueJob(ctx, id, t0.Add(time.Hour)))
	j, err := r.GetJob(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, "boom", j.LastError)
}

func TestIssueLockLease(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	ok, err := r.TryIssueLock(ctx, "issue:acme/widgets#1", "tok-a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryIssueLock(ctx, "issue:acme/widgets#1", "tok-b", t0.Add(time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := r.ReleaseIssueLock(ctx, "issue:acme/widgets#1", "tok-b")
	require.NoError(t, err)
	assert.False(t, released, "a non-owner cannot release")

	ok, err = r.TryIssueLock(ctx, "issue:acme/widgets#1", "tok-b", t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	released, err = r.ReleaseIssueLock(ctx, "issue:acme/widgets#1", "tok-b")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestProgressRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	issue, err := r.EnsureIssue(ctx, nil, "acme/widgets", 2, t0)
	require.NoError(t, err)
	cid, err := r.InsertClaim(ctx, nil, domain.Claim{IssueID: issue.ID, Claimant: "alice", Confidence: 90, DetectedAt: t0,
		State: domain.ClaimActive, LastProgressAt: t0, TimerStartedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)

	_, err = r.GetProgress(ctx, nil, cid)
	require.ErrorIs(t, err, ErrNotFound)

	checked := t0.Add(time.Hour)
	require.NoError(t, r.UpsertProgress(ctx, nil, domain.ProgressTracking{ClaimID: cid, PRNumbers: []int{12}, CommitCount: 3, LastCheckedAt: &checked, UpdatedAt: checked}))
	p, err := r.GetProgress(ctx, nil, cid)
	require.NoError(t, err)
	assert.Equal(t, []int{12}, p.PRNumbers)
	assert.Equal(t, 3, p.CommitCount)
	assert.True(t, p.HasPR(12))
	assert.False(t, p.Degraded)
}
