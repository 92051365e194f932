package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/activity"
	"claimwatch/internal/capability"
	"claimwatch/internal/config"
	"claimwatch/internal/db"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/lock"
	"claimwatch/internal/migrate"
	"claimwatch/internal/progress"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
	"claimwatch/internal/retry"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine   Engine
	Disp     *queue.Dispatcher
	Clock    *clock
	Notifier *capability.FakeNotifier
	Issues   *capability.FakeIssueMutator
	Source   *capability.FakeActivitySource
}

func newTestEnv(t *testing.T, yml string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg, err := config.FromYAML([]byte(yml))
	require.NoError(t, err)

	c := &clock{now: t0}
	env := testEnv{
		Clock:    c,
		Notifier: &capability.FakeNotifier{},
		Issues:   &capability.FakeIssueMutator{},
		Source:   capability.NewFakeActivitySource(),
	}
	e := New(conn, cfg)
	e.Now = c.Now
	e.Activity = activity.Writer{Now: c.Now}
	e.Queue.Now = c.Now
	e.Locks = lock.Manager{
		Locker: lock.SQLLocker{Repo: e.Repo, Now: c.Now},
		Policy: retry.Policy{Base: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: 40, Max: 20 * time.Millisecond},
		TTL:    30 * time.Second,
	}
	e.Monitor = progress.Monitor{Source: env.Source, Timeout: time.Second, Now: c.Now}
	e.Notifier = env.Notifier
	e.Issues = env.Issues
	env.Engine = e
	env.Disp = &queue.Dispatcher{
		Queue:       e.Queue,
		Handlers:    e.Handlers(),
		Policy:      retry.Policy{Base: time.Minute, Multiplier: 2, MaxAttempts: 5},
		WorkerID:    "test",
		Concurrency: 1,
		Lease:       time.Minute,
		Now:         c.Now,
	}
	return env
}

func comment(id, author, body string) domain.CommentEvent {
	return domain.CommentEvent{EventID: id, Repository: "acme/widgets", IssueNumber: 1, Author: author, Body: body, Timestamp: t0}
}

func (env testEnv) drain(t *testing.T) {
	t.Helper()
	_, err := env.Disp.Drain(context.Background())
	require.NoError(t, err)
}

func (env testEnv) claim(t *testing.T, id int64) domain.Claim {
	t.Helper()
	c, err := env.Engine.Repo.GetClaim(context.Background(), nil, id)
	require.NoError(t, err)
	return c
}

func (env testEnv) activityKinds(t *testing.T, claimID int64) []domain.ActivityKind {
	t.Helper()
	rows, err := env.Engine.Repo.ListActivity(context.Background(), claimID, 0)
	require.NoError(t, err)
	var out []domain.ActivityKind
	for _, r := range rows {
		out = append(out, r.Kind)
	}
	return out
}

func (env testEnv) pending(t *testing.T, kind queue.Kind) []domain.QueueJob {
	t.Helper()
	jobs, err := env.Engine.Repo.ListJobs(context.Background(), repo.JobFilters{Status: string(domain.JobPending), Kind: string(kind)})
	require.NoError(t, err)
	return jobs
}

func TestClaimCreatedAndScheduled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	out, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, out.Kind)
	assert.Equal(t, 95, out.Match.Confidence)

	c := env.claim(t, out.ClaimID)
	assert.Equal(t, domain.ClaimActive, c.State)
	assert.Equal(t, "alice", c.Claimant)
	assert.Equal(t, t0, c.TimerStartedAt)
	assert.Equal(t, "e1", c.SourceEventID)

	issue, err := env.Engine.Repo.GetIssue(ctx, nil, c.IssueID)
	require.NoError(t, err)
	require.NotNil(t, issue.Assignee)
	assert.Equal(t, "alice", *issue.Assignee)

	progressJobs := env.pending(t, queue.KindProgressCheck)
	require.Len(t, progressJobs, 1)
	assert.Equal(t, t0.Add(day), progressJobs[0].ScheduledAt)
	nudgeJobs := env.pending(t, queue.KindNudgeCheck)
	require.Len(t, nudgeJobs, 1)
	assert.Equal(t, t0.Add(7*day), nudgeJobs[0].ScheduledAt)
	assert.Equal(t, []domain.ActivityKind{domain.ActivityDetected}, env.activityKinds(t, c.ID))
}

func TestDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	ev := comment("e1", "alice", "I'll take this")
	_, err := env.Engine.ProcessComment(ctx, ev)
	require.NoError(t, err)
	out, err := env.Engine.ProcessComment(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Kind)

	_, queued, err := env.Engine.SubmitComment(ctx, ev)
	require.NoError(t, err)
	assert.False(t, queued, "applied events are not queued again")
	assert.Len(t, env.pending(t, queue.KindNudgeCheck), 1)
}

func TestReinforceAndConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	first, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)

	out, err := env.Engine.ProcessComment(ctx, comment("e2", "alice", "I'll take this"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReinforced, out.Kind)
	assert.Equal(t, first.ClaimID, out.ClaimID)
	assert.Equal(t, 100, env.claim(t, first.ClaimID).Confidence, "assigned author gets the boost")

	out, err = env.Engine.ProcessComment(ctx, comment("e3", "bob", "I'll take this"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out.Kind)
	assert.Equal(t, first.ClaimID, out.ClaimID)

	claims, err := env.Engine.Repo.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "alice", claims[0].Claim.Claimant)
	assert.Equal(t, []domain.ActivityKind{domain.ActivityDetected, domain.ActivityReinforced, domain.ActivityConflict}, env.activityKinds(t, first.ClaimID))
	assert.Len(t, env.pending(t, queue.KindNudgeCheck), 1)
}

func TestNonActionableComments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "repositories:\n  acme/legacy:\n    monitored: false\n")

	out, err := env.Engine.ProcessComment(ctx, comment("q1", "alice", "Can I work on this?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoClaim, out.Kind)
	assert.True(t, out.Match.IsQuestion)

	ev := comment("l1", "alice", "I'll take this")
	ev.Repository = "acme/legacy"
	out, err = env.Engine.ProcessComment(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)

	out, err = env.Engine.ProcessComment(ctx, comment("p1", "alice", "I submitted a fix, please review"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoClaim, out.Kind, "progress without a claim changes nothing")

	claims, err := env.Engine.Repo.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestMaintainerBoostCrossesThreshold(t *testing.T) {
	env := newTestEnv(t, "defaults:\n  maintainers: [carol]\n")
	out, err := env.Engine.ProcessComment(context.Background(), comment("q1", "carol", "Can I work on this?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out.Kind)
	assert.Equal(t, 80, out.Match.Confidence)
}

func TestInvalidEvent(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.Engine.ProcessComment(context.Background(), comment("", "alice", "I'll take this"))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, queue.ErrBadPayload)

	ev := comment("e1", "alice", "I'll take this")
	ev.Repository = "widgets"
	_, _, err = env.Engine.SubmitComment(context.Background(), ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestProgressCommentResetsTimer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	env.Clock.Advance(3 * day)

	out, err := env.Engine.ProcessComment(ctx, comment("p1", "bob", "I submitted a fix, please review"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoClaim, out.Kind)

	out, err = env.Engine.ProcessComment(ctx, comment("p2", "alice", "I submitted a fix, please review"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProgressRecorded, out.Kind)
	c := env.claim(t, created.ClaimID)
	assert.Equal(t, t0.Add(3*day), c.TimerStartedAt)
	assert.Equal(t, t0.Add(3*day), c.LastProgressAt)

	// the original nudge check now finds the timer reset and moves itself
	env.Clock.Advance(4 * day)
	env.drain(t)
	c = env.claim(t, created.ClaimID)
	assert.Equal(t, domain.ClaimActive, c.State)
	assert.Equal(t, 0, c.NudgeCount)
	nudges := env.pending(t, queue.KindNudgeCheck)
	require.Len(t, nudges, 1)
	assert.Equal(t, t0.Add(10*day), nudges[0].ScheduledAt)
}

func TestFullLifecycleToAutoRelease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	id := created.ClaimID

	env.drain(t)
	assert.Equal(t, domain.ClaimActive, env.claim(t, id).State, "nothing is due yet")

	env.Clock.Advance(7 * day)
	env.drain(t)
	c := env.claim(t, id)
	assert.Equal(t, domain.ClaimNudged, c.State)
	assert.Equal(t, 1, c.NudgeCount)

	env.Clock.Advance(7 * day)
	env.drain(t)
	assert.Equal(t, 2, env.claim(t, id).NudgeCount)

	env.Clock.Advance(7 * day)
	env.drain(t)
	c = env.claim(t, id)
	assert.Equal(t, domain.ClaimReleased, c.State)
	assert.Equal(t, ReasonNoProgress, c.ReleaseReason)
	require.NotNil(t, c.UnassignedAt)
	assert.Equal(t, 2, c.NudgeCount)

	issue, err := env.Engine.Repo.GetIssue(ctx, nil, c.IssueID)
	require.NoError(t, err)
	assert.Nil(t, issue.Assignee)

	assert.Equal(t, []string{"unassign", "comment"}, env.Issues.Ops())
	assert.Equal(t, "alice", env.Issues.Mutations[0].Assignee)
	assert.Contains(t, env.Issues.Mutations[1].Text, "@alice")
	assert.Equal(t, []string{capability.KindNudge, capability.KindNudge, capability.KindAutoRelease, capability.KindMaintainer}, env.Notifier.Kinds())
	assert.Equal(t, "operator", env.Notifier.Sent[3].Recipient)
	assert.Equal(t, []domain.ActivityKind{
		domain.ActivityDetected, domain.ActivityNudged, domain.ActivityNudged, domain.ActivityReleased, domain.ActivityUnassigned,
		domain.ActivityReleaseCommented,
	}, env.activityKinds(t, id))

	// leftover progress checks are no-ops
	env.Clock.Advance(2 * day)
	env.drain(t)
	assert.Equal(t, []string{"unassign", "comment"}, env.Issues.Ops())
}

func TestZeroNudgesReleasesAfterGrace(t *testing.T) {
	env := newTestEnv(t, "defaults:\n  max_nudges: 0\n  grace_period_days: 2\n")
	created, err := env.Engine.ProcessComment(context.Background(), comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	env.Clock.Advance(2 * day)
	env.drain(t)
	assert.Equal(t, domain.ClaimReleased, env.claim(t, created.ClaimID).State)
	assert.NotContains(t, env.Notifier.Kinds(), capability.KindNudge)
}

func TestCommitActivityResetsTimer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)

	env.Clock.Advance(6 * day)
	env.Source.AddCommit("acme/widgets", domain.Commit{SHA: "abc", Author: "alice", CommittedAt: t0.Add(6*day - time.Hour)})
	env.drain(t)
	c := env.claim(t, created.ClaimID)
	assert.Equal(t, t0.Add(6*day), c.TimerStartedAt)
	assert.Contains(t, env.activityKinds(t, c.ID), domain.ActivityProgressReset)

	tracking, err := env.Engine.Repo.GetProgress(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tracking.CommitCount)

	env.Clock.Advance(day)
	env.drain(t)
	c = env.claim(t, created.ClaimID)
	assert.Equal(t, domain.ClaimActive, c.State)
	assert.Equal(t, 0, c.NudgeCount)
}

func TestMergedPRCompletesClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	env.Source.AddPR(domain.IssueRef{Repository: "acme/widgets", Number: 1},
		domain.PRReference{Number: 40, Author: "alice", State: "closed", Merged: true, UpdatedAt: t0.Add(time.Hour)})

	env.Clock.Advance(day)
	env.drain(t)
	c := env.claim(t, created.ClaimID)
	assert.Equal(t, domain.ClaimCompleted, c.State)
	assert.Equal(t, ReasonMergedPR, c.ReleaseReason)
	assert.Empty(t, env.pending(t, queue.KindProgressCheck), "completed claims stop polling")
	assert.Empty(t, env.Issues.Ops())
}

func TestDegradedCheckDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	env.Source.PRErr = fmt.Errorf("github: %w", errs.ErrExternalUnavailable)

	env.Clock.Advance(day)
	env.drain(t)
	assert.Contains(t, env.activityKinds(t, created.ClaimID), domain.ActivityDegradedCheck)
	counts, err := env.Engine.Repo.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["succeeded"])
	assert.Zero(t, counts["dead"])
}

func TestLockTimeoutAsksForRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	env.Engine.Locks.Policy = retry.Policy{Base: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	key := lock.IssueKey(domain.IssueRef{Repository: "acme/widgets", Number: 1})
	_, ok, err := env.Engine.Locks.Locker.TryAcquire(ctx, key, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.True(t, errs.Transient(err))
	assert.Equal(t, OutcomeRetry, out.Kind)
}

func TestConcurrentClaimsCreateOneClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	users := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	outcomes := make([]Outcome, len(users))
	failures := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], failures[i] = env.Engine.ProcessComment(ctx, comment("evt-"+u, u, "I'll take this"))
		}()
	}
	wg.Wait()

	created := 0
	for i, out := range outcomes {
		if failures[i] != nil {
			assert.True(t, errs.Transient(failures[i]), failures[i])
			continue
		}
		switch out.Kind {
		case OutcomeCreated:
			created++
		case OutcomeConflict:
		default:
			t.Fatalf("unexpected outcome %s", out.Kind)
		}
	}
	assert.Equal(t, 1, created)
	claims, err := env.Engine.Repo.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestConcurrentDeliveriesOfOneComment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	const n = 8
	outcomes := make([]Outcome, n)
	failures := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], failures[i] = env.Engine.ProcessComment(ctx, comment("same", "alice", "I'll take this"))
		}()
	}
	wg.Wait()

	created, duplicates := 0, 0
	var claimID int64
	for i, out := range outcomes {
		require.NoError(t, failures[i])
		switch out.Kind {
		case OutcomeCreated:
			created++
			claimID = out.ClaimID
		case OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %s", out.Kind)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, duplicates)

	claims, err := env.Engine.Repo.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, claimID, claims[0].Claim.ID)
	assert.Equal(t, 1, countActivity(env.activityKinds(t, claimID), domain.ActivityDetected))
	assert.Len(t, env.pending(t, queue.KindNudgeCheck), 1)
}

func TestReleaseSideEffectsRunOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "defaults:\n  max_nudges: 0\n  grace_period_days: 2\n")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	id := created.ClaimID

	env.Issues.CommentErrs = []error{fmt.Errorf("github: %w", errs.ErrExternalUnavailable)}
	env.Clock.Advance(2 * day)
	env.drain(t)
	c := env.claim(t, id)
	assert.Equal(t, domain.ClaimReleased, c.State)
	require.NotNil(t, c.UnassignedAt, "unassign is recorded before the comment is tried")
	assert.Nil(t, c.ReleaseCommentedAt)
	assert.Equal(t, []string{"unassign"}, env.Issues.Ops())
	require.Len(t, env.pending(t, queue.KindAutoReleaseCheck), 1)

	// someone else holds the issue lock right after the comment lands
	key := lock.IssueKey(domain.IssueRef{Repository: "acme/widgets", Number: 1})
	env.Issues.AfterComment = func() {
		_, ok, err := env.Engine.Locks.Locker.TryAcquire(ctx, key, "someone-else", 3*time.Hour)
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	env.Clock.Advance(time.Hour)
	env.drain(t)
	c = env.claim(t, id)
	require.NotNil(t, c.ReleaseCommentedAt)
	assert.Equal(t, []string{"unassign", "comment"}, env.Issues.Ops())
	assert.Empty(t, env.pending(t, queue.KindAutoReleaseCheck))

	// a late duplicate of the job finds nothing left to do
	require.NoError(t, env.Engine.HandleAutoReleaseCheck(ctx, domain.QueueJob{
		Kind:    string(queue.KindAutoReleaseCheck),
		Payload: fmt.Sprintf(`{"claim_id":%d}`, id),
	}))
	assert.Equal(t, []string{"unassign", "comment"}, env.Issues.Ops())
	assert.Equal(t, 1, countKind(env.Notifier.Kinds(), capability.KindAutoRelease))
	assert.Equal(t, 1, countKind(env.Notifier.Kinds(), capability.KindMaintainer))

	kinds := env.activityKinds(t, id)
	assert.Equal(t, 1, countActivity(kinds, domain.ActivityUnassigned))
	assert.Equal(t, 1, countActivity(kinds, domain.ActivityReleaseCommented))
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func countActivity(kinds []domain.ActivityKind, kind domain.ActivityKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestOverrideRelease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)

	_, err = env.Engine.Override(ctx, created.ClaimID, domain.ClaimNudged, "root", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	env.Issues.Err = fmt.Errorf("github: %w", errs.ErrExternalUnavailable)
	c, err := env.Engine.Override(ctx, created.ClaimID, domain.ClaimReleased, "root", "inactive")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimReleased, c.State)
	assert.Equal(t, ReasonOverride, c.ReleaseReason)

	env.drain(t)
	jobs := env.pending(t, queue.KindAutoReleaseCheck)
	require.Len(t, jobs, 1, "issue mutation failure retries the job")
	assert.Nil(t, env.claim(t, c.ID).UnassignedAt)

	env.Issues.Err = nil
	env.Clock.Advance(time.Hour)
	env.drain(t)
	require.NotNil(t, env.claim(t, c.ID).UnassignedAt)
	assert.Equal(t, []string{"unassign", "comment"}, env.Issues.Ops())
	assert.Contains(t, env.Issues.Mutations[1].Text, "by a maintainer")

	_, err = env.Engine.Override(ctx, created.ClaimID, domain.ClaimCompleted, "root", "")
	require.ErrorIs(t, err, ErrClaimClosed)
}

func TestOverrideComplete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	c, err := env.Engine.Override(ctx, created.ClaimID, domain.ClaimCompleted, "root", "shipped")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimCompleted, c.State)

	env.Clock.Advance(30 * day)
	env.drain(t)
	assert.Empty(t, env.Issues.Ops())
	assert.Empty(t, env.Notifier.Sent)
}

func TestExtendGrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	created, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)

	_, err = env.Engine.ExtendGrace(ctx, created.ClaimID, 0, "root")
	require.ErrorIs(t, err, errs.ErrInvalidConfiguration)

	env.Clock.Advance(day)
	c, err := env.Engine.ExtendGrace(ctx, created.ClaimID, 14, "root")
	require.NoError(t, err)
	require.NotNil(t, c.GracePeriodDays)

	env.Clock.Advance(6 * day)
	env.drain(t)
	c = env.claim(t, created.ClaimID)
	assert.Equal(t, domain.ClaimActive, c.State)
	nudges := env.pending(t, queue.KindNudgeCheck)
	require.Len(t, nudges, 1)
	assert.Equal(t, t0.Add(15*day), nudges[0].ScheduledAt)
}

func TestSweepRestoresLifecycleJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	_, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)

	n, err := env.Engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = env.Engine.DB.ExecContext(ctx, `DELETE FROM jobs`)
	require.NoError(t, err)
	n, err = env.Engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, env.pending(t, queue.KindNudgeCheck), 1)
}

func TestDeadLetterNotifiesOperator(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	_, _, err := env.Engine.Queue.Enqueue(ctx, nil, queue.Job{Kind: queue.KindDeadLetter, Payload: queue.DeadLetterPayload{JobID: 3, Kind: "nudge_check", Attempts: 5, Error: "boom"}})
	require.NoError(t, err)
	env.drain(t)
	require.Len(t, env.Notifier.Sent, 1)
	sent := env.Notifier.Sent[0]
	assert.Equal(t, capability.KindDeadLetter, sent.Kind)
	assert.Equal(t, "log", sent.Channel)
	assert.Equal(t, "operator", sent.Recipient)
	assert.Equal(t, "boom", sent.Data["error"])
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	_, err := env.Engine.ProcessComment(ctx, comment("e1", "alice", "I'll take this"))
	require.NoError(t, err)
	s, err := env.Engine.Stats(ctx, "", day)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Claims["active"])
	assert.Equal(t, 2, s.Jobs["pending"])
	assert.Equal(t, 1, s.Activity["detected"])
}

func TestRequeueDeadJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	env.Notifier.Err = fmt.Errorf("smtp down")
	id, _, err := env.Engine.Queue.Enqueue(ctx, nil, queue.Job{Kind: queue.KindDeadLetter, Payload: queue.DeadLetterPayload{JobID: 3, Kind: "nudge_check", Attempts: 5, Error: "boom"}})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		env.drain(t)
		env.Clock.Advance(2 * time.Hour)
	}
	job, err := env.Engine.Repo.GetJob(ctx, nil, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobDead, job.Status)

	job, err = env.Engine.RequeueJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)

	env.Notifier.Err = nil
	env.drain(t)
	job, err = env.Engine.Repo.GetJob(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.Status)

	_, err = env.Engine.RequeueJob(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestOwnCommentsAreIgnored(t *testing.T) {
	env := newTestEnv(t, "github:\n  login: claimwatch-bot\n")
	out, err := env.Engine.ProcessComment(context.Background(), comment("b1", "Claimwatch-Bot", "@alice I'll take this off your plate"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)
}
