package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"claimwatch/internal/capability"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
)

var (
	t0    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	issue = domain.Issue{ID: 1, Repository: "acme/widgets", Number: 5}
	claim = domain.Claim{ID: 9, IssueID: 1, Claimant: "alice", LastProgressAt: t0, TimerStartedAt: t0}
)

func monitor(src capability.ActivitySource) Monitor {
	return Monitor{Source: src, Timeout: 50 * time.Millisecond, Now: func() time.Time { return t0.Add(48 * time.Hour) }}
}

func TestNoActivity(t *testing.T) {
	res := monitor(capability.NewFakeActivitySource()).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.False(t, res.HasNewActivity)
	assert.False(t, res.Degraded)
	assert.NotNil(t, res.Tracking.LastCheckedAt)
	assert.Equal(t, claim.ID, res.Tracking.ClaimID)
}

func TestNewPRCountsOnce(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.AddPR(issue.Ref(), domain.PRReference{Number: 12, Author: "Alice", State: "open", UpdatedAt: t0.Add(-time.Hour)})
	src.AddPR(issue.Ref(), domain.PRReference{Number: 13, Author: "mallory", State: "open", UpdatedAt: t0.Add(time.Hour)})
	m := monitor(src)

	res := m.CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.True(t, res.HasNewActivity)
	assert.Equal(t, []int{12}, res.Tracking.PRNumbers)

	res = m.CheckProgress(context.Background(), claim, issue, res.Tracking)
	assert.False(t, res.HasNewActivity, "known PR without updates is not new activity")
}

func TestUpdatedPRCounts(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.AddPR(issue.Ref(), domain.PRReference{Number: 12, Author: "alice", UpdatedAt: t0.Add(time.Hour)})
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{PRNumbers: []int{12}})
	assert.True(t, res.HasNewActivity)
	assert.Contains(t, res.Details, "PR #12 updated")
}

func TestMergedPRCompletes(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.AddPR(issue.Ref(), domain.PRReference{Number: 20, Author: "alice", State: "closed", Merged: true, UpdatedAt: t0.Add(time.Hour)})
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.True(t, res.Completed)
	assert.True(t, res.HasNewActivity)
}

func TestCommitsSinceLastProgress(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.AddCommit("acme/widgets", domain.Commit{SHA: "old", Author: "alice", CommittedAt: t0.Add(-time.Hour)})
	src.AddCommit("acme/widgets", domain.Commit{SHA: "a", Author: "alice", CommittedAt: t0.Add(time.Hour)})
	src.AddCommit("acme/widgets", domain.Commit{SHA: "b", Author: "alice", CommittedAt: t0.Add(3 * time.Hour)})
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{CommitCount: 1})
	assert.True(t, res.HasNewActivity)
	assert.Equal(t, 3, res.Tracking.CommitCount)
	if assert.NotNil(t, res.Tracking.LastCommitAt) {
		assert.Equal(t, t0.Add(3*time.Hour), *res.Tracking.LastCommitAt)
	}
}

func TestSourceFailureDegrades(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.PRErr = errs.ErrExternalUnavailable
	src.AddCommit("acme/widgets", domain.Commit{SHA: "a", Author: "alice", CommittedAt: t0.Add(time.Hour)})
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"prs"}, res.Failed)
	assert.True(t, res.HasNewActivity, "the healthy source still counts")
	assert.True(t, res.Tracking.Degraded)
}

func TestSlowSourceTimesOut(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.Delay = time.Second
	start := time.Now()
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Degraded)
	assert.False(t, res.HasNewActivity)
	assert.ElementsMatch(t, []string{"prs", "commits"}, res.Failed)
}

func TestBothSourcesFail(t *testing.T) {
	src := capability.NewFakeActivitySource()
	src.PRErr = errors.New("boom")
	src.CommitErr = errors.New("boom")
	res := monitor(src).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{})
	assert.True(t, res.Degraded)
	assert.False(t, res.HasNewActivity)
}

func TestMissingSourceDegrades(t *testing.T) {
	res := monitor(nil).CheckProgress(context.Background(), claim, issue, domain.ProgressTracking{PRNumbers: []int{3}})
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"prs", "commits"}, res.Failed)
	assert.Equal(t, []int{3}, res.Tracking.PRNumbers)
}
