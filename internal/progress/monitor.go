// Package progress correlates pull request and commit activity with claims.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"claimwatch/internal/capability"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/telemetry"
)

type Result struct {
	HasNewActivity bool     `json:"has_new_activity"`
	Completed      bool     `json:"completed"`
	Degraded       bool     `json:"degraded"`
	Details        []string `json:"details,omitempty"`
	// Sources that failed, e.g. "prs" or "commits".
	Failed []string `json:"failed,omitempty"`
	// Tracking is the updated per-claim record to persist.
	Tracking domain.ProgressTracking `json:"tracking"`
}

// Monitor queries the activity source. Timeout bounds each source call and
// must stay below the issue lock TTL.
type Monitor struct {
	Source  capability.ActivitySource
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Monitor) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return 10 * time.Second
}

// CheckProgress never returns an error: a failing source degrades the
// result to "no activity from that source".
func (m Monitor) CheckProgress(ctx context.Context, claim domain.Claim, issue domain.Issue, prev domain.ProgressTracking) Result {
	var (
		prs              []domain.PRReference
		commits          []domain.Commit
		prErr, commitErr error
	)
	src := m.Source
	if src == nil {
		src = offline{}
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, m.timeout())
		defer cancel()
		prs, prErr = src.FindPRReferences(cctx, issue.Ref())
		return nil
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, m.timeout())
		defer cancel()
		commits, commitErr = src.FindUserCommits(cctx, issue.Repository, claim.Claimant, claim.LastProgressAt)
		return nil
	})
	_ = g.Wait()

	now := m.now()
	res := Result{Tracking: prev}
	res.Tracking.PRNumbers = append([]int(nil), prev.PRNumbers...)
	res.Tracking.ClaimID = claim.ID
	res.Tracking.LastCheckedAt = &now
	res.Tracking.UpdatedAt = now

	if prErr != nil {
		res.Failed = append(res.Failed, "prs")
		m.degraded(ctx, claim, "prs", prErr)
	} else {
		for _, pr := range prs {
			if !strings.EqualFold(pr.Author, claim.Claimant) {
				continue
			}
			if pr.Merged {
				res.Completed = true
				res.Details = append(res.Details, fmt.Sprintf("PR #%d merged", pr.Number))
			}
			switch {
			case !prev.HasPR(pr.Number):
				res.HasNewActivity = true
				res.Details = append(res.Details, fmt.Sprintf("new PR #%d", pr.Number))
				res.Tracking.PRNumbers = append(res.Tracking.PRNumbers, pr.Number)
			case pr.UpdatedAt.After(claim.LastProgressAt):
				res.HasNewActivity = true
				res.Details = append(res.Details, fmt.Sprintf("PR #%d updated", pr.Number))
			}
		}
		sort.Ints(res.Tracking.PRNumbers)
	}

	if commitErr != nil {
		res.Failed = append(res.Failed, "commits")
		m.degraded(ctx, claim, "commits", commitErr)
	} else if len(commits) > 0 {
		res.HasNewActivity = true
		res.Details = append(res.Details, fmt.Sprintf("%d new commits", len(commits)))
		res.Tracking.CommitCount += len(commits)
		latest := commits[0].CommittedAt
		for _, c := range commits[1:] {
			if c.CommittedAt.After(latest) {
				latest = c.CommittedAt
			}
		}
		res.Tracking.LastCommitAt = &latest
	}

	res.Degraded = len(res.Failed) > 0
	res.Tracking.Degraded = res.Degraded
	if res.Completed {
		res.HasNewActivity = true
	}
	return res
}

func (m Monitor) degraded(ctx context.Context, claim domain.Claim, source string, err error) {
	if m.Logger != nil {
		m.Logger.Warn("progress: degraded check", "claim_id", claim.ID, "source", source, "err", err)
	}
	m.Metrics.DegradedCheck(ctx, source)
}

// offline stands in when no activity source is configured.
type offline struct{}

func (offline) FindPRReferences(context.Context, domain.IssueRef) ([]domain.PRReference, error) {
	return nil, fmt.Errorf("no activity source: %w", errs.ErrExternalUnavailable)
}

func (offline) FindUserCommits(context.Context, string, string, time.Time) ([]domain.Commit, error) {
	return nil, fmt.Errorf("no activity source: %w", errs.ErrExternalUnavailable)
}
