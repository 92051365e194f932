package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"claimwatch/internal/activity"
	"claimwatch/internal/capability"
	"claimwatch/internal/config"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/progress"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
)

// Release reasons recorded on the claim.
const (
	ReasonNoProgress = "no_progress"
	ReasonMergedPR   = "merged_pr"
	ReasonOverride   = "override"
)

// lifecycleStep is what the locked part of a check decided.
type lifecycleStep string

const (
	stepNone      lifecycleStep = "none"
	stepReset     lifecycleStep = "reset"
	stepCompleted lifecycleStep = "completed"
	stepNudged    lifecycleStep = "nudged"
	stepRelease   lifecycleStep = "release"
)

// claimJob loads the claim a lifecycle job points at. ok is false when the
// job is stale: the claim is gone or already closed.
func (e Engine) claimJob(ctx context.Context, job domain.QueueJob) (domain.Claim, domain.Issue, config.RepositoryConfig, bool, error) {
	p, err := queue.Decode[queue.ClaimPayload](job)
	if err != nil {
		return domain.Claim{}, domain.Issue{}, config.RepositoryConfig{}, false, err
	}
	claim, issue, rc, err := e.loadClaim(ctx, p.ClaimID)
	if errors.Is(err, repo.ErrNotFound) {
		e.logger().Info("engine: stale job, claim missing", "job_id", job.ID, "claim_id", p.ClaimID)
		return claim, issue, rc, false, nil
	}
	if err != nil {
		return claim, issue, rc, false, err
	}
	return claim, issue, rc, true, nil
}

// checkProgress queries the activity source outside any lock.
func (e Engine) checkProgress(ctx context.Context, claim domain.Claim, issue domain.Issue) (progress.Result, error) {
	prev, err := e.Repo.GetProgress(ctx, nil, claim.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return progress.Result{}, err
	}
	return e.Monitor.CheckProgress(ctx, claim, issue, prev), nil
}

// recordProgress persists a progress result against the re-read claim and
// applies completion or a timer reset. It reports the step taken, or
// stepNone when the result carried no activity.
func (e Engine) recordProgress(ctx context.Context, tx *sql.Tx, claim *domain.Claim, res progress.Result) (lifecycleStep, error) {
	if err := e.Repo.UpsertProgress(ctx, tx, res.Tracking); err != nil {
		return stepNone, err
	}
	if res.Degraded {
		if err := e.Activity.Append(ctx, tx, claim.ID, domain.ActivityDegradedCheck, "", "", activity.Payload{"failed": res.Failed}); err != nil {
			return stepNone, err
		}
	}
	now := e.now()
	switch {
	case res.Completed:
		claim.State = domain.ClaimCompleted
		claim.ReleaseReason = ReasonMergedPR
		claim.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, *claim); err != nil {
			return stepNone, err
		}
		return stepCompleted, e.Activity.Append(ctx, tx, claim.ID, domain.ActivityCompleted, claim.Claimant, "", activity.Payload{"details": res.Details})
	case res.HasNewActivity:
		claim.LastProgressAt = now
		claim.TimerStartedAt = now
		claim.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, *claim); err != nil {
			return stepNone, err
		}
		return stepReset, e.Activity.Append(ctx, tx, claim.ID, domain.ActivityProgressReset, "", "", activity.Payload{"source": "activity", "details": res.Details})
	}
	return stepNone, nil
}

// HandleProgressCheck polls external activity for an open claim and
// schedules the next poll.
func (e Engine) HandleProgressCheck(ctx context.Context, job domain.QueueJob) error {
	claim, issue, rc, ok, err := e.claimJob(ctx, job)
	if err != nil || !ok || claim.State.Terminal() {
		return err
	}
	res, err := e.checkProgress(ctx, claim, issue)
	if err != nil {
		return err
	}
	var step lifecycleStep
	err = e.withIssue(ctx, issue.Ref(), func(tx *sql.Tx) error {
		current, err := e.Repo.GetClaim(ctx, tx, claim.ID)
		if err != nil {
			return err
		}
		if current.State.Terminal() {
			return nil
		}
		if step, err = e.recordProgress(ctx, tx, &current, res); err != nil {
			return err
		}
		if current.State.Terminal() {
			return nil
		}
		return e.schedule(ctx, tx, &job, queue.KindProgressCheck, claim.ID, e.now().Add(rc.ProgressCheckInterval))
	})
	if err != nil {
		return err
	}
	e.logStep(ctx, claim, step, res)
	return nil
}

// HandleNudgeCheck fires when the grace period should have elapsed. It
// resets, nudges or hands the claim to auto-release.
func (e Engine) HandleNudgeCheck(ctx context.Context, job domain.QueueJob) error {
	claim, issue, rc, ok, err := e.claimJob(ctx, job)
	if err != nil || !ok || claim.State.Terminal() {
		return err
	}
	if due := claim.DueAt(rc.GracePeriodDays); e.now().Before(due) {
		// timer was reset since this job was scheduled
		return e.inTx(ctx, func(tx *sql.Tx) error {
			return e.schedule(ctx, tx, &job, queue.KindNudgeCheck, claim.ID, due)
		})
	}
	res, err := e.checkProgress(ctx, claim, issue)
	if err != nil {
		return err
	}

	var step lifecycleStep
	var current domain.Claim
	err = e.withIssue(ctx, issue.Ref(), func(tx *sql.Tx) error {
		if current, err = e.Repo.GetClaim(ctx, tx, claim.ID); err != nil {
			return err
		}
		if current.State.Terminal() {
			return nil
		}
		if step, err = e.recordProgress(ctx, tx, &current, res); err != nil {
			return err
		}
		now := e.now()
		switch {
		case step == stepCompleted:
			return nil
		case step == stepReset || now.Before(current.DueAt(rc.GracePeriodDays)):
			return e.schedule(ctx, tx, &job, queue.KindNudgeCheck, claim.ID, current.DueAt(rc.GracePeriodDays))
		case current.NudgeCount < rc.MaxNudges:
			current.NudgeCount++
			current.State = domain.ClaimNudged
			current.TimerStartedAt = now
			current.UpdatedAt = now
			if err := e.Repo.UpdateClaim(ctx, tx, current); err != nil {
				return err
			}
			if err := e.Activity.Append(ctx, tx, current.ID, domain.ActivityNudged, "", "", activity.Payload{"nudge_count": current.NudgeCount, "max_nudges": rc.MaxNudges}); err != nil {
				return err
			}
			step = stepNudged
			return e.schedule(ctx, tx, &job, queue.KindNudgeCheck, claim.ID, current.DueAt(rc.GracePeriodDays))
		default:
			step = stepRelease
			return e.schedule(ctx, tx, &job, queue.KindAutoReleaseCheck, claim.ID, now)
		}
	})
	if err != nil {
		return err
	}
	e.logStep(ctx, current, step, res)
	if step == stepNudged {
		e.notifyAll(ctx, current.Claimant, capability.KindNudge, e.messageData(current, issue, rc))
	}
	return nil
}

// HandleAutoReleaseCheck releases a claim that ran out of nudges, then
// performs the issue-side effects. A released claim with an unrecorded side
// effect resumes there, which is how overrides and retries finish.
func (e Engine) HandleAutoReleaseCheck(ctx context.Context, job domain.QueueJob) error {
	claim, issue, rc, ok, err := e.claimJob(ctx, job)
	if err != nil || !ok {
		return err
	}
	switch {
	case claim.State == domain.ClaimReleased && !releaseFinished(claim):
	case claim.State.Terminal():
		return nil
	default:
		released := false
		err := e.withIssue(ctx, issue.Ref(), func(tx *sql.Tx) error {
			current, err := e.Repo.GetClaim(ctx, tx, claim.ID)
			if err != nil {
				return err
			}
			if current.State.Terminal() {
				claim = current
				return nil
			}
			if due := current.DueAt(rc.GracePeriodDays); e.now().Before(due) || current.NudgeCount < rc.MaxNudges {
				// progress or a config change since the nudge check decided
				return e.schedule(ctx, tx, &job, queue.KindNudgeCheck, claim.ID, due)
			}
			if err := e.release(ctx, tx, &current, "", ReasonNoProgress, ""); err != nil {
				return err
			}
			claim, released = current, true
			return nil
		})
		if err != nil {
			return err
		}
		if !released && claim.State != domain.ClaimReleased {
			return nil
		}
		if released {
			e.logger().Info("engine: claim released", "claim_id", claim.ID, "issue", issue.Ref().String(), "claimant", claim.Claimant)
			e.Metrics.Transition(ctx, string(domain.ClaimReleased))
		}
		if releaseFinished(claim) {
			return nil
		}
	}
	return e.finishRelease(ctx, claim, issue, rc)
}

// release moves an open claim to released and clears the local assignee.
func (e Engine) release(ctx context.Context, tx *sql.Tx, claim *domain.Claim, actor, reason, note string) error {
	now := e.now()
	claim.State = domain.ClaimReleased
	claim.ReleaseReason = reason
	claim.UpdatedAt = now
	if err := e.Repo.UpdateClaim(ctx, tx, *claim); err != nil {
		return err
	}
	if err := e.Repo.ClearIssueAssignee(ctx, tx, claim.IssueID, now); err != nil {
		return err
	}
	payload := activity.Payload{"reason": reason, "nudge_count": claim.NudgeCount}
	if note != "" {
		payload["note"] = note
	}
	return e.Activity.Append(ctx, tx, claim.ID, domain.ActivityReleased, actor, "", payload)
}

func releaseFinished(c domain.Claim) bool {
	return c.UnassignedAt != nil && c.ReleaseCommentedAt != nil
}

// finishRelease unassigns and comments on the hosting service. Each effect is
// recorded as soon as it succeeds and skipped on retry, so the issue is
// unassigned and commented on once. Notifications follow the comment and are
// best effort.
func (e Engine) finishRelease(ctx context.Context, claim domain.Claim, issue domain.Issue, rc config.RepositoryConfig) error {
	if e.Issues == nil {
		return fmt.Errorf("release claim %d: no issue mutator configured: %w", claim.ID, errs.ErrInvalidConfiguration)
	}
	ref := issue.Ref()
	if claim.UnassignedAt == nil {
		if err := e.Issues.Unassign(ctx, ref, claim.Claimant); err != nil {
			return fmt.Errorf("unassign %s from %s: %w", claim.Claimant, ref, err)
		}
		if err := e.markReleaseStep(ctx, claim, repo.StepUnassigned, domain.ActivityUnassigned); err != nil {
			return err
		}
	}
	if claim.ReleaseCommentedAt != nil {
		return nil
	}
	if err := e.Issues.Comment(ctx, ref, releaseComment(claim)); err != nil {
		return fmt.Errorf("comment on %s: %w", ref, err)
	}
	if err := e.markReleaseStep(ctx, claim, repo.StepCommented, domain.ActivityReleaseCommented); err != nil {
		return err
	}

	data := e.messageData(claim, issue, rc)
	e.notifyAll(ctx, claim.Claimant, capability.KindAutoRelease, data)
	recipients := rc.Maintainers
	if len(recipients) == 0 && e.Config.Notify.Operator.Recipient != "" {
		recipients = []string{e.Config.Notify.Operator.Recipient}
	}
	for _, m := range recipients {
		e.notifyAll(ctx, m, capability.KindMaintainer, data)
	}
	return nil
}

// markReleaseStep records a completed side effect. It runs without the issue
// lock: the external call already happened and the conditional update cannot
// race a state change, since released is terminal.
func (e Engine) markReleaseStep(ctx context.Context, claim domain.Claim, step repo.ReleaseStep, kind domain.ActivityKind) error {
	return e.Config.Retry.Lock.DoTransient(ctx, func() error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			set, err := e.Repo.MarkReleaseStep(ctx, tx, claim.ID, step, e.now())
			if err != nil || !set {
				return err
			}
			return e.Activity.Append(ctx, tx, claim.ID, kind, "", "", activity.Payload{"assignee": claim.Claimant})
		})
	})
}

func releaseComment(claim domain.Claim) string {
	if claim.ReleaseReason == ReasonOverride {
		return fmt.Sprintf("@%s has been unassigned by a maintainer. This issue is open for contributors again.", claim.Claimant)
	}
	return fmt.Sprintf("@%s has been unassigned after %d reminders without visible progress. This issue is open for contributors again; feel free to comment if you would like to pick it up.",
		claim.Claimant, claim.NudgeCount)
}

func (e Engine) messageData(claim domain.Claim, issue domain.Issue, rc config.RepositoryConfig) map[string]any {
	return map[string]any{
		"claim_id":    claim.ID,
		"repository":  issue.Repository,
		"issue":       issue.Number,
		"claimant":    claim.Claimant,
		"nudge_count": claim.NudgeCount,
		"max_nudges":  rc.MaxNudges,
		"grace_days":  int(claim.Grace(rc.GracePeriodDays) / (24 * time.Hour)),
		"reason":      claim.ReleaseReason,
	}
}

func (e Engine) logStep(ctx context.Context, claim domain.Claim, step lifecycleStep, res progress.Result) {
	log := e.logger().With("claim_id", claim.ID, "claimant", claim.Claimant)
	switch step {
	case stepCompleted:
		log.Info("engine: claim completed", "details", res.Details)
		e.Metrics.Transition(ctx, string(domain.ClaimCompleted))
	case stepReset:
		log.Info("engine: progress detected", "details", res.Details)
	case stepNudged:
		log.Info("engine: claimant nudged", "nudge_count", claim.NudgeCount)
		e.Metrics.Transition(ctx, string(domain.ClaimNudged))
	case stepRelease:
		log.Info("engine: scheduling auto-release", "nudge_count", claim.NudgeCount)
	}
}
