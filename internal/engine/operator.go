package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"claimwatch/internal/activity"
	"claimwatch/internal/capability"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
)

// Override closes an open claim immediately. target must be released or
// completed. Issue-side effects of a release run in an auto_release_check job.
func (e Engine) Override(ctx context.Context, claimID int64, target domain.ClaimState, actor, reason string) (domain.Claim, error) {
	if target != domain.ClaimReleased && target != domain.ClaimCompleted {
		return domain.Claim{}, fmt.Errorf("override to %q: %w", target, ErrInvalidTransition)
	}
	claim, issue, _, err := e.loadClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	err = e.withIssue(ctx, issue.Ref(), func(tx *sql.Tx) error {
		if claim, err = e.Repo.GetClaim(ctx, tx, claimID); err != nil {
			return err
		}
		if claim.State.Terminal() {
			return fmt.Errorf("claim %d is %s: %w", claimID, claim.State, ErrClaimClosed)
		}
		if target == domain.ClaimReleased {
			if err := e.release(ctx, tx, &claim, actor, ReasonOverride, reason); err != nil {
				return err
			}
			return e.schedule(ctx, tx, nil, queue.KindAutoReleaseCheck, claimID, e.now())
		}
		now := e.now()
		claim.State = domain.ClaimCompleted
		claim.ReleaseReason = ReasonOverride
		claim.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, claim); err != nil {
			return err
		}
		return e.Activity.Append(ctx, tx, claim.ID, domain.ActivityCompleted, actor, "", activity.Payload{"reason": reason, "override": true})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	e.logger().Info("engine: claim overridden", "claim_id", claimID, "state", target, "actor", actor, "reason", reason)
	e.Metrics.Transition(ctx, string(target))
	return claim, nil
}

// ExtendGrace sets a per-claim grace period and restarts its timer.
func (e Engine) ExtendGrace(ctx context.Context, claimID int64, days int, actor string) (domain.Claim, error) {
	if days < 1 {
		return domain.Claim{}, fmt.Errorf("grace period must be >= 1 day, got %d: %w", days, errs.ErrInvalidConfiguration)
	}
	claim, issue, _, err := e.loadClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	err = e.withIssue(ctx, issue.Ref(), func(tx *sql.Tx) error {
		if claim, err = e.Repo.GetClaim(ctx, tx, claimID); err != nil {
			return err
		}
		if claim.State.Terminal() {
			return fmt.Errorf("claim %d is %s: %w", claimID, claim.State, ErrClaimClosed)
		}
		now := e.now()
		claim.GracePeriodDays = &days
		claim.TimerStartedAt = now
		claim.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, claim); err != nil {
			return err
		}
		return e.Activity.Append(ctx, tx, claim.ID, domain.ActivityGraceExtended, actor, "", activity.Payload{"grace_period_days": days})
	})
	return claim, err
}

// HandleDeadLetter reports a dead job on the operator channel.
func (e Engine) HandleDeadLetter(ctx context.Context, job domain.QueueJob) error {
	p, err := queue.Decode[queue.DeadLetterPayload](job)
	if err != nil {
		return err
	}
	e.logger().Error("engine: job dead-lettered", "dead_job_id", p.JobID, "kind", p.Kind, "attempts", p.Attempts, "err", p.Error)
	op := e.Config.Notify.Operator
	if e.Notifier == nil || op.Channel == "" {
		return nil
	}
	ok, err := e.Notifier.Notify(ctx, op.Channel, op.Recipient, capability.KindDeadLetter, map[string]any{
		"job_id":   p.JobID,
		"kind":     p.Kind,
		"attempts": p.Attempts,
		"error":    p.Error,
	})
	e.Metrics.Notified(ctx, op.Channel, ok && err == nil)
	if err != nil {
		return fmt.Errorf("notify operator: %w", err)
	}
	return nil
}

// Sweep re-creates missing lifecycle jobs for open claims, e.g. after an
// operator deleted jobs or a dead job was discarded. It returns how many jobs
// were scheduled.
func (e Engine) Sweep(ctx context.Context) (int, error) {
	var cursor int64
	scheduled := 0
	for {
		views, err := e.Repo.ListClaims(ctx, repo.ClaimFilters{OpenOnly: true, Limit: 200, CursorID: cursor})
		if err != nil {
			return scheduled, err
		}
		if len(views) == 0 {
			break
		}
		for _, v := range views {
			cursor = v.Claim.ID
			rc, err := e.Config.Repository(v.Issue.Repository)
			if err != nil {
				e.logger().Warn("engine: sweep skipped claim", "claim_id", v.Claim.ID, "err", err)
				continue
			}
			n, err := e.ensureLifecycleJobs(ctx, v.Claim, rc.GracePeriodDays, rc.ProgressCheckInterval)
			if err != nil {
				return scheduled, err
			}
			scheduled += n
		}
	}
	if scheduled > 0 {
		e.logger().Info("engine: sweep rescheduled lifecycle jobs", "count", scheduled)
	}
	return scheduled, nil
}

func (e Engine) ensureLifecycleJobs(ctx context.Context, claim domain.Claim, graceDays int, interval time.Duration) (int, error) {
	n := 0
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		releasing, err := e.Repo.PendingJobExists(ctx, tx, queue.ClaimDedupKey(queue.KindAutoReleaseCheck, claim.ID))
		if err != nil {
			return err
		}
		jobs := []queue.Job{{Kind: queue.KindProgressCheck, ScheduledAt: e.now().Add(interval)}}
		if !releasing {
			jobs = append(jobs, queue.Job{Kind: queue.KindNudgeCheck, ScheduledAt: claim.DueAt(graceDays)})
		}
		for _, j := range jobs {
			j.Payload = queue.ClaimPayload{ClaimID: claim.ID}
			j.DedupKey = queue.ClaimDedupKey(j.Kind, claim.ID)
			_, inserted, err := e.Queue.Enqueue(ctx, tx, j)
			if err != nil {
				return err
			}
			if inserted {
				n++
			}
		}
		return nil
	})
	return n, err
}

type Stats struct {
	Since    time.Time      `json:"since"`
	Claims   map[string]int `json:"claims"`
	Jobs     map[string]int `json:"jobs"`
	Activity map[string]int `json:"activity"`
}

// Stats summarises claim states, queue health and recent activity.
func (e Engine) Stats(ctx context.Context, repository string, window time.Duration) (Stats, error) {
	s := Stats{Since: e.now().Add(-window)}
	var err error
	if s.Claims, err = e.Repo.CountClaimsByState(ctx, repository); err != nil {
		return s, err
	}
	if s.Jobs, err = e.Repo.CountJobsByStatus(ctx); err != nil {
		return s, err
	}
	s.Activity, err = e.Repo.CountActivitySince(ctx, s.Since)
	return s, err
}

// RequeueJob gives a dead or failed job a fresh attempt budget.
func (e Engine) RequeueJob(ctx context.Context, id int64) (domain.QueueJob, error) {
	if err := e.Repo.RequeueJob(ctx, id, e.now()); err != nil {
		return domain.QueueJob{}, err
	}
	e.logger().Info("engine: job requeued", "job_id", id)
	return e.Repo.GetJob(ctx, nil, id)
}
