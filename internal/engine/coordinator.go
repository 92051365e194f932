package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"claimwatch/internal/activity"
	"claimwatch/internal/config"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/matcher"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
)

type OutcomeKind string

const (
	OutcomeNoClaim          OutcomeKind = "no_claim"
	OutcomeCreated          OutcomeKind = "created"
	OutcomeReinforced       OutcomeKind = "reinforced"
	OutcomeConflict         OutcomeKind = "conflict"
	OutcomeProgressRecorded OutcomeKind = "progress_recorded"
	OutcomeDuplicate        OutcomeKind = "duplicate"
	OutcomeRetry            OutcomeKind = "retry"
	// OutcomeIgnored is returned for repositories that are not monitored.
	OutcomeIgnored OutcomeKind = "ignored"
)

type Outcome struct {
	Kind    OutcomeKind    `json:"kind"`
	ClaimID int64          `json:"claim_id,omitempty"`
	Match   matcher.Result `json:"match"`
}

func validateEvent(ev domain.CommentEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("event_id is required: %w", ErrInvalidEvent)
	case ev.Author == "":
		return fmt.Errorf("author is required: %w", ErrInvalidEvent)
	case ev.IssueNumber <= 0:
		return fmt.Errorf("issue_number must be positive: %w", ErrInvalidEvent)
	}
	if _, _, err := ev.Ref().Split(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}
	return nil
}

// SubmitComment queues a comment event for analysis. queued is false when the
// event was already applied or is already waiting in the queue.
func (e Engine) SubmitComment(ctx context.Context, ev domain.CommentEvent) (jobID int64, queued bool, err error) {
	if err := validateEvent(ev); err != nil {
		return 0, false, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	seen, err := e.Repo.EventSeen(ctx, nil, ev.EventID)
	if err != nil || seen {
		return 0, false, err
	}
	return e.Queue.Enqueue(ctx, nil, queue.Job{
		Kind:     queue.KindCommentAnalysis,
		Payload:  ev,
		DedupKey: queue.CommentDedupKey(ev.EventID),
		Priority: 5,
	})
}

// HandleCommentAnalysis runs ProcessComment for a queued event.
func (e Engine) HandleCommentAnalysis(ctx context.Context, job domain.QueueJob) error {
	ev, err := queue.Decode[domain.CommentEvent](job)
	if err != nil {
		return err
	}
	out, err := e.ProcessComment(ctx, ev)
	if err != nil {
		return err
	}
	e.logger().Debug("engine: comment analysed", "event_id", ev.EventID, "outcome", out.Kind, "claim_id", out.ClaimID)
	return nil
}

// ProcessComment scores a comment and applies it under the issue lock in one
// transaction. It is safe to call again with the same event.
func (e Engine) ProcessComment(ctx context.Context, ev domain.CommentEvent) (out Outcome, err error) {
	defer func() {
		if err != nil && out.Kind == "" {
			out.Kind = OutcomeRetry
		}
		e.Metrics.CommentProcessed(ctx, string(out.Kind))
	}()
	if err := validateEvent(ev); err != nil {
		return Outcome{Kind: OutcomeNoClaim}, fmt.Errorf("%w: %w", err, queue.ErrBadPayload)
	}
	rc, err := e.Config.Repository(ev.Repository)
	if err != nil {
		return Outcome{}, err
	}
	if !rc.Monitored {
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	// our own release and reminder comments
	if bot := e.Config.GitHub.Login; bot != "" && strings.EqualFold(bot, ev.Author) {
		return Outcome{Kind: OutcomeIgnored}, nil
	}

	assigned := false
	issue, err := e.Repo.FindIssue(ctx, nil, ev.Repository, ev.IssueNumber)
	switch {
	case err == nil:
		assigned = issue.Assignee != nil && strings.EqualFold(*issue.Assignee, ev.Author)
	case !errors.Is(err, repo.ErrNotFound):
		return Outcome{}, err
	}
	res := matcher.Match(ev.Body, matcher.Context{
		IsMaintainerReply:     ev.IsMaintainer || rc.IsMaintainer(ev.Author),
		AuthorAlreadyAssigned: assigned,
	})
	out = Outcome{Match: res}

	var apply func(tx *sql.Tx) error
	switch {
	case res.IsProgressUpdate:
		apply = func(tx *sql.Tx) error { return e.applyProgressComment(ctx, tx, ev, &out) }
	case res.Actionable(rc.ConfidenceThreshold):
		apply = func(tx *sql.Tx) error { return e.applyClaimComment(ctx, tx, ev, rc, &out) }
	default:
		out.Kind = OutcomeNoClaim
		return out, nil
	}

	err = e.withIssue(ctx, ev.Ref(), func(tx *sql.Tx) error {
		seen, err := e.Repo.EventSeen(ctx, tx, ev.EventID)
		if err != nil {
			return err
		}
		if seen {
			out.Kind = OutcomeDuplicate
			return nil
		}
		return apply(tx)
	})
	switch {
	case errors.Is(err, errs.ErrDuplicateEvent):
		return Outcome{Kind: OutcomeDuplicate, Match: res}, nil
	case errors.Is(err, errs.ErrLockTimeout):
		out.Kind = OutcomeRetry
		return out, err
	case err != nil:
		out.Kind = OutcomeRetry
		return out, fmt.Errorf("process %s: %w", ev.EventID, err)
	}
	log := e.logger().With("event_id", ev.EventID, "issue", ev.Ref().String(), "author", ev.Author)
	switch out.Kind {
	case OutcomeCreated:
		log.Info("engine: claim created", "claim_id", out.ClaimID, "confidence", res.Confidence, "rule", res.Rule)
		e.Metrics.Transition(ctx, string(domain.ClaimActive))
	case OutcomeConflict:
		log.Warn("engine: conflicting claim", "claim_id", out.ClaimID)
	}
	return out, nil
}

func (e Engine) applyClaimComment(ctx context.Context, tx *sql.Tx, ev domain.CommentEvent, rc config.RepositoryConfig, out *Outcome) error {
	now := e.now()
	issue, err := e.Repo.EnsureIssue(ctx, tx, ev.Repository, ev.IssueNumber, now)
	if err != nil {
		return err
	}
	res := out.Match
	payload := activity.Payload{"confidence": res.Confidence, "rule": res.Rule, "kind": res.Kind}

	existing, err := e.Repo.OpenClaimForIssue(ctx, tx, issue.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return err
	case strings.EqualFold(existing.Claimant, ev.Author):
		existing.Confidence = max(existing.Confidence, res.Confidence)
		existing.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, existing); err != nil {
			return err
		}
		out.Kind, out.ClaimID = OutcomeReinforced, existing.ID
		return e.Activity.Append(ctx, tx, existing.ID, domain.ActivityReinforced, ev.Author, ev.EventID, payload)
	default:
		payload["holder"] = existing.Claimant
		out.Kind, out.ClaimID = OutcomeConflict, existing.ID
		return e.Activity.Append(ctx, tx, existing.ID, domain.ActivityConflict, ev.Author, ev.EventID, payload)
	}

	claim := domain.Claim{
		IssueID:        issue.ID,
		Claimant:       ev.Author,
		Confidence:     res.Confidence,
		DetectedAt:     now,
		State:          domain.ClaimActive,
		LastProgressAt: now,
		TimerStartedAt: now,
		SourceEventID:  ev.EventID,
		UpdatedAt:      now,
	}
	if claim.ID, err = e.Repo.InsertClaim(ctx, tx, claim); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, claim.ID, domain.ActivityDetected, ev.Author, ev.EventID, payload); err != nil {
		return err
	}
	if err := e.Repo.AssignIssue(ctx, tx, issue.ID, ev.Author, now); err != nil {
		return err
	}
	if err := e.schedule(ctx, tx, nil, queue.KindProgressCheck, claim.ID, now.Add(rc.ProgressCheckInterval)); err != nil {
		return err
	}
	if err := e.schedule(ctx, tx, nil, queue.KindNudgeCheck, claim.ID, claim.DueAt(rc.GracePeriodDays)); err != nil {
		return err
	}
	out.Kind, out.ClaimID = OutcomeCreated, claim.ID
	return nil
}

// applyProgressComment resets the claimant's timer. Comments from anyone else
// change nothing.
func (e Engine) applyProgressComment(ctx context.Context, tx *sql.Tx, ev domain.CommentEvent, out *Outcome) error {
	out.Kind = OutcomeNoClaim
	issue, err := e.Repo.FindIssue(ctx, tx, ev.Repository, ev.IssueNumber)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	claim, err := e.Repo.OpenClaimForIssue(ctx, tx, issue.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.EqualFold(claim.Claimant, ev.Author) {
		return nil
	}
	now := e.now()
	claim.LastProgressAt = now
	claim.TimerStartedAt = now
	claim.UpdatedAt = now
	if err := e.Repo.UpdateClaim(ctx, tx, claim); err != nil {
		return err
	}
	out.Kind, out.ClaimID = OutcomeProgressRecorded, claim.ID
	return e.Activity.Append(ctx, tx, claim.ID, domain.ActivityProgressReset, ev.Author, ev.EventID, activity.Payload{"source": "comment", "rule": out.Match.Rule})
}
