// Package engine turns comment events into claims and drives each claim
// through its nudge and release lifecycle.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claimwatch/internal/activity"
	"claimwatch/internal/capability"
	"claimwatch/internal/config"
	"claimwatch/internal/domain"
	"claimwatch/internal/lock"
	"claimwatch/internal/progress"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
	"claimwatch/internal/telemetry"
)

var (
	ErrInvalidEvent      = errors.New("invalid comment event")
	ErrInvalidTransition = errors.New("invalid claim transition")
	ErrClaimClosed       = errors.New("claim is closed")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Queue    queue.Queue
	Locks    lock.Manager
	Monitor  progress.Monitor
	Notifier capability.Notifier
	Issues   capability.IssueMutator
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// New wires the storage side of the engine. Callers fill in Locks, Monitor
// and the external capabilities.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Activity: activity.Writer{Now: time.Now},
		Queue:    queue.Queue{Repo: r, MaxAttempts: cfg.Worker.MaxAttempts, Now: time.Now},
		Locks:    lock.Manager{Locker: lock.SQLLocker{Repo: r}, Policy: cfg.Retry.Lock, TTL: cfg.Lock.TTL},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Handlers binds every job kind to its engine handler.
func (e Engine) Handlers() queue.Handlers {
	return queue.Handlers{
		CommentAnalysis:  e.HandleCommentAnalysis,
		ProgressCheck:    e.HandleProgressCheck,
		NudgeCheck:       e.HandleNudgeCheck,
		AutoReleaseCheck: e.HandleAutoReleaseCheck,
		DeadLetter:       e.HandleDeadLetter,
	}
}

// inTx runs fn in one transaction and commits when fn succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Classify(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return repo.Classify(tx.Commit())
}

// withIssue holds the issue lock around one transaction.
func (e Engine) withIssue(ctx context.Context, ref domain.IssueRef, fn func(tx *sql.Tx) error) error {
	return e.Locks.With(ctx, lock.IssueKey(ref), func(ctx context.Context) error {
		return e.inTx(ctx, fn)
	})
}

// loadClaim returns the claim, its issue and the effective repository config.
func (e Engine) loadClaim(ctx context.Context, claimID int64) (domain.Claim, domain.Issue, config.RepositoryConfig, error) {
	claim, err := e.Repo.GetClaim(ctx, nil, claimID)
	if err != nil {
		return claim, domain.Issue{}, config.RepositoryConfig{}, fmt.Errorf("claim %d: %w", claimID, err)
	}
	issue, err := e.Repo.GetIssue(ctx, nil, claim.IssueID)
	if err != nil {
		return claim, issue, config.RepositoryConfig{}, fmt.Errorf("issue %d: %w", claim.IssueID, err)
	}
	rc, err := e.Config.Repository(issue.Repository)
	return claim, issue, rc, err
}

// schedule enqueues a lifecycle job for claimID keyed by kind. When from is
// the running job of the same kind, its key is handed off first.
func (e Engine) schedule(ctx context.Context, tx *sql.Tx, from *domain.QueueJob, kind queue.Kind, claimID int64, at time.Time) error {
	if from != nil && queue.Kind(from.Kind) == kind {
		if err := e.Repo.HandOffDedupKey(ctx, tx, from.ID); err != nil {
			return err
		}
	}
	_, _, err := e.Queue.Enqueue(ctx, tx, queue.Job{
		Kind:        kind,
		Payload:     queue.ClaimPayload{ClaimID: claimID},
		DedupKey:    queue.ClaimDedupKey(kind, claimID),
		ScheduledAt: at,
	})
	return err
}

// notifyAll sends one message per configured channel. Failures are logged
// and counted, never returned.
func (e Engine) notifyAll(ctx context.Context, recipient, kind string, data map[string]any) {
	if e.Notifier == nil {
		return
	}
	for _, ch := range e.Config.Notify.Channels {
		ok, err := e.Notifier.Notify(ctx, ch, recipient, kind, data)
		e.Metrics.Notified(ctx, ch, ok && err == nil)
		if err != nil {
			e.logger().Warn("notify: delivery failed", "channel", ch, "recipient", recipient, "kind", kind, "err", err)
		}
	}
}
