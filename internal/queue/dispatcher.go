package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/repo"
	"claimwatch/internal/retry"
	"claimwatch/internal/telemetry"
)

type Handler func(ctx context.Context, job domain.QueueJob) error

// Handlers has one slot per Kind. A nil slot is treated like an unknown kind.
type Handlers struct {
	CommentAnalysis  Handler
	ProgressCheck    Handler
	NudgeCheck       Handler
	AutoReleaseCheck Handler
	DeadLetter       Handler
}

// For resolves the handler for kind. Every Kind must appear here.
func (h Handlers) For(kind Kind) (Handler, error) {
	var fn Handler
	switch kind {
	case KindCommentAnalysis:
		fn = h.CommentAnalysis
	case KindProgressCheck:
		fn = h.ProgressCheck
	case KindNudgeCheck:
		fn = h.NudgeCheck
	case KindAutoReleaseCheck:
		fn = h.AutoReleaseCheck
	case KindDeadLetter:
		fn = h.DeadLetter
	default:
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	if fn == nil {
		return nil, fmt.Errorf("no handler for %q: %w", kind, ErrUnknownKind)
	}
	return fn, nil
}

// Periodic is maintenance run on its own interval by Run.
type Periodic struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

type Dispatcher struct {
	Queue        Queue
	Handlers     Handlers
	Policy       retry.Policy
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	CleanupAfter time.Duration
	Periodic     []Periodic
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	Tracer       trace.Tracer
	Now          func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) repo() repo.Repo { return d.Queue.Repo }

func (d *Dispatcher) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return 1
}

func (d *Dispatcher) lease() time.Duration {
	if d.Lease > 0 {
		return d.Lease
	}
	return 2 * time.Minute
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// RunOnce claims due jobs and processes them on the worker pool. It returns
// the number of jobs handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	jobs, err := d.repo().ClaimDueJobs(ctx, d.WorkerID, now, now.Add(d.lease()), d.concurrency())
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency())
	for _, job := range jobs {
		g.Go(func() error {
			return d.process(gctx, job)
		})
	}
	return len(jobs), g.Wait()
}

// Drain runs RunOnce until no due jobs remain. Used by tests and `cw worker --once`.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Run polls until ctx is cancelled, also driving the periodic tasks.
func (d *Dispatcher) Run(ctx context.Context) error {
	poll := d.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	log := d.logger()
	log.Info("worker: started", "worker_id", d.WorkerID, "concurrency", d.concurrency())

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.Periodic {
		if p.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			t := time.NewTicker(p.Interval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if err := p.Fn(gctx); err != nil {
						log.Warn("worker: periodic task failed", "task", p.Name, "err", err)
					}
				}
			}
		})
	}
	g.Go(func() error {
		t := time.NewTicker(poll)
		defer t.Stop()
		for {
			if _, err := d.Drain(gctx); err != nil && gctx.Err() == nil {
				log.Error("worker: poll failed", "err", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	err := g.Wait()
	log.Info("worker: stopped", "worker_id", d.WorkerID)
	return err
}

// process never returns handler errors; they are recorded on the job row.
// Only bookkeeping failures surface.
func (d *Dispatcher) process(ctx context.Context, job domain.QueueJob) error {
	start := d.now()
	log := d.logger().With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	var span trace.Span
	if d.Tracer != nil {
		ctx, span = d.Tracer.Start(ctx, "job."+job.Kind, trace.WithAttributes(
			attribute.Int64("job.id", job.ID),
			attribute.Int("job.attempt", job.Attempts),
		))
		defer span.End()
	}

	hctx, cancel := context.WithTimeout(ctx, d.lease())
	herr := d.run(hctx, job)
	cancel()

	if span != nil && herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
	}

	bookCtx := context.WithoutCancel(ctx)
	now := d.now()
	var result string
	var err error
	switch {
	case herr == nil:
		result = "succeeded"
		err = d.repo().CompleteJob(bookCtx, job.ID, now)
	case permanent(herr) || job.Attempts >= job.MaxAttempts:
		result = "dead"
		log.Error("worker: job dead", "err", herr)
		err = d.kill(bookCtx, job, herr, now)
	default:
		result = "retry"
		at := now.Add(d.Policy.Delay(job.Attempts))
		log.Warn("worker: job failed, retrying", "err", herr, "next_at", at)
		err = d.repo().RescheduleJob(bookCtx, job.ID, at, herr.Error(), now)
	}
	d.Metrics.JobFinished(bookCtx, job.Kind, result, d.now().Sub(start))
	if errors.Is(err, repo.ErrNotFound) {
		// Lease expired and the reaper requeued the job; its next run owns it.
		log.Warn("worker: job no longer running", "result", result)
		return nil
	}
	return err
}

func (d *Dispatcher) run(ctx context.Context, job domain.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn, err := d.Handlers.For(Kind(job.Kind))
	if err != nil {
		return err
	}
	return fn(ctx, job)
}

func permanent(err error) bool {
	return errs.Permanent(err) || errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrBadPayload)
}

// kill marks the job dead and, unless it already is a dead letter, enqueues a
// dead_letter job in the same transaction.
func (d *Dispatcher) kill(ctx context.Context, job domain.QueueJob, cause error, now time.Time) error {
	tx, err := d.repo().DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	msg := cause.Error()
	if !permanent(cause) {
		msg = fmt.Sprintf("%s: %v", errs.ErrMaxAttemptsExceeded, cause)
	}
	if err := d.repo().KillJob(ctx, tx, job.ID, msg, now); err != nil {
		return err
	}
	if Kind(job.Kind) != KindDeadLetter {
		if _, _, err := d.Queue.Enqueue(ctx, tx, Job{
			Kind:     KindDeadLetter,
			Payload:  DeadLetterPayload{JobID: job.ID, Kind: job.Kind, Attempts: job.Attempts, Error: msg},
			Priority: 10,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reap returns jobs with an expired lease to pending.
func (d *Dispatcher) Reap(ctx context.Context) error {
	n, err := d.repo().RequeueExpiredJobs(ctx, d.now())
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger().Warn("worker: requeued stalled jobs", "count", n)
	}
	return nil
}

// Cleanup deletes succeeded jobs older than CleanupAfter.
func (d *Dispatcher) Cleanup(ctx context.Context) error {
	if d.CleanupAfter <= 0 {
		return nil
	}
	n, err := d.repo().DeleteSucceededJobs(ctx, d.now().Add(-d.CleanupAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger().Info("worker: cleaned up succeeded jobs", "count", n)
	}
	return nil
}
