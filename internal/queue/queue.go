// Package queue persists background jobs and dispatches them to handlers.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"claimwatch/internal/domain"
	"claimwatch/internal/repo"
)

type Kind string

const (
	KindCommentAnalysis  Kind = "comment_analysis"
	KindProgressCheck    Kind = "progress_check"
	KindNudgeCheck       Kind = "nudge_check"
	KindAutoReleaseCheck Kind = "auto_release_check"
	KindDeadLetter       Kind = "dead_letter"
)

// Kinds lists every job kind the dispatcher understands.
var Kinds = []Kind{KindCommentAnalysis, KindProgressCheck, KindNudgeCheck, KindAutoReleaseCheck, KindDeadLetter}

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrBadPayload  = errors.New("bad job payload")
)

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ClaimPayload addresses lifecycle jobs at one claim.
type ClaimPayload struct {
	ClaimID int64 `json:"claim_id"`
}

type DeadLetterPayload struct {
	JobID    int64  `json:"job_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Job describes work to enqueue. Payload is marshalled to JSON.
type Job struct {
	Kind        Kind
	Payload     any
	DedupKey    string
	ScheduledAt time.Time
	Priority    int
	MaxAttempts int
}

// ClaimDedupKey keeps one pending lifecycle job per claim and kind.
func ClaimDedupKey(kind Kind, claimID int64) string {
	return fmt.Sprintf("%s:claim:%d", kind, claimID)
}

func CommentDedupKey(eventID string) string {
	if eventID == "" {
		return ""
	}
	return "comment:" + eventID
}

type Queue struct {
	Repo        repo.Repo
	MaxAttempts int
	Now         func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue writes the job inside tx when given so it commits with the caller's
// state change. A duplicate dedup key is not an error; inserted reports it.
func (q Queue) Enqueue(ctx context.Context, tx *sql.Tx, j Job) (id int64, inserted bool, err error) {
	if !j.Kind.Valid() {
		return 0, false, fmt.Errorf("enqueue %q: %w", j.Kind, ErrUnknownKind)
	}
	payload := []byte("{}")
	if j.Payload != nil {
		if payload, err = json.Marshal(j.Payload); err != nil {
			return 0, false, fmt.Errorf("marshal %s payload: %w", j.Kind, err)
		}
	}
	now := q.now()
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.MaxAttempts
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 5
	}
	return q.Repo.InsertJob(ctx, tx, domain.QueueJob{
		Kind:        string(j.Kind),
		Payload:     string(payload),
		Priority:    j.Priority,
		MaxAttempts: j.MaxAttempts,
		ScheduledAt: j.ScheduledAt,
		Status:      domain.JobPending,
		DedupKey:    j.DedupKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Decode unmarshals a job payload into T.
func Decode[T any](job domain.QueueJob) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(job.Payload), &v); err != nil {
		return v, fmt.Errorf("job %d (%s): %v: %w", job.ID, job.Kind, err, ErrBadPayload)
	}
	return v, nil
}
