package domain

import (
	"fmt"
	"strings"
	"time"
)

// IssueRef identifies an issue across the system: "owner/name" plus number.
type IssueRef struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.Repository, r.Number)
}

// Split returns the owner and name halves of the repository.
func (r IssueRef) Split() (owner, name string, err error) {
	owner, name, ok := strings.Cut(r.Repository, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q; want owner/name", r.Repository)
	}
	return owner, name, nil
}

type Issue struct {
	ID            int64      `json:"id"`
	Repository    string     `json:"repository"`
	Number        int        `json:"number"`
	Assignee      *string    `json:"assignee,omitempty"`
	LastClaimedAt *time.Time `json:"last_claimed_at,omitempty" format:"date-time"`
	ReleasedAt    *time.Time `json:"released_at,omitempty" format:"date-time"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
}

func (i Issue) Ref() IssueRef {
	return IssueRef{Repository: i.Repository, Number: i.Number}
}

type ClaimState string

const (
	ClaimActive    ClaimState = "active"
	ClaimNudged    ClaimState = "nudged"
	ClaimReleased  ClaimState = "released"
	ClaimCompleted ClaimState = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s ClaimState) Terminal() bool {
	return s == ClaimReleased || s == ClaimCompleted
}

func (s ClaimState) Valid() bool {
	switch s {
	case ClaimActive, ClaimNudged, ClaimReleased, ClaimCompleted:
		return true
	}
	return false
}

type Claim struct {
	ID              int64      `json:"id"`
	IssueID         int64      `json:"issue_id"`
	Claimant        string     `json:"claimant"`
	Confidence      int        `json:"confidence"`
	DetectedAt      time.Time  `json:"detected_at" format:"date-time"`
	State           ClaimState `json:"state" enum:"active,nudged,released,completed"`
	NudgeCount      int        `json:"nudge_count"`
	LastProgressAt  time.Time  `json:"last_progress_at" format:"date-time"`
	TimerStartedAt  time.Time  `json:"timer_started_at" format:"date-time"`
	GracePeriodDays *int       `json:"grace_period_days,omitempty"`
	SourceEventID   string     `json:"source_event_id,omitempty"`
	ReleaseReason   string     `json:"release_reason,omitempty"`
	UnassignedAt    *time.Time `json:"unassigned_at,omitempty" format:"date-time"`
	// ReleaseCommentedAt is set once the release comment is on the issue.
	ReleaseCommentedAt *time.Time `json:"release_commented_at,omitempty" format:"date-time"`
	UpdatedAt          time.Time  `json:"updated_at" format:"date-time"`
}

// Grace returns the claim's grace period, honoring the per-claim override.
func (c Claim) Grace(repoDefaultDays int) time.Duration {
	days := repoDefaultDays
	if c.GracePeriodDays != nil && *c.GracePeriodDays > 0 {
		days = *c.GracePeriodDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// DueAt is the instant the current grace period elapses.
func (c Claim) DueAt(repoDefaultDays int) time.Time {
	return c.TimerStartedAt.Add(c.Grace(repoDefaultDays))
}

type ActivityKind string

const (
	ActivityDetected         ActivityKind = "detected"
	ActivityReinforced       ActivityKind = "reinforced"
	ActivityConflict         ActivityKind = "conflict"
	ActivityProgressReset    ActivityKind = "progress_reset"
	ActivityNudged           ActivityKind = "nudged"
	ActivityReleased         ActivityKind = "released"
	ActivityCompleted        ActivityKind = "completed"
	ActivityDegradedCheck    ActivityKind = "degraded_check"
	ActivityUnassigned       ActivityKind = "unassigned"
	ActivityReleaseCommented ActivityKind = "release_commented"
	ActivityGraceExtended    ActivityKind = "grace_extended"
)

type ActivityLog struct {
	ID        int64        `json:"id"`
	ClaimID   int64        `json:"claim_id"`
	Kind      ActivityKind `json:"kind"`
	Actor     string       `json:"actor,omitempty"`
	EventID   string       `json:"event_id,omitempty"`
	Payload   string       `json:"payload_json"`
	CreatedAt time.Time    `json:"created_at" format:"date-time"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

type QueueJob struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Payload     string    `json:"payload_json"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ScheduledAt time.Time `json:"scheduled_at" format:"date-time"`
	Status      JobStatus `json:"status" enum:"pending,running,succeeded,failed,dead"`
	DedupKey    string    `json:"dedup_key,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LockedBy    string    `json:"locked_by,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

type ProgressTracking struct {
	ClaimID       int64      `json:"claim_id"`
	PRNumbers     []int      `json:"pr_numbers"`
	CommitCount   int        `json:"commit_count"`
	LastCommitAt  *time.Time `json:"last_commit_at,omitempty" format:"date-time"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty" format:"date-time"`
	Degraded      bool       `json:"degraded"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
}

// HasPR reports whether the PR number was already seen for this claim.
func (p ProgressTracking) HasPR(number int) bool {
	for _, n := range p.PRNumbers {
		if n == number {
			return true
		}
	}
	return false
}

// CommentEvent is what the webhook ingress hands to the coordinator.
type CommentEvent struct {
	EventID      string    `json:"event_id"`
	Repository   string    `json:"repository"`
	IssueNumber  int       `json:"issue_number"`
	Author       string    `json:"author"`
	Body         string    `json:"body"`
	IsMaintainer bool      `json:"is_maintainer"`
	Timestamp    time.Time `json:"timestamp" format:"date-time"`
}

func (e CommentEvent) Ref() IssueRef {
	return IssueRef{Repository: e.Repository, Number: e.IssueNumber}
}

// PRReference is a pull request that mentions or closes an issue.
type PRReference struct {
	Number    int       `json:"number"`
	Author    string    `json:"author"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Commit struct {
	SHA         string    `json:"sha"`
	Author      string    `json:"author"`
	CommittedAt time.Time `json:"committed_at"`
}

// ClaimView bundles a claim with its issue and audit trail for read endpoints.
type ClaimView struct {
	Claim    Claim             `json:"claim"`
	Issue    Issue             `json:"issue"`
	Activity []ActivityLog     `json:"activity"`
	Progress *ProgressTracking `json:"progress,omitempty"`
}
