// Package capability declares the external collaborators the engine depends
// on. Concrete adapters live in internal/github and internal/notify.
package capability

import (
	"context"
	"time"

	"claimwatch/internal/domain"
)

// Notification kinds.
const (
	KindNudge        = "nudge"
	KindAutoRelease  = "auto_release"
	KindMaintainer   = "maintainer_release"
	KindDeadLetter   = "dead_letter"
	KindClaimCreated = "claim_created"
)

// Notifier delivers a message. Delivery failures are reported, never retried here.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, kind string, data map[string]any) (bool, error)
}

// IssueMutator changes issue state on the hosting service.
type IssueMutator interface {
	Unassign(ctx context.Context, issue domain.IssueRef, assignee string) error
	Comment(ctx context.Context, issue domain.IssueRef, text string) error
}

// ActivitySource reports work that happened outside the issue thread.
type ActivitySource interface {
	FindPRReferences(ctx context.Context, issue domain.IssueRef) ([]domain.PRReference, error)
	FindUserCommits(ctx context.Context, repository, user string, since time.Time) ([]domain.Commit, error)
}
