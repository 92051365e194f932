package github

import (
	"context"
	"log/slog"

	"claimwatch/internal/domain"
)

// DryRun stands in for the issue mutator when running offline. It logs what
// would have been sent and always succeeds.
type DryRun struct {
	Logger *slog.Logger
}

func (d DryRun) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d DryRun) Unassign(ctx context.Context, issue domain.IssueRef, assignee string) error {
	d.logger().InfoContext(ctx, "github: dry run unassign", "issue", issue.String(), "assignee", assignee)
	return nil
}

func (d DryRun) Comment(ctx context.Context, issue domain.IssueRef, text string) error {
	d.logger().InfoContext(ctx, "github: dry run comment", "issue", issue.String(), "text", text)
	return nil
}
