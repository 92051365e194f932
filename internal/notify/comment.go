package notify

import (
	"context"
	"fmt"

	"claimwatch/internal/capability"
	"claimwatch/internal/domain"
)

// CommentChannel posts the message as an issue comment mentioning the
// recipient. Messages without repository and issue data cannot be delivered.
type CommentChannel struct {
	Issues capability.IssueMutator
}

func (c CommentChannel) Send(ctx context.Context, recipient string, msg Message) error {
	repository, _ := msg.Data["repository"].(string)
	number := toInt(msg.Data["issue"])
	if repository == "" || number <= 0 {
		return fmt.Errorf("%s message has no issue: %w", msg.Kind, ErrNoAddress)
	}
	ref := domain.IssueRef{Repository: repository, Number: number}
	text := msg.Body
	if msg.Kind == capability.KindMaintainer {
		text = fmt.Sprintf("@%s %s", recipient, msg.Body)
	}
	return c.Issues.Comment(ctx, ref, text)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
