// Package notify delivers claim lifecycle messages over the configured
// channels: log, email, issue_comment and webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"claimwatch/internal/capability"
)

var (
	// ErrUnknownChannel is returned for a channel name with no registered sender.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrNoAddress means the channel cannot reach the recipient.
	ErrNoAddress = errors.New("no address for recipient")
)

// Channel sends one rendered message.
type Channel interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// Message is a rendered notification.
type Message struct {
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
}

// Router routes Notify calls to channels by name.
type Router struct {
	channels map[string]Channel
}

func NewRouter() *Router {
	return &Router{channels: map[string]Channel{}}
}

// Register adds or replaces a channel.
func (r *Router) Register(name string, ch Channel) *Router {
	r.channels[name] = ch
	return r
}

// Names lists registered channels.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Notify implements capability.Notifier.
func (r *Router) Notify(ctx context.Context, channel, recipient, kind string, data map[string]any) (bool, error) {
	ch, ok := r.channels[channel]
	if !ok {
		return false, fmt.Errorf("%q: %w", channel, ErrUnknownChannel)
	}
	if strings.TrimSpace(recipient) == "" {
		return false, fmt.Errorf("%s: empty recipient: %w", channel, ErrNoAddress)
	}
	if err := ch.Send(ctx, recipient, Render(kind, data)); err != nil {
		return false, fmt.Errorf("%s: %w", channel, err)
	}
	return true, nil
}

var _ capability.Notifier = (*Router)(nil)

// Render builds the subject and plain-text body for a notification kind.
func Render(kind string, data map[string]any) Message {
	issue := fmt.Sprintf("%v#%v", data["repository"], data["issue"])
	msg := Message{Kind: kind, Data: data}
	switch kind {
	case capability.KindNudge:
		msg.Subject = fmt.Sprintf("Still working on %s?", issue)
		msg.Body = fmt.Sprintf("Hi @%v, you claimed %s but we have not seen progress in %v days. "+
			"This is reminder %v of %v; after that the issue will be unassigned. "+
			"Comment with an update or link a pull request to keep it.",
			data["claimant"], issue, data["grace_days"], data["nudge_count"], data["max_nudges"])
	case capability.KindAutoRelease:
		msg.Subject = fmt.Sprintf("Unassigned from %s", issue)
		msg.Body = fmt.Sprintf("Hi @%v, you have been unassigned from %s (%v). "+
			"You are welcome to claim it again when you have time.", data["claimant"], issue, data["reason"])
	case capability.KindMaintainer:
		msg.Subject = fmt.Sprintf("Claim on %s released", issue)
		msg.Body = fmt.Sprintf("The claim by @%v on %s was released (%v). The issue is available again.",
			data["claimant"], issue, data["reason"])
	case capability.KindDeadLetter:
		msg.Subject = fmt.Sprintf("claimwatch job %v failed permanently", data["job_id"])
		msg.Body = fmt.Sprintf("Job %v (%v) moved to the dead letter queue after %v attempts: %v",
			data["job_id"], data["kind"], data["attempts"], data["error"])
	case capability.KindClaimCreated:
		msg.Subject = fmt.Sprintf("%s claimed", issue)
		msg.Body = fmt.Sprintf("@%v claimed %s.", data["claimant"], issue)
	default:
		msg.Subject = kind
		msg.Body = fmt.Sprintf("%s: %v", kind, data)
	}
	return msg
}
