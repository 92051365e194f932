package notify

import (
	"fmt"
	"log/slog"

	"claimwatch/internal/capability"
	"claimwatch/internal/config"
	"claimwatch/internal/errs"
)

// FromConfig registers every channel the config refers to. issues backs the
// issue_comment channel and may be nil when that channel is unused.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger, issues capability.IssueMutator) (*Router, error) {
	r := NewRouter()
	wanted := append([]string{}, cfg.Channels...)
	if cfg.Operator.Channel != "" {
		wanted = append(wanted, cfg.Operator.Channel)
	}
	for _, name := range wanted {
		if _, done := r.channels[name]; done {
			continue
		}
		switch name {
		case "log":
			r.Register(name, LogChannel{Logger: logger})
		case "issue_comment":
			if issues == nil {
				return nil, fmt.Errorf("notify: issue_comment needs a github client: %w", errs.ErrInvalidConfiguration)
			}
			r.Register(name, CommentChannel{Issues: issues})
		case "email":
			ch, err := NewEmailChannel(cfg.Email)
			if err != nil {
				return nil, err
			}
			r.Register(name, ch)
		case "webhook":
			ch, err := NewWebhookChannel(cfg.Webhook, nil)
			if err != nil {
				return nil, err
			}
			r.Register(name, ch)
		default:
			return nil, fmt.Errorf("notify: %q: %w", name, ErrUnknownChannel)
		}
	}
	return r, nil
}
