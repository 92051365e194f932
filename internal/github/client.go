// Package github adapts the GitHub REST API to the engine's activity-source
// and issue-mutation capabilities.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"claimwatch/internal/config"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
)

const perPage = 100

// Client is safe for concurrent use. Every request waits on a shared token
// bucket so workers stay under the configured request rate.
type Client struct {
	gh      *gh.Client
	limiter *rate.Limiter
	Logger  *slog.Logger
}

// New builds a client from config. httpClient may be nil.
func New(cfg config.GitHubConfig, httpClient *http.Client) (*Client, error) {
	c := gh.NewClient(httpClient)
	if cfg.Token != "" {
		c = c.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github.base_url: %v: %w", err, errs.ErrInvalidConfiguration)
		}
		c.BaseURL = u
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{gh: c, limiter: rate.NewLimiter(limit, burst)}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("github rate limiter: %v: %w", err, errs.ErrExternalUnavailable)
	}
	return nil
}

// classify maps GitHub failures onto the error taxonomy: throttling, 5xx and
// timeouts become ErrExternalUnavailable so callers retry.
func (c *Client) classify(op string, resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	var rl *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	switch {
	case errors.As(err, &rl):
		if c.Logger != nil {
			c.Logger.Warn("github: rate limited", "op", op, "reset", rl.Rate.Reset.Time)
		}
		return fmt.Errorf("github %s: rate limited: %w", op, errs.ErrExternalUnavailable)
	case errors.As(err, &abuse):
		return fmt.Errorf("github %s: secondary rate limit: %w", op, errs.ErrExternalUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("github %s: %v: %w", op, err, errs.ErrExternalUnavailable)
	case resp != nil && resp.StatusCode >= 500:
		return fmt.Errorf("github %s: status %d: %w", op, resp.StatusCode, errs.ErrExternalUnavailable)
	case resp == nil:
		// transport failure
		return fmt.Errorf("github %s: %v: %w", op, err, errs.ErrExternalUnavailable)
	}
	return fmt.Errorf("github %s: %w", op, err)
}

// FindPRReferences lists pull requests cross-referencing the issue from the
// same repository, with their author and merge state.
func (c *Client) FindPRReferences(ctx context.Context, issue domain.IssueRef) ([]domain.PRReference, error) {
	owner, name, err := issue.Split()
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var numbers []int
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		events, resp, err := c.gh.Issues.ListIssueTimeline(ctx, owner, name, issue.Number, opts)
		if err != nil {
			return nil, c.classify("timeline", resp, err)
		}
		for _, ev := range events {
			if ev.GetEvent() != "cross-referenced" || ev.Source == nil || ev.Source.Issue == nil {
				continue
			}
			src := ev.Source.Issue
			if !src.IsPullRequest() {
				continue
			}
			if full := src.GetRepository().GetFullName(); full != "" && !strings.EqualFold(full, issue.Repository) {
				continue
			}
			if n := src.GetNumber(); n > 0 && !seen[n] {
				seen[n] = true
				numbers = append(numbers, n)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.Ints(numbers)

	out := make([]domain.PRReference, 0, len(numbers))
	for _, n := range numbers {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, name, n)
		if err != nil {
			return nil, c.classify("get pull request", resp, err)
		}
		out = append(out, domain.PRReference{
			Number:    pr.GetNumber(),
			Author:    pr.GetUser().GetLogin(),
			State:     pr.GetState(),
			Merged:    pr.GetMerged(),
			UpdatedAt: pr.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

// FindUserCommits lists commits authored by user since the given time on the
// default branch.
func (c *Client) FindUserCommits(ctx context.Context, repository, user string, since time.Time) ([]domain.Commit, error) {
	owner, name, err := domain.IssueRef{Repository: repository}.Split()
	if err != nil {
		return nil, err
	}
	opts := &gh.CommitsListOptions{Author: user, Since: since, ListOptions: gh.ListOptions{PerPage: perPage}}
	var out []domain.Commit
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		if err != nil {
			return nil, c.classify("list commits", resp, err)
		}
		for _, rc := range commits {
			when := rc.GetCommit().GetAuthor().GetDate().Time
			if !when.After(since) {
				continue
			}
			author := rc.GetAuthor().GetLogin()
			if author == "" {
				author = user
			}
			out = append(out, domain.Commit{SHA: rc.GetSHA(), Author: author, CommittedAt: when})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) Unassign(ctx context.Context, issue domain.IssueRef, assignee string) error {
	owner, name, err := issue.Split()
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.RemoveAssignees(ctx, owner, name, issue.Number, []string{assignee})
	return c.classify("remove assignee", resp, err)
}

func (c *Client) Comment(ctx context.Context, issue domain.IssueRef, text string) error {
	owner, name, err := issue.Split()
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, issue.Number, &gh.IssueComment{Body: gh.String(text)})
	return c.classify("create comment", resp, err)
}
