package capability

import (
	"context"
	"sync"
	"time"

	"claimwatch/internal/domain"
)

// Sent is one recorded notification.
type Sent struct {
	Channel   string
	Recipient string
	Kind      string
	Data      map[string]any
}

// FakeNotifier records every call. Err, when set, is returned after recording.
type FakeNotifier struct {
	mu   sync.Mutex
	Sent []Sent
	Err  error
}

func (f *FakeNotifier) Notify(_ context.Context, channel, recipient, kind string, data map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, Sent{Channel: channel, Recipient: recipient, Kind: kind, Data: data})
	if f.Err != nil {
		return false, f.Err
	}
	return true, nil
}

// Kinds lists recorded notification kinds in order.
func (f *FakeNotifier) Kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Sent))
	for _, s := range f.Sent {
		out = append(out, s.Kind)
	}
	return out
}

type Mutation struct {
	Op       string
	Issue    domain.IssueRef
	Assignee string
	Text     string
}

// FakeIssueMutator records unassign and comment calls. Err fails every call;
// CommentErrs fail the next comments in order. AfterComment runs after each
// successful comment.
type FakeIssueMutator struct {
	mu           sync.Mutex
	Mutations    []Mutation
	Err          error
	CommentErrs  []error
	AfterComment func()
}

func (f *FakeIssueMutator) Unassign(_ context.Context, issue domain.IssueRef, assignee string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "unassign", Issue: issue, Assignee: assignee})
	return nil
}

func (f *FakeIssueMutator) Comment(_ context.Context, issue domain.IssueRef, text string) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	if len(f.CommentErrs) > 0 {
		err := f.CommentErrs[0]
		f.CommentErrs = f.CommentErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "comment", Issue: issue, Text: text})
	hook := f.AfterComment
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *FakeIssueMutator) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Mutations))
	for _, m := range f.Mutations {
		out = append(out, m.Op)
	}
	return out
}

// FakeActivitySource serves canned PRs and commits. Delay simulates a slow
// backend and honors context cancellation.
type FakeActivitySource struct {
	mu        sync.Mutex
	PRs       map[domain.IssueRef][]domain.PRReference
	Commits   map[string][]domain.Commit
	PRErr     error
	CommitErr error
	Delay     time.Duration
}

func NewFakeActivitySource() *FakeActivitySource {
	return &FakeActivitySource{PRs: map[domain.IssueRef][]domain.PRReference{}, Commits: map[string][]domain.Commit{}}
}

func (f *FakeActivitySource) AddPR(issue domain.IssueRef, pr domain.PRReference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PRs[issue] = append(f.PRs[issue], pr)
}

func (f *FakeActivitySource) AddCommit(repository string, c domain.Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repository + "|" + c.Author
	f.Commits[key] = append(f.Commits[key], c)
}

func (f *FakeActivitySource) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeActivitySource) FindPRReferences(ctx context.Context, issue domain.IssueRef) ([]domain.PRReference, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PRErr != nil {
		return nil, f.PRErr
	}
	return append([]domain.PRReference(nil), f.PRs[issue]...), nil
}

func (f *FakeActivitySource) FindUserCommits(ctx context.Context, repository, user string, since time.Time) ([]domain.Commit, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return nil, f.CommitErr
	}
	var out []domain.Commit
	for _, c := range f.Commits[repository+"|"+user] {
		if c.CommittedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}
