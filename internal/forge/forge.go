// Package forge defines the contract the merge state machine and drain
// loop depend on (spec.md §4.7) and a GitHub-backed implementation of it.
// The core never imports net/http directly — it only sees this interface —
// so the state machine's tests run against a hand-rolled fake.
package forge

import "context"

// PR is the subset of pull-request state the merge state machine needs to
// make an eligibility decision.
type PR struct {
	Number         uint64
	Title          string
	Body           string
	HeadSHA        string
	Draft          bool
	Locked         bool
	Labels         []string
	MergeableState string // "clean", "behind", "blocked", "dirty", "unknown", "unstable", ...
	Mergeable      *bool  // nil when the forge hasn't finished computing it
}

// HasLabel reports whether name is present among the PR's labels.
func (p *PR) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// CombinedStatus is the aggregate commit-status state for a ref, plus the
// individual statuses it aggregates. The forge reports State as "pending"
// even when Statuses is empty, so "no statuses at all" must be read off
// len(Statuses), never off State.
type CombinedStatus struct {
	State    string // "success", "failure", "pending", "error"
	Statuses []Status
}

// Status is one individual commit status contributing to a CombinedStatus.
type Status struct {
	State string
}

// CheckSuite is one check-suite's terminal conclusion.
type CheckSuite struct {
	Conclusion string // "success", "neutral", "skipped", "failure", "cancelled", "timed_out", "action_required", ""
}

// MergeMethod mirrors repoconfig.MergeMethod without importing it, keeping
// this package's dependency surface limited to what the forge API needs.
type MergeMethod string

// Client is the forge API surface the core depends on (spec.md §4.7).
type Client interface {
	ListPRsForCommit(ctx context.Context, installationID uint64, owner, repo, sha string) ([]uint64, error)
	GetPR(ctx context.Context, installationID uint64, owner, repo string, number uint64) (*PR, error)
	GetCombinedStatus(ctx context.Context, installationID uint64, owner, repo, sha string) (*CombinedStatus, error)
	ListCheckSuites(ctx context.Context, installationID uint64, owner, repo, sha string) ([]CheckSuite, error)
	UpdateBranch(ctx context.Context, installationID uint64, owner, repo string, number uint64) (bool, error)
	MergePR(ctx context.Context, installationID uint64, owner, repo string, number uint64, method MergeMethod, title, body string) (bool, string, error)
	LoadRepoFile(ctx context.Context, installationID uint64, owner, repo, path string) (*string, error)
}
