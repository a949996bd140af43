// Package forgetest provides a scriptable fake of forge.Client for tests
// of the merge state machine and drain loop.
package forgetest

import (
	"context"
	"fmt"

	"github.com/shhac/automerge/internal/forge"
)

// Fake is a forge.Client whose responses are set up per test via its
// exported fields, in the style of the teacher's fakeRunner: a map from a
// recognizable key to a canned response, plus call counters for assertions.
type Fake struct {
	PRs            map[uint64]*forge.PR // keyed by PR number
	CombinedStatus map[string]*forge.CombinedStatus
	CheckSuites    map[string][]forge.CheckSuite
	RepoFiles      map[string]*string

	UpdateBranchResult bool
	UpdateBranchErr    error
	MergeOK            bool
	MergeMessage       string
	MergeErr           error

	UpdateBranchCalls int
	MergeCalls        int
	GetPRCalls        int
}

// New builds an empty Fake ready for per-test configuration.
func New() *Fake {
	return &Fake{
		PRs:            make(map[uint64]*forge.PR),
		CombinedStatus: make(map[string]*forge.CombinedStatus),
		CheckSuites:    make(map[string][]forge.CheckSuite),
		RepoFiles:      make(map[string]*string),
	}
}

func (f *Fake) ListPRsForCommit(_ context.Context, _ uint64, _, _, sha string) ([]uint64, error) {
	pr, ok := f.PRs[shaToNumber(f, sha)]
	if !ok {
		return nil, nil
	}
	return []uint64{pr.Number}, nil
}

func shaToNumber(f *Fake, sha string) uint64 {
	for n, pr := range f.PRs {
		if pr.HeadSHA == sha {
			return n
		}
	}
	return 0
}

func (f *Fake) GetPR(_ context.Context, _ uint64, _, _ string, number uint64) (*forge.PR, error) {
	f.GetPRCalls++
	pr, ok := f.PRs[number]
	if !ok {
		return nil, fmt.Errorf("forgetest: no PR #%d configured", number)
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) GetCombinedStatus(_ context.Context, _ uint64, _, _, sha string) (*forge.CombinedStatus, error) {
	if s, ok := f.CombinedStatus[sha]; ok {
		return s, nil
	}
	// The real API reports "pending" even with zero statuses; Statuses is
	// left nil so callers still read "no checks" off its length.
	return &forge.CombinedStatus{State: "pending"}, nil
}

func (f *Fake) ListCheckSuites(_ context.Context, _ uint64, _, _, sha string) ([]forge.CheckSuite, error) {
	return f.CheckSuites[sha], nil
}

func (f *Fake) UpdateBranch(_ context.Context, _ uint64, _, _ string, _ uint64) (bool, error) {
	f.UpdateBranchCalls++
	return f.UpdateBranchResult, f.UpdateBranchErr
}

func (f *Fake) MergePR(_ context.Context, _ uint64, _, _ string, _ uint64, _ forge.MergeMethod, _, _ string) (bool, string, error) {
	f.MergeCalls++
	return f.MergeOK, f.MergeMessage, f.MergeErr
}

func (f *Fake) LoadRepoFile(_ context.Context, _ uint64, _, _, path string) (*string, error) {
	return f.RepoFiles[path], nil
}

var _ forge.Client = (*Fake)(nil)
