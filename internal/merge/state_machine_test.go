package merge

import (
	"context"
	"testing"
	"time"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/forge"
	"github.com/shhac/automerge/internal/forge/forgetest"
)

func testID() automerge.PRIdentity {
	return automerge.PRIdentity{InstallationID: 1, Owner: "acme", Repo: "widget", Number: 42}
}

func alwaysUp() bool { return true }

func fakeClock(start time.Time) Clock {
	now := start
	return Clock{
		Now: func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	}
}

func basePR() *forge.PR {
	mergeable := true
	return &forge.PR{
		Number:         42,
		Title:          "fix thing",
		Body:           "does the fix",
		HeadSHA:        "deadbeef",
		Draft:          false,
		Locked:         false,
		Labels:         []string{"automerge"},
		MergeableState: "clean",
		Mergeable:      &mergeable,
	}
}

func TestRunMergesCleanGreenPR(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "success"}
	client.CheckSuites[pr.HeadSHA] = []forge.CheckSuite{{Conclusion: "success"}}
	client.MergeOK = true

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if client.MergeCalls != 1 {
		t.Fatalf("expected one merge call, got %d", client.MergeCalls)
	}
}

func TestRunRejectsDraftPermanently(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.Draft = true
	client.PRs[pr.Number] = pr

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "draft" {
		t.Fatalf("expected permanent draft, got %+v", out)
	}
}

func TestRunRejectsLockedPermanently(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.Locked = true
	client.PRs[pr.Number] = pr

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "locked" {
		t.Fatalf("expected permanent locked, got %+v", out)
	}
}

func TestRunRejectsMissingLabelPermanently(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.Labels = nil
	client.PRs[pr.Number] = pr

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "missing_label" {
		t.Fatalf("expected permanent missing_label, got %+v", out)
	}
}

func TestRunTransientWhenChecksNotGreen(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "pending"}
	client.CheckSuites[pr.HeadSHA] = []forge.CheckSuite{{Conclusion: "failure"}}

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindTransient || out.Reason != "checks_not_green" {
		t.Fatalf("expected transient checks_not_green, got %+v", out)
	}
}

func TestRunPermanentWhenMergeableFalse(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	notMergeable := false
	pr.Mergeable = &notMergeable
	pr.MergeableState = "dirty"
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "success"}

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "mergeable_false:dirty" {
		t.Fatalf("expected permanent mergeable_false, got %+v", out)
	}
}

// updatingClient reports the PR as up to date once an update-branch call
// succeeds, as the forge does after the base is merged into the head.
type updatingClient struct{ *forgetest.Fake }

func (c updatingClient) UpdateBranch(ctx context.Context, installationID uint64, owner, repo string, number uint64) (bool, error) {
	ok, err := c.Fake.UpdateBranch(ctx, installationID, owner, repo, number)
	if ok && err == nil {
		c.Fake.PRs[number].MergeableState = "clean"
	}
	return ok, err
}

func TestRunUpdatesBranchWhenBehindThenMerges(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.MergeableState = "behind"
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "success"}
	client.CheckSuites[pr.HeadSHA] = []forge.CheckSuite{{Conclusion: "success"}}
	client.UpdateBranchResult = true
	client.MergeOK = true

	out := Run(context.Background(), updatingClient{client}, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindSuccess {
		t.Fatalf("expected success after update, got %+v", out)
	}
	if client.UpdateBranchCalls != 1 {
		t.Fatalf("expected one update-branch call, got %d", client.UpdateBranchCalls)
	}
	// Run refetched the PR once more after waitChecks before re-evaluating.
	if client.GetPRCalls < 2 {
		t.Fatalf("expected at least 2 GetPR calls, got %d", client.GetPRCalls)
	}
}

func TestRunRejectsBehindPermanentlyWhenUpdateBranchDisabled(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.MergeableState = "behind"
	client.PRs[pr.Number] = pr
	client.RepoFiles[".github/automerge.yml"] = strPtr("update_branch: false\n")

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "behind_or_blocked:behind" {
		t.Fatalf("expected permanent behind_or_blocked, got %+v", out)
	}
}

func TestRunRejectsBlockedPermanentlyEvenWithUpdateBranchEnabled(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.MergeableState = "blocked"
	client.PRs[pr.Number] = pr
	client.UpdateBranchResult = true

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindPermanent || out.Reason != "behind_or_blocked:blocked" {
		t.Fatalf("expected permanent behind_or_blocked, got %+v", out)
	}
	if client.UpdateBranchCalls != 0 {
		t.Fatalf("expected no update-branch call for blocked PR, got %d", client.UpdateBranchCalls)
	}
}

func TestRunTimesOutWaitingForChecksAfterUpdate(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.MergeableState = "behind"
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{
		State:    "pending",
		Statuses: []forge.Status{{State: "pending"}},
	}
	client.UpdateBranchResult = true
	client.RepoFiles[".github/automerge.yml"] = strPtr("max_wait_minutes: 0.001\npoll_interval_seconds: 5\n")

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindTransient || out.Reason != "checks_timeout" {
		t.Fatalf("expected transient checks_timeout, got %+v", out)
	}
}

func TestRunAbortsOnLeaseLossDuringWaitChecks(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	pr.MergeableState = "behind"
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "pending"}
	client.UpdateBranchResult = true

	calls := 0
	hb := func() bool {
		calls++
		return calls < 3
	}

	out := Run(context.Background(), client, testID(), hb, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindTransient || out.Reason != "lease_lost" {
		t.Fatalf("expected transient lease_lost, got %+v", out)
	}
}

func TestRunMergeAPIErrorIsTransient(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	client.PRs[pr.Number] = pr
	client.CombinedStatus[pr.HeadSHA] = &forge.CombinedStatus{State: "success"}
	client.MergeOK = false

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindTransient || out.Reason != "merge_api_error" {
		t.Fatalf("expected transient merge_api_error, got %+v", out)
	}
}

func TestRunAllowsMergeWithNoChecksByDefault(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	client.PRs[pr.Number] = pr
	client.MergeOK = true

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindSuccess {
		t.Fatalf("expected success with no checks configured, got %+v", out)
	}
}

func TestRunBlocksWhenNoChecksDisallowed(t *testing.T) {
	client := forgetest.New()
	pr := basePR()
	client.PRs[pr.Number] = pr
	client.RepoFiles[".github/automerge.yml"] = strPtr("allow_merge_when_no_checks: false\n")

	out := Run(context.Background(), client, testID(), alwaysUp, fakeClock(time.Unix(0, 0)))

	if out.Kind != KindTransient || out.Reason != "checks_not_green" {
		t.Fatalf("expected transient checks_not_green, got %+v", out)
	}
}

func strPtr(s string) *string { return &s }
