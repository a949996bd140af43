// Package merge implements the mergeability decision state machine
// (spec.md §4.6): it loads the repository's automerge config, evaluates a
// pull request's eligibility, optionally triggers a branch update and
// re-polls checks, performs the merge, and classifies the outcome for the
// drain loop.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/forge"
	"github.com/shhac/automerge/internal/repoconfig"
)

// Kind classifies how a Run terminated, matching the taxonomy in spec.md
// §4.5/§7: the drain loop requeues on Transient, consumes (drops) on
// Permanent, and does neither (item already consumed by pop) on Success.
type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Run.
type Outcome struct {
	Kind   Kind
	Reason string // empty on success
}

// Heartbeat is invoked before and during long-running phases so the drain
// loop can refresh its lease. It returns false if the lease has been lost,
// in which case Run must stop immediately without further forge mutations.
type Heartbeat func() bool

// Clock abstracts time so WaitChecks's polling loop is deterministic in
// tests.
type Clock struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// RealClock returns a Clock backed by time.Now and a context-aware sleep.
func RealClock() Clock {
	return Clock{
		Now: time.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			return nil
		},
	}
}

const minPollInterval = 5 * time.Second

var behindStates = map[string]bool{"behind": true, "blocked": true}

// Run evaluates and, if eligible, merges the given pull request, following
// the transition diagram in spec.md §4.6.
func Run(ctx context.Context, client forge.Client, id automerge.PRIdentity, hb Heartbeat, clock Clock) Outcome {
	if !hb() {
		return Outcome{Kind: KindTransient, Reason: "lease_lost"}
	}

	cfg, err := loadConfig(ctx, client, id)
	if err != nil {
		return Outcome{Kind: KindTransient, Reason: "failed_to_fetch:" + err.Error()}
	}

	pr, err := client.GetPR(ctx, id.InstallationID, id.Owner, id.Repo, id.Number)
	if err != nil || pr == nil {
		return Outcome{Kind: KindTransient, Reason: "failed_to_fetch"}
	}

	result := evaluate(ctx, client, id, pr, cfg)

	switch result.status {
	case evalPermanent:
		return Outcome{Kind: KindPermanent, Reason: result.reason}
	case evalTransient:
		return Outcome{Kind: KindTransient, Reason: result.reason}
	case evalBehind:
		if !hb() {
			return Outcome{Kind: KindTransient, Reason: "lease_lost"}
		}
		ok, err := client.UpdateBranch(ctx, id.InstallationID, id.Owner, id.Repo, id.Number)
		if err != nil || !ok {
			return Outcome{Kind: KindTransient, Reason: "update_branch_failed:" + result.reason}
		}

		green, leaseLost, err := waitChecks(ctx, client, id, pr.HeadSHA, cfg, hb, clock)
		if leaseLost {
			return Outcome{Kind: KindTransient, Reason: "lease_lost"}
		}
		if err != nil {
			return Outcome{Kind: KindTransient, Reason: "checks_timeout"}
		}
		if !green {
			return Outcome{Kind: KindTransient, Reason: "not_mergeable_after_update:checks_not_green"}
		}

		prAfter, err := client.GetPR(ctx, id.InstallationID, id.Owner, id.Repo, id.Number)
		if err != nil || prAfter == nil {
			return Outcome{Kind: KindTransient, Reason: "not_mergeable_after_update:failed_to_fetch"}
		}
		again := evaluate(ctx, client, id, prAfter, cfg)
		if again.status != evalMergeable {
			return Outcome{Kind: KindTransient, Reason: "not_mergeable_after_update:" + again.reason}
		}
		return merge(ctx, client, id, prAfter, cfg)
	case evalMergeable:
		return merge(ctx, client, id, pr, cfg)
	default:
		return Outcome{Kind: KindTransient, Reason: "failed_to_fetch"}
	}
}

func merge(ctx context.Context, client forge.Client, id automerge.PRIdentity, pr *forge.PR, cfg repoconfig.Config) Outcome {
	title := cfg.RenderTitle(pr.Title, id.Number)
	body := cfg.RenderBody(pr.Body, id.Number)
	ok, _, err := client.MergePR(ctx, id.InstallationID, id.Owner, id.Repo, id.Number, forge.MergeMethod(cfg.MergeMethod), title, body)
	if err != nil || !ok {
		return Outcome{Kind: KindTransient, Reason: "merge_api_error"}
	}
	return Outcome{Kind: KindSuccess}
}

// loadConfig fetches .github/automerge.yml, falling back to .yaml, and
// parses it; a repository with neither file gets repoconfig.Default().
func loadConfig(ctx context.Context, client forge.Client, id automerge.PRIdentity) (repoconfig.Config, error) {
	for _, name := range []string{".github/automerge.yml", ".github/automerge.yaml"} {
		raw, err := client.LoadRepoFile(ctx, id.InstallationID, id.Owner, id.Repo, name)
		if err != nil {
			return repoconfig.Config{}, err
		}
		if raw != nil {
			return repoconfig.Parse(*raw), nil
		}
	}
	return repoconfig.Default(), nil
}

type evalStatus int

const (
	evalMergeable evalStatus = iota
	evalBehind
	evalTransient
	evalPermanent
)

type evalResult struct {
	status evalStatus
	reason string
}

// evaluate implements the Evaluate/Evaluate' transition (spec.md §4.6):
// reject draft/locked/label-gated PRs permanently, route behind PRs to the
// update-branch path when allowed (blocked PRs, and behind PRs with
// update_branch off, are rejected permanently), otherwise check combined
// greenness and the forge's own mergeable flag. A PR that could not be
// fetched never reaches evaluate: Run reports it as failed_to_fetch.
func evaluate(ctx context.Context, client forge.Client, id automerge.PRIdentity, pr *forge.PR, cfg repoconfig.Config) evalResult {
	if pr.Draft {
		return evalResult{evalPermanent, "draft"}
	}
	if pr.Locked {
		return evalResult{evalPermanent, "locked"}
	}
	if cfg.RequireLabel && !pr.HasLabel(cfg.Label) {
		return evalResult{evalPermanent, "missing_label"}
	}

	if cfg.RequireUpToDate && behindStates[pr.MergeableState] {
		if pr.MergeableState == "behind" && cfg.UpdateBranch {
			return evalResult{evalBehind, "behind_or_blocked:" + pr.MergeableState}
		}
		return evalResult{evalPermanent, "behind_or_blocked:" + pr.MergeableState}
	}

	green, err := greenness(ctx, client, id, pr.HeadSHA, cfg)
	if err != nil {
		return evalResult{evalTransient, "failed_to_fetch"}
	}
	if !green {
		return evalResult{evalTransient, "checks_not_green"}
	}

	if pr.Mergeable != nil && !*pr.Mergeable {
		return evalResult{evalPermanent, "mergeable_false:" + pr.MergeableState}
	}

	return evalResult{evalMergeable, ""}
}

// greenness implements spec.md §4.6's "Checks greenness": no statuses and no
// suites defers to allow_merge_when_no_checks (the forge reports its
// combined state as "pending" even with zero statuses, so "no checks" is
// read off an empty statuses list, never off the aggregate state string);
// otherwise the combined status must be success/neutral (checked only when
// at least one individual status exists, for the same reason) and every suite's
// conclusion must be success/neutral/skipped (a single failure/cancelled/
// timed_out/action_required conclusion blocks regardless of other skipped
// siblings).
func greenness(ctx context.Context, client forge.Client, id automerge.PRIdentity, headSHA string, cfg repoconfig.Config) (bool, error) {
	status, err := client.GetCombinedStatus(ctx, id.InstallationID, id.Owner, id.Repo, headSHA)
	if err != nil {
		return false, err
	}
	suites, err := client.ListCheckSuites(ctx, id.InstallationID, id.Owner, id.Repo, headSHA)
	if err != nil {
		return false, err
	}

	if len(status.Statuses) == 0 && len(suites) == 0 {
		return cfg.AllowMergeWhenNoChecks, nil
	}

	if len(status.Statuses) > 0 && status.State != "success" && status.State != "neutral" {
		return false, nil
	}
	for _, s := range suites {
		if !isGreenConclusion(s.Conclusion) {
			return false, nil
		}
	}
	return true, nil
}

func isGreenConclusion(conclusion string) bool {
	switch conclusion {
	case "success", "neutral", "skipped":
		return true
	default:
		return false
	}
}

// waitChecks polls greenness every max(5s, cfg.PollInterval) until true or
// until cfg.MaxWait elapses since entry, invoking hb on every tick so the
// drain loop's lease survives a long wait.
func waitChecks(ctx context.Context, client forge.Client, id automerge.PRIdentity, headSHA string, cfg repoconfig.Config, hb Heartbeat, clock Clock) (green bool, leaseLost bool, err error) {
	interval := cfg.PollInterval
	if interval < minPollInterval {
		interval = minPollInterval
	}
	deadline := clock.Now().Add(cfg.MaxWait)

	for {
		if !hb() {
			return false, true, nil
		}

		ok, gerr := greenness(ctx, client, id, headSHA, cfg)
		if gerr == nil && ok {
			return true, false, nil
		}

		if !clock.Now().Add(interval).Before(deadline) {
			return false, false, fmt.Errorf("checks_timeout")
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return false, false, err
		}
	}
}

// IsTransientReason reports whether a transient reason string matches one
// of the prefixes/substrings the drain loop treats as retryable (spec.md
// §4.5): this is exported so the drain loop's classification stays in one
// place conceptually, even though Outcome.Kind already carries the
// classification for reasons produced by this package.
func IsTransientReason(reason string) bool {
	return strings.HasPrefix(reason, "checks_timeout") ||
		strings.Contains(reason, "checks_not_green") ||
		strings.HasPrefix(reason, "failed_to_fetch")
}
