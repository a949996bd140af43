package repoconfig

import (
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Label != "automerge" || !cfg.RequireLabel || cfg.MergeMethod != MergeMethodSquash {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.UpdateBranch || !cfg.RequireUpToDate || !cfg.AllowMergeWhenNoChecks {
		t.Fatalf("unexpected boolean defaults: %+v", cfg)
	}
	if cfg.MaxWait != 60*time.Minute || cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected duration defaults: %+v", cfg)
	}
}

func TestParseOverridesRecognizedKeys(t *testing.T) {
	raw := `
label: ship-it
require_label: false
merge_method: rebase
update_branch: false
max_wait_minutes: 15
poll_interval_seconds: 20
unknown_future_key: whatever
`
	cfg := Parse(raw)
	if cfg.Label != "ship-it" {
		t.Errorf("label = %q, want ship-it", cfg.Label)
	}
	if cfg.RequireLabel {
		t.Errorf("require_label = true, want false")
	}
	if cfg.MergeMethod != MergeMethodRebase {
		t.Errorf("merge_method = %q, want rebase", cfg.MergeMethod)
	}
	if cfg.UpdateBranch {
		t.Errorf("update_branch = true, want false")
	}
	if cfg.MaxWait != 15*time.Minute {
		t.Errorf("max_wait = %v, want 15m", cfg.MaxWait)
	}
	if cfg.PollInterval != 20*time.Second {
		t.Errorf("poll_interval = %v, want 20s", cfg.PollInterval)
	}
	// Untouched defaults survive.
	if !cfg.AllowMergeWhenNoChecks {
		t.Errorf("allow_merge_when_no_checks = false, want default true")
	}
}

func TestPollIntervalFlooredAt5Seconds(t *testing.T) {
	cfg := Parse("poll_interval_seconds: 1\n")
	if cfg.PollInterval != minPollInterval {
		t.Errorf("poll_interval = %v, want floor %v", cfg.PollInterval, minPollInterval)
	}
}

func TestUnknownMergeMethodIgnored(t *testing.T) {
	cfg := Parse("merge_method: nonsense\n")
	if cfg.MergeMethod != MergeMethodSquash {
		t.Errorf("merge_method = %q, want default squash when value unrecognized", cfg.MergeMethod)
	}
}

func TestRenderTitleAndBody(t *testing.T) {
	cfg := Default()
	title := cfg.RenderTitle("Add frobnicator", 42)
	if title != "Add frobnicator (#42)" {
		t.Errorf("title = %q", title)
	}
	body := cfg.RenderBody("Implements the thing.", 42)
	if body != "Implements the thing.\n\nAuto-merged by Auto Merge Bot for PR #42" {
		t.Errorf("body = %q", body)
	}
}
