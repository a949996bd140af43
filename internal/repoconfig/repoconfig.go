// Package repoconfig parses a repository's .github/automerge.yml (or
// .yaml) file: a minimal KEY: VALUE format with boolean/int/float/string
// coercion. Unknown keys are ignored, never an error — a repository should
// be able to add forward-looking configuration without breaking the
// controller that reads it.
package repoconfig

import (
	"strconv"
	"strings"
	"time"
)

// MergeMethod is one of the forge's supported merge strategies.
type MergeMethod string

const (
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
	MergeMethodMerge  MergeMethod = "merge"
)

// Config is the fully-defaulted configuration for one repository.
type Config struct {
	Label                  string
	RequireLabel           bool
	MergeMethod            MergeMethod
	UpdateBranch           bool
	RequireUpToDate        bool
	AllowMergeWhenNoChecks bool
	MaxWait                time.Duration
	PollInterval           time.Duration
	TitleTemplate          string
	BodyTemplate           string
}

// minPollInterval is the floor applied to poll_interval_seconds regardless
// of what the repository configures (P12).
const minPollInterval = 5 * time.Second

// Default returns the configuration used when a repository has no
// automerge.yml/.yaml, or as the base onto which Parse applies overrides.
func Default() Config {
	return Config{
		Label:                  "automerge",
		RequireLabel:           true,
		MergeMethod:            MergeMethodSquash,
		UpdateBranch:           true,
		RequireUpToDate:        true,
		AllowMergeWhenNoChecks: true,
		MaxWait:                60 * time.Minute,
		PollInterval:           10 * time.Second,
		TitleTemplate:          "{title} (#{number})",
		BodyTemplate:           "{body}\n\nAuto-merged by Auto Merge Bot for PR #{number}",
	}
}

// Parse decodes raw as a minimal KEY: VALUE document and applies any
// recognized keys on top of Default(). A missing or empty raw returns the
// defaults unchanged. Malformed lines (no colon) are skipped rather than
// rejected — the format favors "ignore what you don't understand" over
// strict validation, since it is user-authored YAML-adjacent config.
func Parse(raw string) Config {
	cfg := Default()

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)

		switch key {
		case "label":
			cfg.Label = value
		case "require_label":
			if b, ok := parseBool(value); ok {
				cfg.RequireLabel = b
			}
		case "merge_method":
			switch MergeMethod(value) {
			case MergeMethodSquash, MergeMethodRebase, MergeMethodMerge:
				cfg.MergeMethod = MergeMethod(value)
			}
		case "update_branch":
			if b, ok := parseBool(value); ok {
				cfg.UpdateBranch = b
			}
		case "require_up_to_date":
			if b, ok := parseBool(value); ok {
				cfg.RequireUpToDate = b
			}
		case "allow_merge_when_no_checks":
			if b, ok := parseBool(value); ok {
				cfg.AllowMergeWhenNoChecks = b
			}
		case "max_wait_minutes":
			if f, ok := parseFloat(value); ok {
				cfg.MaxWait = time.Duration(f * float64(time.Minute))
			}
		case "poll_interval_seconds":
			if f, ok := parseFloat(value); ok {
				interval := time.Duration(f * float64(time.Second))
				if interval < minPollInterval {
					interval = minPollInterval
				}
				cfg.PollInterval = interval
			}
		case "title_template":
			cfg.TitleTemplate = value
		case "body_template":
			cfg.BodyTemplate = value
		}
		// Any other key is ignored: forward-compatible by design.
	}

	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}

	return cfg
}

func parseBool(v string) (bool, bool) {
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, false
	}
	return b, true
}

func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// RenderTitle substitutes {title} and {number} in the configured title
// template.
func (c Config) RenderTitle(title string, number uint64) string {
	return substitute(c.TitleTemplate, title, "", number)
}

// RenderBody substitutes {body} and {number} in the configured body
// template.
func (c Config) RenderBody(body string, number uint64) string {
	return substitute(c.BodyTemplate, "", body, number)
}

func substitute(template, title, body string, number uint64) string {
	r := strings.NewReplacer(
		"{title}", title,
		"{body}", body,
		"{number}", strconv.FormatUint(number, 10),
	)
	return r.Replace(template)
}
