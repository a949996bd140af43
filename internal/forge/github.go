package forge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/throttle"
)

// RateLimitConfig governs when a response is treated as a rate-limit
// signal (spec.md §4.4, §4.7) and how the resulting throttle window is
// sized.
type RateLimitConfig struct {
	MinRemaining    int
	CooldownSeconds float64
	JitterSeconds   float64
}

// GitHubClient implements Client against the GitHub REST API over plain
// net/http. Retries with exponential backoff apply to idempotent GET
// requests only; UpdateBranch and MergePR are never retried at this layer
// (spec.md §4.7 — the merge endpoint is not idempotent).
type GitHubClient struct {
	apiURL   string
	tokens   *TokenSource
	throttle *throttle.Gate
	rl       RateLimitConfig
	http     *http.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewGitHubClient builds a GitHubClient. apiURL is the forge's REST API
// base (e.g. "https://api.github.com").
func NewGitHubClient(apiURL string, tokens *TokenSource, gate *throttle.Gate, rl RateLimitConfig, httpClient *http.Client, log zerolog.Logger) *GitHubClient {
	return &GitHubClient{
		apiURL:   strings.TrimRight(apiURL, "/"),
		tokens:   tokens,
		throttle: gate,
		rl:       rl,
		http:     httpClient,
		log:      log.With().Str("component", "forge").Logger(),
		now:      time.Now,
	}
}

const maxIdempotentRetries = 3

// do issues an authenticated request. If idempotent is true and the
// response is a transient 5xx, it retries with exponential backoff; the
// merge endpoint always passes idempotent=false.
func (c *GitHubClient) do(ctx context.Context, installationID uint64, method, path string, body any, idempotent bool) (*http.Response, []byte, error) {
	token, err := c.tokens.Token(ctx, installationID)
	if err != nil {
		return nil, nil, fmt.Errorf("forge: token: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("forge: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(blob)
	}

	var lastErr error
	attempts := 1
	if idempotent {
		attempts = maxIdempotentRetries
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bodyReader)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		c.checkRateLimit(ctx, installationID, resp, respBody)

		if idempotent && resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("forge: %s %s: status %d", method, path, resp.StatusCode)
			continue
		}
		return resp, respBody, nil
	}
	return nil, nil, lastErr
}

// checkRateLimit inspects a response for rate-limit signals and, if found,
// sets the installation's throttle marker (spec.md §4.4, §4.7).
func (c *GitHubClient) checkRateLimit(ctx context.Context, installationID uint64, resp *http.Response, body []byte) {
	var until float64
	var reason throttle.Reason
	now := float64(c.now().Unix())
	retryAfter, retryAfterErr := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)

	switch {
	case retryAfterErr == nil:
		until = now + retryAfter
		reason = throttle.ReasonRetryAfter
	case resp.StatusCode == http.StatusTooManyRequests:
		until = now + c.rl.CooldownSeconds
		reason = throttle.ReasonPrimary
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "secondary"):
		until = now + c.rl.CooldownSeconds
		reason = throttle.ReasonSecondary
	default:
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
			if n, err := strconv.Atoi(remaining); err == nil && n <= c.rl.MinRemaining {
				if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
					if epoch, err := strconv.ParseFloat(reset, 64); err == nil {
						until = epoch
						reason = throttle.ReasonPrimary
					}
				}
				if until == 0 {
					until = now + c.rl.CooldownSeconds
					reason = throttle.ReasonPrimary
				}
			}
		}
	}

	if until == 0 {
		return
	}
	until += rand.Float64() * c.rl.JitterSeconds
	if err := c.throttle.Set(ctx, installationID, until, reason); err != nil {
		c.log.Error().Err(err).Uint64("installation", installationID).Msg("failed to set throttle marker")
	}
}

// --- wire shapes -----------------------------------------------------------

type ghLabel struct {
	Name string `json:"name"`
}

type ghPR struct {
	Number         uint64    `json:"number"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Draft          bool      `json:"draft"`
	Locked         bool      `json:"locked"`
	Labels         []ghLabel `json:"labels"`
	Mergeable      *bool     `json:"mergeable"`
	MergeableState string    `json:"mergeable_state"`
	Head           struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

func (p *ghPR) toPR() *PR {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return &PR{
		Number:         p.Number,
		Title:          p.Title,
		Body:           p.Body,
		HeadSHA:        p.Head.SHA,
		Draft:          p.Draft,
		Locked:         p.Locked,
		Labels:         labels,
		MergeableState: strings.ToLower(p.MergeableState),
		Mergeable:      p.Mergeable,
	}
}

func (c *GitHubClient) GetPR(ctx context.Context, installationID uint64, owner, repo string, number uint64) (*PR, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	resp, body, err := c.do(ctx, installationID, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("forge: get pr: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge: get pr #%d: status %d", number, resp.StatusCode)
	}
	var pr ghPR
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("forge: decode pr: %w", err)
	}
	return pr.toPR(), nil
}

func (c *GitHubClient) ListPRsForCommit(ctx context.Context, installationID uint64, owner, repo, sha string) ([]uint64, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/pulls", owner, repo, sha)
	resp, body, err := c.do(ctx, installationID, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("forge: list prs for commit: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge: list prs for commit %s: status %d", sha, resp.StatusCode)
	}
	var prs []ghPR
	if err := json.Unmarshal(body, &prs); err != nil {
		return nil, fmt.Errorf("forge: decode prs for commit: %w", err)
	}
	numbers := make([]uint64, 0, len(prs))
	for _, pr := range prs {
		numbers = append(numbers, pr.Number)
	}
	return numbers, nil
}

type ghCombinedStatus struct {
	State    string `json:"state"`
	Statuses []struct {
		State string `json:"state"`
	} `json:"statuses"`
}

func (c *GitHubClient) GetCombinedStatus(ctx context.Context, installationID uint64, owner, repo, sha string) (*CombinedStatus, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, sha)
	resp, body, err := c.do(ctx, installationID, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("forge: get combined status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge: get combined status: status %d", resp.StatusCode)
	}
	var cs ghCombinedStatus
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("forge: decode combined status: %w", err)
	}
	statuses := make([]Status, 0, len(cs.Statuses))
	for _, st := range cs.Statuses {
		statuses = append(statuses, Status{State: strings.ToLower(st.State)})
	}
	return &CombinedStatus{State: strings.ToLower(cs.State), Statuses: statuses}, nil
}

type ghCheckSuiteList struct {
	CheckSuites []struct {
		Conclusion string `json:"conclusion"`
	} `json:"check_suites"`
}

func (c *GitHubClient) ListCheckSuites(ctx context.Context, installationID uint64, owner, repo, sha string) ([]CheckSuite, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-suites", owner, repo, sha)
	resp, body, err := c.do(ctx, installationID, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("forge: list check suites: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge: list check suites: status %d", resp.StatusCode)
	}
	var list ghCheckSuiteList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("forge: decode check suites: %w", err)
	}
	suites := make([]CheckSuite, 0, len(list.CheckSuites))
	for _, s := range list.CheckSuites {
		suites = append(suites, CheckSuite{Conclusion: strings.ToLower(s.Conclusion)})
	}
	return suites, nil
}

func (c *GitHubClient) UpdateBranch(ctx context.Context, installationID uint64, owner, repo string, number uint64) (bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/update-branch", owner, repo, number)
	resp, _, err := c.do(ctx, installationID, http.MethodPut, path, nil, false)
	if err != nil {
		return false, fmt.Errorf("forge: update branch: %w", err)
	}
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted, nil
}

type ghMergeRequest struct {
	CommitTitle   string `json:"commit_title,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	MergeMethod   string `json:"merge_method,omitempty"`
}

type ghMergeResponse struct {
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

func (c *GitHubClient) MergePR(ctx context.Context, installationID uint64, owner, repo string, number uint64, method MergeMethod, title, body string) (bool, string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	reqBody := ghMergeRequest{CommitTitle: title, CommitMessage: body, MergeMethod: string(method)}
	// idempotent=false: merge is never safe to retry at the HTTP layer.
	resp, respBody, err := c.do(ctx, installationID, http.MethodPut, path, reqBody, false)
	if err != nil {
		return false, "", fmt.Errorf("forge: merge pr: %w", err)
	}
	var parsed ghMergeResponse
	_ = json.Unmarshal(respBody, &parsed)
	if resp.StatusCode != http.StatusOK {
		if parsed.Message == "" {
			parsed.Message = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return false, parsed.Message, nil
	}
	return parsed.Merged, parsed.Message, nil
}

type ghContents struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (c *GitHubClient) LoadRepoFile(ctx context.Context, installationID uint64, owner, repo, path string) (*string, error) {
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, path)
	resp, body, err := c.do(ctx, installationID, http.MethodGet, apiPath, nil, true)
	if err != nil {
		return nil, fmt.Errorf("forge: load repo file: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forge: load repo file %s: status %d", path, resp.StatusCode)
	}
	var contents ghContents
	if err := json.Unmarshal(body, &contents); err != nil {
		return nil, fmt.Errorf("forge: decode repo file contents: %w", err)
	}
	if contents.Encoding != "base64" {
		return &contents.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("forge: decode repo file base64: %w", err)
	}
	out := string(decoded)
	return &out, nil
}

var _ Client = (*GitHubClient)(nil)
