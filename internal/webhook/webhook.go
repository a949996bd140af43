// Package webhook implements the HTTP ingress that turns forge webhook
// deliveries into queued work: HMAC-SHA256 signature verification, event
// parsing, PR-identity extraction, and handoff to the queue and drain
// loop. None of this is part of the core decision engine — it is the
// collaborator spec.md §6 describes crossing the core boundary.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/drain"
	"github.com/shhac/automerge/internal/forge"
	"github.com/shhac/automerge/internal/queue"
)

// EventHeader is the HTTP header naming the webhook event type, following
// the forge's GitHub-compatible delivery convention.
const EventHeader = "X-GitHub-Event"

// SignatureHeader carries the HMAC-SHA256 signature of the raw request
// body, hex-encoded and prefixed "sha256=".
const SignatureHeader = "X-Hub-Signature-256"

// Resources bundles everything one repository's enqueue-and-drain step
// needs. Factory builds these on demand — there is no persistent
// connection inside a Queue or Dispatcher, so constructing one per request
// is cheap and avoids a registry of long-lived per-repo state.
type Resources struct {
	Queue      *queue.Queue
	Dispatcher *drain.Dispatcher
}

// Factory builds the Resources for one repository.
type Factory func(id automerge.RepoIdentity) Resources

// Ingress is the webhook HTTP handler.
type Ingress struct {
	secret  []byte
	factory Factory
	forge   forge.Client
	log     zerolog.Logger
}

// New builds an Ingress. secret is the shared webhook_secret; forge is
// used only to resolve check_suite/status events to PR numbers via
// list_prs_for_commit.
func New(secret []byte, factory Factory, forgeClient forge.Client, log zerolog.Logger) *Ingress {
	return &Ingress{secret: secret, factory: factory, forge: forgeClient, log: log}
}

// Router builds a chi.Router mounting POST /webhook behind a per-IP rate
// limiter.
func (ing *Ingress) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(120, time.Minute))
	r.Post("/webhook", ing.handle)
	return r
}

func (ing *Ingress) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body read error", http.StatusBadRequest)
		return
	}

	if !ing.verify(body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(EventHeader)
	identities, sender, err := ing.extract(r.Context(), event, body)
	if err != nil {
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	for _, id := range identities {
		ing.enqueueAndDrain(id, sender)
	}
	w.WriteHeader(http.StatusAccepted)
}

// verify checks header against HMAC-SHA256(secret, body). A missing or
// malformed header is treated as a mismatch.
func (ing *Ingress) verify(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, ing.secret)
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

type ghRepository struct {
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	Name string `json:"name"`
}

type ghInstallation struct {
	ID uint64 `json:"id"`
}

type pullRequestEvent struct {
	Installation ghInstallation `json:"installation"`
	Repository   ghRepository   `json:"repository"`
	PullRequest  struct {
		Number uint64 `json:"number"`
	} `json:"pull_request"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type checkSuiteEvent struct {
	Installation ghInstallation `json:"installation"`
	Repository   ghRepository   `json:"repository"`
	CheckSuite   struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_suite"`
}

type statusEvent struct {
	Installation ghInstallation `json:"installation"`
	Repository   ghRepository   `json:"repository"`
	SHA          string         `json:"sha"`
}

// extract parses body according to event and returns the PR identities it
// names, plus a sender login when the event carries one directly
// (pull_request events only; resolved events carry no sender).
func (ing *Ingress) extract(ctx context.Context, event string, body []byte) ([]automerge.PRIdentity, *string, error) {
	switch event {
	case "pull_request":
		var e pullRequestEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, nil, err
		}
		sender := e.Sender.Login
		return []automerge.PRIdentity{{
			InstallationID: e.Installation.ID,
			Owner:          e.Repository.Owner.Login,
			Repo:           e.Repository.Name,
			Number:         e.PullRequest.Number,
		}}, &sender, nil

	case "check_suite":
		var e checkSuiteEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, nil, err
		}
		numbers, err := ing.forge.ListPRsForCommit(ctx, e.Installation.ID, e.Repository.Owner.Login, e.Repository.Name, e.CheckSuite.HeadSHA)
		if err != nil {
			return nil, nil, nil // resolution failure: accept (202) as a no-op rather than reject the delivery
		}
		return toIdentities(e.Installation.ID, e.Repository, numbers), nil, nil

	case "status":
		var e statusEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, nil, err
		}
		numbers, err := ing.forge.ListPRsForCommit(ctx, e.Installation.ID, e.Repository.Owner.Login, e.Repository.Name, e.SHA)
		if err != nil {
			return nil, nil, nil
		}
		return toIdentities(e.Installation.ID, e.Repository, numbers), nil, nil

	default:
		return nil, nil, nil
	}
}

func toIdentities(installationID uint64, repo ghRepository, numbers []uint64) []automerge.PRIdentity {
	out := make([]automerge.PRIdentity, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, automerge.PRIdentity{
			InstallationID: installationID,
			Owner:          repo.Owner.Login,
			Repo:           repo.Name,
			Number:         n,
		})
	}
	return out
}

func (ing *Ingress) enqueueAndDrain(id automerge.PRIdentity, sender *string) {
	res := ing.factory(id.RepoKey())

	ctx := context.Background()
	if _, err := res.Queue.Enqueue(ctx, id.Number, sender, 0, 0); err != nil {
		ing.log.Error().Err(err).Str("pr", id.String()).Msg("enqueue failed")
		return
	}
	go res.Dispatcher.Drain(context.Background())
}
