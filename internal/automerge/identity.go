// Package automerge holds the identity and item types shared by every
// component of the controller: the queue, the lease manager, the throttle
// gate, the drain loop, and the merge state machine.
package automerge

import "fmt"

// PRIdentity uniquely identifies a unit of work: one pull request belonging
// to one repository belonging to one forge installation.
type PRIdentity struct {
	InstallationID uint64
	Owner          string
	Repo           string
	Number         uint64
}

// RepoKey returns the (installation, owner, repo) portion of the identity,
// which is the granularity at which queues, leases, and drains operate.
func (id PRIdentity) RepoKey() RepoIdentity {
	return RepoIdentity{InstallationID: id.InstallationID, Owner: id.Owner, Repo: id.Repo}
}

// String renders the identity as "installation:owner/repo#number", used in
// log fields and error messages.
func (id PRIdentity) String() string {
	return fmt.Sprintf("%d:%s/%s#%d", id.InstallationID, id.Owner, id.Repo, id.Number)
}

// RepoIdentity identifies a repository within one installation. Queues,
// leases, and throttle-adjacent drains are all keyed at this granularity
// (throttle itself is keyed on InstallationID alone).
type RepoIdentity struct {
	InstallationID uint64
	Owner          string
	Repo           string
}

// String renders the identity as "installation:owner/repo".
func (id RepoIdentity) String() string {
	return fmt.Sprintf("%d:%s/%s", id.InstallationID, id.Owner, id.Repo)
}

// Item is one queued attempt to auto-merge a specific pull request. It is
// mutated only by requeue-with-backoff (Retries++, NotBefore advanced); a
// starvation-driven tail requeue leaves both fields untouched.
type Item struct {
	Number     uint64  `json:"number"`
	Sender     *string `json:"sender"`
	EnqueuedAt float64 `json:"ts"`
	Retries    int     `json:"retries"`
	NotBefore  float64 `json:"not_before"`
}
