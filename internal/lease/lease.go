// Package lease implements the per-repository mutual-exclusion lock: an
// opaque owner id with a TTL, held in the store, granting at most one
// worker per repository across any number of processes.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/store"
)

// Lease guards one repository's drain loop.
type Lease struct {
	store store.Store
	key   string
	ttl   time.Duration
}

// New builds a Lease for the given repository. ttl is the lock's
// expiration (redis_lock_ttl_seconds, default 60s); it is renewed by
// Refresh, not by re-acquiring.
func New(s store.Store, ns string, id automerge.RepoIdentity, ttl time.Duration) *Lease {
	return &Lease{
		store: s,
		key:   fmt.Sprintf("%s:lock:%d:%s/%s", ns, id.InstallationID, id.Owner, id.Repo),
		ttl:   ttl,
	}
}

// Acquire atomically claims the lease for workerID iff it is currently
// unheld. Returns false if any worker — including a prior invocation with a
// different id for the same repo — already holds it.
func (l *Lease) Acquire(ctx context.Context, workerID string) (bool, error) {
	ok, err := l.store.KVSetIfAbsent(ctx, l.key, workerID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lease: acquire: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease's TTL iff it is still held by workerID (I3).
// The drain loop must call this at intervals <= ttl/3 and immediately
// before any long-running forge call; a false return means the lease was
// lost (expired or stolen) and the caller must stop mutating the forge.
func (l *Lease) Refresh(ctx context.Context, workerID string) (bool, error) {
	ok, err := l.store.CompareAndSet(ctx, l.key, workerID, workerID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lease: refresh: %w", err)
	}
	return ok, nil
}

// Release deletes the lease iff it is still held by workerID. A release by
// a non-owner (because the lease already expired and was reacquired by
// someone else) is silently a no-op, per I3.
func (l *Lease) Release(ctx context.Context, workerID string) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key, workerID); err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}
