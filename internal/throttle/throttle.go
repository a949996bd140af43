// Package throttle implements the per-installation backpressure gate: a
// marker with an expiry, set by the forge client on rate-limit signals and
// honored by the drain loop before it pops any work.
package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shhac/automerge/internal/metrics"
	"github.com/shhac/automerge/internal/store"
)

// Reason classifies why a throttle marker was set. It is advisory only —
// spec.md §9 notes the primary/secondary distinction is heuristic and must
// not drive branching behavior.
type Reason string

const (
	ReasonPrimary    Reason = "primary"
	ReasonSecondary  Reason = "secondary"
	ReasonRetryAfter Reason = "retry_after"
)

// Marker is the record stored for an installation under backpressure.
type Marker struct {
	Until  float64 `json:"until"`
	Reason Reason  `json:"reason"`
}

// Gate is the per-installation throttle.
type Gate struct {
	store store.Store
	m     *metrics.Metrics
	ns    string
	now   func() time.Time
}

// New builds a Gate. Keys are computed per installation on each call so a
// single Gate can serve every installation in the process.
func New(s store.Store, m *metrics.Metrics, ns string) *Gate {
	return &Gate{store: s, m: m, ns: ns, now: time.Now}
}

func (g *Gate) key(installationID uint64) string {
	return fmt.Sprintf("%s:throttle:%d", g.ns, installationID)
}

// Set overwrites any existing marker for installationID with TTL
// max(1, until-now), per spec.md §4.4.
func (g *Gate) Set(ctx context.Context, installationID uint64, until float64, reason Reason) error {
	marker := Marker{Until: until, Reason: reason}
	blob, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("throttle: marshal marker: %w", err)
	}

	ttlSeconds := until - float64(g.now().Unix())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	ttl := time.Duration(ttlSeconds * float64(time.Second))

	if err := g.store.KVSet(ctx, g.key(installationID), string(blob), ttl); err != nil {
		return fmt.Errorf("throttle: set: %w", err)
	}
	g.m.ThrottleActive.WithLabelValues(fmt.Sprint(installationID)).Set(1)
	return nil
}

// Get returns the current marker for installationID, or nil if none is
// active (expired or never set).
func (g *Gate) Get(ctx context.Context, installationID uint64) (*Marker, error) {
	raw, err := g.store.KVGet(ctx, g.key(installationID))
	if errors.Is(err, store.ErrNotFound) {
		g.m.ThrottleActive.WithLabelValues(fmt.Sprint(installationID)).Set(0)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("throttle: get: %w", err)
	}

	var marker Marker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return nil, fmt.Errorf("throttle: decode marker: %w", err)
	}
	g.m.ThrottleActive.WithLabelValues(fmt.Sprint(installationID)).Set(1)
	return &marker, nil
}

// Clear removes the marker for installationID, if any.
func (g *Gate) Clear(ctx context.Context, installationID uint64) error {
	if err := g.store.KVDelete(ctx, g.key(installationID)); err != nil {
		return fmt.Errorf("throttle: clear: %w", err)
	}
	g.m.ThrottleActive.WithLabelValues(fmt.Sprint(installationID)).Set(0)
	return nil
}
