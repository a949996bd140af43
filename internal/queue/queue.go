// Package queue implements the per-(installation, repository) pull-request
// queue: an ordered, deduplicated list of pending items backed by
// internal/store, with a companion dead-letter sink and gauge bookkeeping.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/metrics"
	"github.com/shhac/automerge/internal/store"
)

// EnqueueResult classifies the outcome of Enqueue.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Deduped
)

// PopResult classifies the outcome of Pop.
type PopResult int

const (
	Popped PopResult = iota
	Empty
	Deferred
)

// Backoff holds the parameters governing requeue-with-backoff delay
// calculation (spec: backoff_base_seconds, backoff_factor, max_backoff_seconds).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Queue is the per-(installation, owner, repo) pull-request queue.
type Queue struct {
	store   store.Store
	m       *metrics.Metrics
	log     zerolog.Logger
	id      automerge.RepoIdentity
	backoff Backoff
	now     func() time.Time

	itemsKey  string
	metaKey   string
	dedupeKey string
	dlqKey    string
}

// New builds a Queue for the given repository, using keys prefixed by ns
// (the configured store namespace, default "automerge") and a colon.
func New(s store.Store, m *metrics.Metrics, log zerolog.Logger, ns string, id automerge.RepoIdentity, backoff Backoff) *Queue {
	base := fmt.Sprintf("%s:queue:%d:%s/%s", ns, id.InstallationID, id.Owner, id.Repo)
	return &Queue{
		store:     s,
		m:         m,
		log:       log.With().Uint64("installation", id.InstallationID).Str("repo", id.Owner+"/"+id.Repo).Logger(),
		id:        id,
		backoff:   backoff,
		now:       time.Now,
		itemsKey:  base,
		metaKey:   base + ":meta",
		dedupeKey: fmt.Sprintf("%s:dedupe:%d:%s/%s", ns, id.InstallationID, id.Owner, id.Repo),
		dlqKey:    fmt.Sprintf("%s:dlq:%d:%s/%s", ns, id.InstallationID, id.Owner, id.Repo),
	}
}

// Enqueue adds number to the queue unless it is already present (I1, I2).
// The three mutations (list push, dedupe add, first_ts set-if-absent) are
// applied in a single store round trip so no partial state is observable.
func (q *Queue) Enqueue(ctx context.Context, number uint64, sender *string, retries int, notBefore float64) (EnqueueResult, error) {
	item := automerge.Item{
		Number:     number,
		Sender:     sender,
		EnqueuedAt: float64(q.now().Unix()),
		Retries:    retries,
		NotBefore:  notBefore,
	}
	blob, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal item: %w", err)
	}

	member := fmt.Sprintf("%d", number)
	added, err := q.store.EnqueuePipeline(ctx, q.itemsKey, string(blob), q.dedupeKey, member, q.metaKey, "first_ts", fmt.Sprintf("%d", int64(item.EnqueuedAt)))
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue store error: %w", err)
	}
	if !added {
		q.m.QueueDeduped.WithLabelValues(fmt.Sprint(q.id.InstallationID), q.id.Owner+"/"+q.id.Repo).Inc()
		return Deduped, nil
	}
	return Enqueued, nil
}

// Pop removes and returns the head item, unless it is not yet eligible to
// run (I4): an item whose NotBefore is in the future is pushed back to the
// tail, left in the dedupe set, and Pop returns (nil, Deferred, nil) for
// this call without consuming it.
func (q *Queue) Pop(ctx context.Context) (*automerge.Item, PopResult, error) {
	raw, err := q.store.ListPopHead(ctx, q.itemsKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Empty, nil
	}
	if err != nil {
		return nil, Empty, fmt.Errorf("queue: pop store error: %w", err)
	}

	var item automerge.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, Empty, fmt.Errorf("queue: pop decode error: %w", err)
	}

	if item.NotBefore > float64(q.now().Unix()) {
		if err := q.store.ListPushTail(ctx, q.itemsKey, raw); err != nil {
			return nil, Empty, fmt.Errorf("queue: defer requeue error: %w", err)
		}
		q.m.QueueDeferred.WithLabelValues(fmt.Sprint(q.id.InstallationID), q.id.Owner+"/"+q.id.Repo).Inc()
		return nil, Deferred, nil
	}

	member := fmt.Sprintf("%d", item.Number)
	if err := q.store.SetRemove(ctx, q.dedupeKey, member); err != nil {
		return nil, Empty, fmt.Errorf("queue: pop dedupe cleanup error: %w", err)
	}
	return &item, Popped, nil
}

// RequeueWithBackoff increments the item's retry counter and schedules its
// next eligible time using exponential backoff capped at backoff.Max (I5:
// retries is monotonic non-decreasing), then pushes it to the tail and
// re-adds it to the dedupe set.
func (q *Queue) RequeueWithBackoff(ctx context.Context, item automerge.Item) error {
	item.Retries++
	delay := time.Duration(float64(q.backoff.Base) * math.Pow(q.backoff.Factor, float64(item.Retries-1)))
	if delay > q.backoff.Max {
		delay = q.backoff.Max
	}
	item.NotBefore = float64(q.now().Unix()) + delay.Seconds()
	return q.pushBack(ctx, item)
}

// RequeueTail pushes item back to the tail without mutating Retries or
// NotBefore. Used by the starvation guard so a slow item does not block
// others, without being penalized as if it had failed (I5).
func (q *Queue) RequeueTail(ctx context.Context, item automerge.Item) error {
	q.m.QueueStarved.WithLabelValues(fmt.Sprint(q.id.InstallationID), q.id.Owner+"/"+q.id.Repo).Inc()
	return q.pushBack(ctx, item)
}

func (q *Queue) pushBack(ctx context.Context, item automerge.Item) error {
	blob, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal item: %w", err)
	}
	if err := q.store.ListPushTail(ctx, q.itemsKey, string(blob)); err != nil {
		return fmt.Errorf("queue: requeue push error: %w", err)
	}
	member := fmt.Sprintf("%d", item.Number)
	if _, err := q.store.SetAdd(ctx, q.dedupeKey, member); err != nil {
		return fmt.Errorf("queue: requeue dedupe add error: %w", err)
	}
	return nil
}

// SendToDeadLetter appends item to the DLQ. Items reaching the DLQ have
// exhausted their retries or could not be requeued; they exit the system
// (I6) via this path rather than silently disappearing.
func (q *Queue) SendToDeadLetter(ctx context.Context, item automerge.Item) error {
	blob, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal dlq item: %w", err)
	}
	if err := q.store.ListPushTail(ctx, q.dlqKey, string(blob)); err != nil {
		return fmt.Errorf("queue: dlq push error: %w", err)
	}
	q.m.QueueDLQ.WithLabelValues(fmt.Sprint(q.id.InstallationID), q.id.Owner+"/"+q.id.Repo).Inc()
	return nil
}

// maxPositionScan bounds the cost of FindPosition: positions past this
// index are reported as 0 (not found) even if the item is present further
// back in the queue.
const maxPositionScan = 1000

// FindPosition returns the 1-based index of number within the first 1000
// items, or 0 if it is absent from that window.
func (q *Queue) FindPosition(ctx context.Context, number uint64) (uint32, error) {
	items, err := q.store.ListRange(ctx, q.itemsKey, 0, maxPositionScan-1)
	if err != nil {
		return 0, fmt.Errorf("queue: find position error: %w", err)
	}
	for i, raw := range items {
		var item automerge.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		if item.Number == number {
			return uint32(i + 1), nil
		}
	}
	return 0, nil
}

// Depth returns the current number of queued items.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.ListLen(ctx, q.itemsKey)
	if err != nil {
		return 0, fmt.Errorf("queue: depth error: %w", err)
	}
	return n, nil
}

// UpdateGauges recomputes the depth and oldest-age gauges from the current
// head of the queue.
func (q *Queue) UpdateGauges(ctx context.Context) error {
	labels := []string{fmt.Sprint(q.id.InstallationID), q.id.Owner + "/" + q.id.Repo}

	depth, err := q.Depth(ctx)
	if err != nil {
		return err
	}
	q.m.QueueDepth.WithLabelValues(labels...).Set(float64(depth))

	head, err := q.store.ListPeek(ctx, q.itemsKey, 0)
	if errors.Is(err, store.ErrNotFound) {
		q.m.QueueOldestAge.WithLabelValues(labels...).Set(0)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: update gauges peek error: %w", err)
	}

	var item automerge.Item
	if err := json.Unmarshal([]byte(head), &item); err != nil {
		return fmt.Errorf("queue: update gauges decode error: %w", err)
	}
	age := float64(q.now().Unix()) - item.EnqueuedAt
	if age < 0 {
		age = 0
	}
	q.m.QueueOldestAge.WithLabelValues(labels...).Set(age)
	return nil
}
