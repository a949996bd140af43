package drain

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/lease"
	"github.com/shhac/automerge/internal/merge"
	"github.com/shhac/automerge/internal/metrics"
	"github.com/shhac/automerge/internal/queue"
	"github.com/shhac/automerge/internal/storetest"
	"github.com/shhac/automerge/internal/throttle"
)

type fakeScheduler struct {
	calls []time.Duration
}

func (s *fakeScheduler) After(d time.Duration, fn func()) {
	s.calls = append(s.calls, d)
	// Deliberately does not invoke fn: tests assert on scheduling, not on
	// the rescheduled drain actually running.
}

func newHarness(t *testing.T, runner MergeRunner) (*Dispatcher, *storetest.Fake, *queue.Queue, *throttle.Gate, *fakeScheduler) {
	t.Helper()
	s := storetest.New()
	m := metrics.New(prometheus.NewRegistry())
	id := automerge.RepoIdentity{InstallationID: 1, Owner: "acme", Repo: "widget"}
	l := lease.New(s, "automerge", id, 60*time.Second)
	g := throttle.New(s, m, "automerge")
	q := queue.New(s, m, zerolog.Nop(), "automerge", id, queue.Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second})
	sched := &fakeScheduler{}
	d := New(id, l, g, q, runner, sched, m, zerolog.Nop(), Config{MaxRetries: 3, MaxItemWindow: time.Hour, MaxBackoffSeconds: 120 * time.Second})
	return d, s, q, g, sched
}

func successRunner(_ context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
	hb()
	return merge.Outcome{Kind: merge.KindSuccess}
}

func TestDrainPopsAndMergesSuccessfully(t *testing.T) {
	d, s, q, _, _ := newHarness(t, successRunner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 7, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("expected empty queue after drain, got depth %d", depth)
	}
	_ = s
}

func TestDrainPermanentFailureDropsItem(t *testing.T) {
	runner := func(_ context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
		hb()
		return merge.Outcome{Kind: merge.KindPermanent, Reason: "draft"}
	}
	d, _, q, _, _ := newHarness(t, runner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 9, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("expected item dropped, got depth %d", depth)
	}
}

func TestDrainTransientFailureRequeuesWithBackoff(t *testing.T) {
	runner := func(_ context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
		hb()
		return merge.Outcome{Kind: merge.KindTransient, Reason: "checks_not_green"}
	}
	d, _, q, _, _ := newHarness(t, runner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 11, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	pos, err := q.FindPosition(ctx, 11)
	if err != nil {
		t.Fatalf("find position: %v", err)
	}
	if pos == 0 {
		t.Fatalf("expected item 11 requeued, not found")
	}
}

func TestDrainTransientFailureExhaustsRetriesToDeadLetter(t *testing.T) {
	runner := func(_ context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
		hb()
		return merge.Outcome{Kind: merge.KindTransient, Reason: "checks_not_green"}
	}
	d, _, q, _, _ := newHarness(t, runner)
	ctx := context.Background()
	// retries=2, max_retries=3: retries+1 >= max_retries triggers dead-letter.
	if _, err := q.Enqueue(ctx, 13, nil, 2, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	pos, _ := q.FindPosition(ctx, 13)
	if pos != 0 {
		t.Fatalf("expected item removed from live queue, found at position %d", pos)
	}
}

func TestDrainPanicIsTreatedAsUncaughtError(t *testing.T) {
	runner := func(_ context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
		hb()
		panic("boom")
	}
	d, _, q, _, _ := newHarness(t, runner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 21, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	pos, err := q.FindPosition(ctx, 21)
	if err != nil {
		t.Fatalf("find position: %v", err)
	}
	if pos == 0 {
		t.Fatalf("expected panicking item requeued rather than lost")
	}
}

func TestDrainSkipsWhenLeaseHeldByAnother(t *testing.T) {
	d, s, q, _, _ := newHarness(t, successRunner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 31, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id := automerge.RepoIdentity{InstallationID: 1, Owner: "acme", Repo: "widget"}
	other := lease.New(s, "automerge", id, 60*time.Second)
	ok, err := other.Acquire(ctx, "someone-else")
	if err != nil || !ok {
		t.Fatalf("setup: could not pre-acquire lease: %v %v", ok, err)
	}

	d.Drain(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected item untouched while lease held elsewhere, got depth %d", depth)
	}
}

func TestDrainReleasesAndReschedulesWhenThrottled(t *testing.T) {
	d, s, q, g, sched := newHarness(t, successRunner)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 41, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	future := float64(time.Now().Add(30 * time.Second).Unix())
	if err := g.Set(ctx, 1, future, throttle.ReasonPrimary); err != nil {
		t.Fatalf("set throttle: %v", err)
	}

	d.Drain(ctx)

	if len(sched.calls) != 1 {
		t.Fatalf("expected one scheduled re-drain, got %d", len(sched.calls))
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected item untouched while throttled, got depth %d", depth)
	}

	id := automerge.RepoIdentity{InstallationID: 1, Owner: "acme", Repo: "widget"}
	l := lease.New(s, "automerge", id, 60*time.Second)
	held, err := l.Acquire(ctx, "probe")
	if err != nil || !held {
		t.Fatalf("expected lease released after throttle handoff: held=%v err=%v", held, err)
	}
}

func TestDrainStarvationRequeuesTailWithoutBumpingRetries(t *testing.T) {
	s := storetest.New()
	runner := func(ctx context.Context, _ automerge.PRIdentity, hb merge.Heartbeat, _ merge.Clock) merge.Outcome {
		hb()
		// Drop the lease so the drain stops after this attempt: an item that
		// starves on every attempt is otherwise popped again and again, since
		// the drain only stops on an empty queue or a lost lease.
		_ = s.KVDelete(ctx, "automerge:lock:1:acme/widget")
		return merge.Outcome{Kind: merge.KindTransient, Reason: "checks_not_green"}
	}
	m := metrics.New(prometheus.NewRegistry())
	id := automerge.RepoIdentity{InstallationID: 1, Owner: "acme", Repo: "widget"}
	l := lease.New(s, "automerge", id, 60*time.Second)
	g := throttle.New(s, m, "automerge")
	q := queue.New(s, m, zerolog.Nop(), "automerge", id, queue.Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second})
	sched := &fakeScheduler{}
	// A maxItemWindow of 1ns classifies every processed item as starved,
	// since any real run takes longer than that (a window of 0 would turn
	// the starvation check off).
	d := New(id, l, g, q, runner, sched, m, zerolog.Nop(), Config{MaxRetries: 3, MaxItemWindow: time.Nanosecond, MaxBackoffSeconds: 120 * time.Second})

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, 51, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Drain(ctx)

	item, result, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if result != queue.Popped {
		t.Fatalf("expected starved item back in queue, got result %v", result)
	}
	if item.Retries != 0 {
		t.Fatalf("expected retries untouched by starvation requeue, got %d", item.Retries)
	}
}
