// Package drain implements the per-repository drain loop (spec.md §4.5):
// it acquires the repo's lease, checks the installation's throttle,
// repeatedly pops items and runs them through the merge state machine, and
// classifies each outcome into a requeue/backoff/dead-letter/drop
// decision.
package drain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/lease"
	"github.com/shhac/automerge/internal/merge"
	"github.com/shhac/automerge/internal/metrics"
	"github.com/shhac/automerge/internal/queue"
	"github.com/shhac/automerge/internal/throttle"
)

// Scheduler defers a callback without busy-waiting. internal/schedule.Cron
// satisfies this using robfig/cron/v3 one-shot entries.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// Dispatcher runs drains for one (installation, owner, repo).
type Dispatcher struct {
	id            automerge.RepoIdentity
	lease         *lease.Lease
	throttle      *throttle.Gate
	queue         *queue.Queue
	merge         MergeRunner
	scheduler     Scheduler
	m             *metrics.Metrics
	log           zerolog.Logger
	maxRetries    int
	maxItemWindow time.Duration
	maxBackoff    time.Duration
	now           func() time.Time
	clock         merge.Clock
}

// MergeRunner is the merge state machine entry point, narrowed to a
// function type so Dispatcher doesn't need to know about forge.Client.
type MergeRunner func(ctx context.Context, id automerge.PRIdentity, hb merge.Heartbeat, clock merge.Clock) merge.Outcome

// Config bundles the tunables sourced from the environment (spec.md §6).
type Config struct {
	MaxRetries        int
	MaxItemWindow     time.Duration
	MaxBackoffSeconds time.Duration
}

// New builds a Dispatcher for one repository.
func New(id automerge.RepoIdentity, l *lease.Lease, g *throttle.Gate, q *queue.Queue, runner MergeRunner, scheduler Scheduler, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		id:            id,
		lease:         l,
		throttle:      g,
		queue:         q,
		merge:         runner,
		scheduler:     scheduler,
		m:             m,
		log:           log.With().Uint64("installation", id.InstallationID).Str("repo", id.Owner+"/"+id.Repo).Logger(),
		maxRetries:    cfg.MaxRetries,
		maxItemWindow: cfg.MaxItemWindow,
		maxBackoff:    cfg.MaxBackoffSeconds,
		now:           time.Now,
		clock:         merge.RealClock(),
	}
}

// Drain runs one full drain pass: acquire lease, honor any active
// throttle, then loop popping and processing items until the queue is
// empty or the lease is lost.
func (d *Dispatcher) Drain(ctx context.Context) {
	workerID := uuid.NewString()

	acquired, err := d.lease.Acquire(ctx, workerID)
	if err != nil {
		d.log.Error().Err(err).Msg("lease acquire failed")
		return
	}
	if !acquired {
		return
	}

	if delay, throttled := d.checkThrottle(ctx); throttled {
		if err := d.lease.Release(ctx, workerID); err != nil {
			d.log.Error().Err(err).Msg("lease release failed during throttle handoff")
		}
		d.scheduler.After(delay, func() { d.Drain(context.Background()) })
		return
	}

	defer func() {
		if err := d.lease.Release(ctx, workerID); err != nil {
			d.log.Error().Err(err).Msg("lease release failed")
		}
	}()

	depth, err := d.queue.Depth(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("queue depth failed")
		depth = 0
	}

	deferredSeenWithoutProgress := int64(0)
	for {
		item, result, err := d.queue.Pop(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("queue pop failed")
			break
		}
		switch result {
		case queue.Empty:
			if err := d.queue.UpdateGauges(ctx); err != nil {
				d.log.Error().Err(err).Msg("update gauges failed")
			}
			return
		case queue.Deferred:
			deferredSeenWithoutProgress++
			if deferredSeenWithoutProgress > depth {
				// every item currently queued is not yet eligible; stop
				// spinning and let a future pop/trigger pick this back up.
				return
			}
			continue
		}

		deferredSeenWithoutProgress = 0
		d.processItem(ctx, workerID, *item)

		refreshed, err := d.lease.Refresh(ctx, workerID)
		if err != nil || !refreshed {
			return
		}
	}
}

// checkThrottle reads the installation's backpressure marker. If active,
// it returns the capped delay until it expires and true.
func (d *Dispatcher) checkThrottle(ctx context.Context) (time.Duration, bool) {
	marker, err := d.throttle.Get(ctx, d.id.InstallationID)
	if err != nil {
		d.log.Error().Err(err).Msg("throttle get failed")
		return 0, false
	}
	if marker == nil {
		return 0, false
	}
	untilDelta := marker.Until - float64(d.now().Unix())
	if untilDelta <= 0 {
		return 0, false
	}
	delay := time.Duration(untilDelta * float64(time.Second))
	if delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay, true
}

// processItem runs one item through the merge state machine and applies
// the outcome classification (spec.md §4.5).
func (d *Dispatcher) processItem(ctx context.Context, workerID string, item automerge.Item) {
	id := automerge.PRIdentity{
		InstallationID: d.id.InstallationID,
		Owner:          d.id.Owner,
		Repo:           d.id.Repo,
		Number:         item.Number,
	}

	started := d.now()
	heartbeat := func() bool {
		ok, err := d.lease.Refresh(ctx, workerID)
		if err != nil {
			d.log.Error().Err(err).Msg("heartbeat refresh failed")
			return false
		}
		return ok
	}

	outcome, panicked := d.runGuarded(ctx, id, heartbeat)
	elapsed := d.now().Sub(started)

	labels := []string{fmt.Sprint(d.id.InstallationID), d.id.Owner + "/" + d.id.Repo}

	switch {
	case !panicked && outcome.Kind == merge.KindSuccess:
		d.m.DrainOutcomes.WithLabelValues(append(labels, "success")...).Inc()

	case elapsed >= d.maxItemWindow && d.maxItemWindow > 0:
		if err := d.queue.RequeueTail(ctx, item); err != nil {
			d.log.Error().Err(err).Uint64("pr", item.Number).Msg("starvation requeue failed")
		}
		d.m.DrainOutcomes.WithLabelValues(append(labels, "starvation")...).Inc()

	case panicked || outcome.Kind == merge.KindTransient:
		if item.Retries+1 >= d.maxRetries {
			if err := d.queue.SendToDeadLetter(ctx, item); err != nil {
				d.log.Error().Err(err).Uint64("pr", item.Number).Msg("dead-letter send failed")
			}
			d.m.DrainOutcomes.WithLabelValues(append(labels, "dead_letter")...).Inc()
		} else {
			if err := d.queue.RequeueWithBackoff(ctx, item); err != nil {
				d.log.Error().Err(err).Uint64("pr", item.Number).Msg("backoff requeue failed")
			}
			d.m.DrainOutcomes.WithLabelValues(append(labels, "transient_retry")...).Inc()
		}

	default: // KindPermanent
		d.log.Info().Uint64("pr", item.Number).Str("reason", outcome.Reason).Msg("permanent failure, dropping item")
		d.m.DrainOutcomes.WithLabelValues(append(labels, "permanent_drop")...).Inc()
	}
}

// runGuarded calls the merge state machine, recovering from any panic and
// treating it as an UncaughtError (spec.md §4.5) subject to the same
// backoff/dead-letter policy as a TransientFailure.
func (d *Dispatcher) runGuarded(ctx context.Context, id automerge.PRIdentity, hb merge.Heartbeat) (out merge.Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Uint64("pr", id.Number).Msg("uncaught error running merge state machine")
			panicked = true
		}
	}()
	out = d.merge(ctx, id, hb, d.clock)
	return out, false
}
