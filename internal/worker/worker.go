// Package worker implements the Background Persistence Worker (spec §4.7):
// a ticker-driven loop that samples the ephemeral dirty set, upserts the
// sampled documents into the Durable store, and conditionally flushes the
// entities that persisted cleanly.
//
// The ticker/lock-gated loop shape is grounded on the reference
// control-plane's LockJanitor (control_plane/coordination/janitor.go):
// scan under a held lock, log and continue past per-item failures, repeat
// on an interval. Unlike the janitor, which cleans based on physical
// staleness, this worker drains based on the version-fenced dirty set
// (spec §4.3.3, §9). An optional leader gate (spec §4.9, a supplemented
// stronger-coordination mode generalized from the reference's
// LeaderElector, control_plane/coordination/leader.go) can restrict ticks
// to a single elected runner; by default every gateway instance competes
// for the short-lived persistence lock instead.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/worldgate/internal/durable"
	"github.com/itskum47/worldgate/internal/ephemeral"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/lock"
	"github.com/itskum47/worldgate/internal/observability"
)

const persistenceLockKey = "background:persistence:lock"

// Worker drains the ephemeral dirty set into the Durable store on a timer.
type Worker struct {
	ephemeral *ephemeral.Manager
	durable   *durable.Manager
	locker    *lock.Locker

	interval  time.Duration
	batchSize int
	lockTTL   time.Duration

	leaderGate func() bool // nil: every instance competes for the lock
}

func New(eph *ephemeral.Manager, dur *durable.Manager, locker *lock.Locker, interval time.Duration, batchSize int, lockTTL time.Duration) *Worker {
	return &Worker{ephemeral: eph, durable: dur, locker: locker, interval: interval, batchSize: batchSize, lockTTL: lockTTL}
}

// SetLeaderGate restricts ticks to callers for which fn returns true,
// wiring the optional single-runner mode (spec §4.9) on top of the same
// Tick the default multi-runner mode uses.
func (w *Worker) SetLeaderGate(fn func() bool) {
	w.leaderGate = fn
}

// Start runs the ticker loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.Printf("[WORKER] tick failed: %v", err)
			}
		}
	}
}

// Tick runs one gated drain pass. It is exported so callers can drive a
// pass directly without waiting on the ticker; the leader gate, when set,
// applies here as well.
func (w *Worker) Tick(ctx context.Context) error {
	if w.leaderGate != nil && !w.leaderGate() {
		return nil
	}
	ran, err := w.locker.WithLock(ctx, persistenceLockKey, w.lockTTL, w.drain)
	switch {
	case err != nil:
		observability.WorkerTicks.WithLabelValues("error").Inc()
		return err
	case !ran:
		observability.WorkerTicks.WithLabelValues("lock_contention").Inc()
		return nil
	default:
		observability.WorkerTicks.WithLabelValues("ok").Inc()
		return nil
	}
}

func (w *Worker) drain(ctx context.Context) error {
	pending, err := w.ephemeral.GetPendingUpdates(ctx, int64(w.batchSize))
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	items := make([]durable.UpsertItem, len(pending))
	for i, p := range pending {
		items[i] = durable.UpsertItem{
			Entity:     p.Entity,
			Attributes: p.Document.Attributes,
			RankScores: p.Document.RankScores,
			Version:    p.Document.Version,
			IsDeleted:  p.Document.IsDeleted,
		}
	}

	upserted, err := w.durable.BatchUpsert(ctx, items)
	if err != nil {
		return err
	}

	var toFlush []ephemeral.PersistedItem
	var dirtyByEntity = make(map[string]string, len(pending))
	for _, p := range pending {
		dirtyByEntity[keygen.DirtyKey(p.Entity)] = p.DirtyKey
	}
	for i, res := range upserted {
		if !res.Success {
			log.Printf("[WORKER] durable upsert failed for %s: %v", res.Entity.EntityID, res.Err)
			continue
		}
		toFlush = append(toFlush, ephemeral.PersistedItem{Entity: res.Entity, ObservedVersion: items[i].Version})
	}
	if len(toFlush) == 0 {
		return nil
	}

	flushed, err := w.ephemeral.FlushPersistedEntities(ctx, toFlush)
	if err != nil {
		return err
	}

	dirtyKeys := make([]string, 0, len(flushed))
	for _, e := range flushed {
		if dk, ok := dirtyByEntity[keygen.DirtyKey(e)]; ok {
			dirtyKeys = append(dirtyKeys, dk)
		}
	}
	if err := w.ephemeral.RemoveDirtyKeys(ctx, dirtyKeys); err != nil {
		return err
	}
	observability.WorkerPersistedEntities.Add(float64(len(flushed)))
	return nil
}
