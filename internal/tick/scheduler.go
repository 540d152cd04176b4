// Package tick runs the per-sync-group capture loops. Leader nodes run a
// Scheduler per group; follower nodes run a Follower that reacts to
// tick_captured notices produced elsewhere.
package tick

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/world"
)

// Store is the slice of the store gateway the tick loops need.
type Store interface {
	CaptureTick(ctx context.Context, group world.SyncGroup) (*world.TickRecord, error)
	LatestTick(ctx context.Context, group string) (tickID string, number int64, err error)
	TickByID(ctx context.Context, tickID string) (*world.TickRecord, error)
	DiffEntities(ctx context.Context, group, fromTick, toTick string) ([]world.EntityDiff, error)
	DiffScripts(ctx context.Context, group, fromTick, toTick string) ([]world.ScriptDiff, error)
	DiffAssets(ctx context.Context, group, fromTick, toTick string) ([]world.AssetDiff, error)
}

// Dispatcher receives each tick's change set. It must enqueue and return;
// the scheduler never waits on delivery.
type Dispatcher interface {
	Dispatch(*world.ChangeSet)
}

// Scheduler owns one capture loop per configured sync group. Loops for
// distinct groups run concurrently; within one group ticks serialize.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	groups     []world.SyncGroup

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	current map[string]int64 // latest captured tick number per group, for stats
}

func NewScheduler(store Store, dispatcher Dispatcher, m *metrics.Metrics, groups []world.SyncGroup) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		groups:     groups,
		current:    make(map[string]int64),
	}
}

// Start launches one loop per group.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, group := range s.groups {
		s.wg.Add(1)
		go func(g world.SyncGroup) {
			defer s.wg.Done()
			s.runGroup(ctx, g)
		}(group)
	}
}

// Stop cancels all loops and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// CurrentTick reports the latest captured tick number for a group.
func (s *Scheduler) CurrentTick(group string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[group]
}

// runGroup is the fixed-cadence loop for one sync group. The next fire time
// is previous_scheduled + rate, not now + rate, so tick numbers track
// real-time cadence regardless of capture jitter. Overruns fire immediately
// but never skip a tick number.
func (s *Scheduler) runGroup(ctx context.Context, group world.SyncGroup) {
	// The database is the tick cursor's source of truth: recover it so a
	// restarted node diffs against the last committed tick instead of
	// replaying the world as inserts.
	prevTickID, prevNumber, err := s.store.LatestTick(ctx, group.Name)
	if err != nil {
		slog.Error("recover tick cursor", "sync_group", group.Name, "error", err)
	}
	if prevNumber > 0 {
		s.setCurrent(group.Name, prevNumber)
	}
	slog.Info("tick scheduler started",
		"sync_group", group.Name, "rate", group.TickRate, "resume_tick", prevNumber)

	next := time.Now().Add(group.TickRate)
	timer := time.NewTimer(group.TickRate)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if newPrev, ok := s.fire(ctx, group, prevTickID); ok {
			prevTickID = newPrev
		}

		next = next.Add(group.TickRate)
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// fire captures one tick, diffs it against the previous cursor, and hands
// the change set to the dispatcher. Returns the new cursor and whether it
// advanced; a capture failure skips this fire without advancing anything.
func (s *Scheduler) fire(ctx context.Context, group world.SyncGroup, prevTickID string) (string, bool) {
	start := time.Now()

	rec, err := s.store.CaptureTick(ctx, group)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("tick capture failed, skipping fire", "sync_group", group.Name, "error", err)
		}
		return prevTickID, false
	}

	s.setCurrent(group.Name, rec.Number)
	s.metrics.TicksCaptured.WithLabelValues(group.Name).Inc()
	s.metrics.TickHeadroom.WithLabelValues(group.Name).Set(rec.HeadroomMs)
	if rec.Delayed {
		s.metrics.TicksDelayed.WithLabelValues(group.Name).Inc()
		slog.Warn("tick overran rate",
			"sync_group", group.Name, "tick", rec.Number,
			"elapsed", rec.EndedAt.Sub(rec.StartedAt), "rate", group.TickRate)
	}

	changes, err := BuildChangeSet(ctx, s.store, *rec, prevTickID)
	if err != nil {
		// Keep the old cursor so the next fire diffs across the failed
		// span; no change is ever silently lost to a diff error.
		slog.Error("tick diff failed", "sync_group", group.Name, "tick", rec.Number, "error", err)
		return prevTickID, false
	}

	s.dispatcher.Dispatch(changes)
	s.metrics.TickDuration.WithLabelValues(group.Name).Observe(time.Since(start).Seconds())
	return rec.ID, true
}

func (s *Scheduler) setCurrent(group string, number int64) {
	s.mu.Lock()
	s.current[group] = number
	s.mu.Unlock()
}

// BuildChangeSet queries the three diff categories between two ticks.
// Shared by the scheduler and the follower.
func BuildChangeSet(ctx context.Context, store Store, tick world.TickRecord, prevTickID string) (*world.ChangeSet, error) {
	entities, err := store.DiffEntities(ctx, tick.SyncGroup, prevTickID, tick.ID)
	if err != nil {
		return nil, err
	}
	scripts, err := store.DiffScripts(ctx, tick.SyncGroup, prevTickID, tick.ID)
	if err != nil {
		return nil, err
	}
	assets, err := store.DiffAssets(ctx, tick.SyncGroup, prevTickID, tick.ID)
	if err != nil {
		return nil, err
	}
	return &world.ChangeSet{
		Tick:     tick,
		Entities: entities,
		Scripts:  scripts,
		Assets:   assets,
	}, nil
}
