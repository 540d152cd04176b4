package tick

import (
	"context"
	"log/slog"
	"sync"

	"github.com/worldmesh/worldcore/internal/events"
	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/store"
	"github.com/worldmesh/worldcore/internal/world"
)

// Follower fans ticks out on nodes that do not run the capture loops. It
// subscribes to tick_captured notices (Postgres NOTIFY, optionally mirrored
// over Redis), diffs each announced tick against its local cursor, and
// dispatches to this node's sessions.
//
// The first notice per group only seeds the cursor: diffing from nothing
// would replay the whole group as inserts, and joining clients get that
// state from their keyframe instead.
type Follower struct {
	store      Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	groups     map[string]world.SyncGroup

	notices chan store.TickNotice
	unsub   func()
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	cursors map[string]string
}

// followerBacklog bounds the notice queue; beyond it the oldest notice is
// dropped, which is safe because a later diff spans the gap.
const followerBacklog = 64

func NewFollower(st Store, dispatcher Dispatcher, m *metrics.Metrics, groups []world.SyncGroup) *Follower {
	byName := make(map[string]world.SyncGroup, len(groups))
	for _, g := range groups {
		byName[g.Name] = g
	}
	return &Follower{
		store:      st,
		dispatcher: dispatcher,
		metrics:    m,
		groups:     byName,
		notices:    make(chan store.TickNotice, followerBacklog),
		done:       make(chan struct{}),
		cursors:    make(map[string]string),
	}
}

// Start subscribes to the bus and begins processing notices on a single
// goroutine, preserving per-group tick order.
func (f *Follower) Start(ctx context.Context, bus *events.TickBus) {
	ctx, f.cancel = context.WithCancel(ctx)

	f.unsub = bus.Subscribe(func(notice store.TickNotice) {
		select {
		case f.notices <- notice:
		default:
			// Drop the oldest queued notice to keep the handler non-blocking.
			select {
			case dropped := <-f.notices:
				slog.Warn("follower backlog full, dropping tick notice",
					"sync_group", dropped.SyncGroup, "tick", dropped.TickNumber)
			default:
			}
			select {
			case f.notices <- notice:
			default:
			}
		}
	})

	go f.run(ctx)
}

// Stop unsubscribes and waits for the processing goroutine.
func (f *Follower) Stop() {
	if f.unsub != nil {
		f.unsub()
	}
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

func (f *Follower) run(ctx context.Context) {
	defer close(f.done)

	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-f.notices:
			f.handle(ctx, notice)
		}
	}
}

func (f *Follower) handle(ctx context.Context, notice store.TickNotice) {
	if _, known := f.groups[notice.SyncGroup]; !known {
		return
	}

	f.mu.Lock()
	prev, seeded := f.cursors[notice.SyncGroup]
	f.mu.Unlock()

	if !seeded {
		f.setCursor(notice.SyncGroup, notice.TickID)
		slog.Info("follower cursor seeded",
			"sync_group", notice.SyncGroup, "tick", notice.TickNumber)
		return
	}
	if prev == notice.TickID {
		return
	}

	rec, err := f.store.TickByID(ctx, notice.TickID)
	if err != nil {
		slog.Error("follower tick lookup failed",
			"sync_group", notice.SyncGroup, "tick_id", notice.TickID, "error", err)
		return
	}

	changes, err := BuildChangeSet(ctx, f.store, *rec, prev)
	if err != nil {
		// Keep the cursor: the next notice diffs across this span.
		slog.Error("follower diff failed",
			"sync_group", notice.SyncGroup, "tick", notice.TickNumber, "error", err)
		return
	}

	f.dispatcher.Dispatch(changes)
	f.setCursor(notice.SyncGroup, notice.TickID)
	f.metrics.TicksCaptured.WithLabelValues(notice.SyncGroup).Inc()
}

func (f *Follower) setCursor(group, tickID string) {
	f.mu.Lock()
	f.cursors[group] = tickID
	f.mu.Unlock()
}
