// Package fanout maps tick change sets to the sessions allowed to see them
// and enqueues one update message per session per tick. It holds session
// ids, never Session pointers, across tick boundaries: each dispatch
// re-resolves ids through the registry so dead sessions are never retained.
package fanout

import (
	"encoding/json"
	"log/slog"

	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/world"
)

// Router fans one tick's changes out to permitted sessions.
type Router struct {
	registry *session.Registry
	metrics  *metrics.Metrics
}

func NewRouter(registry *session.Registry, m *metrics.Metrics) *Router {
	return &Router{registry: registry, metrics: m}
}

// Dispatch enqueues the change set for every session in the tick's sync
// group holding read permission. Empty categories emit nothing. Dispatch is
// called from the group's scheduler goroutine, which serializes ticks, so
// per-session queues see strictly increasing tick numbers.
//
// Dispatch only enqueues; it never waits on socket delivery.
func (r *Router) Dispatch(changes *world.ChangeSet) {
	if changes.Empty() {
		return
	}

	ids := r.registry.SessionsPermitted(changes.Tick.SyncGroup, session.PermRead)
	if len(ids) == 0 {
		return
	}

	// Marshal each category once and share the buffer across sessions.
	var frames []session.Outbound
	if len(changes.Entities) > 0 {
		frames = appendFrame(frames, protocol.TypeSyncGroupUpdates, changes.Tick.Number,
			protocol.NewSyncGroupUpdates(changes.Tick, changes.Entities))
	}
	if len(changes.Scripts) > 0 {
		frames = appendFrame(frames, protocol.TypeScriptUpdates, changes.Tick.Number,
			protocol.NewScriptUpdates(changes.Tick, changes.Scripts))
	}
	if len(changes.Assets) > 0 {
		frames = appendFrame(frames, protocol.TypeAssetUpdates, changes.Tick.Number,
			protocol.NewAssetUpdates(changes.Tick, changes.Assets))
	}

	for _, id := range ids {
		sess, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		for _, frame := range frames {
			result, evicted := sess.EnqueueRaw(frame)
			switch result {
			case session.PushEvicted:
				r.metrics.MessagesDropped.WithLabelValues(string(evicted.Type)).Inc()
			case session.PushStalled:
				r.metrics.MessagesDropped.WithLabelValues(string(frame.Type)).Inc()
			}
			if result == session.PushOK || result == session.PushEvicted {
				r.metrics.MessagesEnqueued.WithLabelValues(string(frame.Type)).Inc()
			}
		}
	}
}

func appendFrame(frames []session.Outbound, t protocol.MessageType, tick int64, msg any) []session.Outbound {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal tick update", "type", t, "error", err)
		return frames
	}
	return append(frames, session.Outbound{Type: t, TickNumber: tick, Payload: payload})
}
