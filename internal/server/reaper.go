package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldmesh/worldcore/internal/auth"
	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
)

// Reaper sweeps the registry on a fixed interval and closes sessions that
// are no longer welcome: lapsed heartbeats, expired or invalidated session
// rows, and backpressure stalls that did not recover within one pass.
type Reaper struct {
	registry *session.Registry
	gate     *auth.Gate
	metrics  *metrics.Metrics
	interval time.Duration
	window   time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	// stalledLastPass gives a stalled session one full pass to recover
	// before it is closed.
	stalledLastPass map[string]struct{}
}

func NewReaper(registry *session.Registry, gate *auth.Gate, m *metrics.Metrics, interval, window time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{
		registry:        registry,
		gate:            gate,
		metrics:         m,
		interval:        interval,
		window:          window,
		done:            make(chan struct{}),
		stalledLastPass: make(map[string]struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep examines every live session once. Transient store failures keep the
// session; a bad session never takes the sweep (or any other session) down.
func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	nextStalled := make(map[string]struct{})

	for _, sess := range r.registry.All() {
		if sess.State() == session.StateClosed {
			continue
		}

		// Backpressure: a session still stalled since the previous pass is
		// out of time.
		if sess.Stalled() {
			if _, wasStalled := r.stalledLastPass[sess.ID]; wasStalled {
				slog.Warn("closing session stalled across reaper passes", "session_id", sess.ID)
				sess.Close(websocket.CloseInternalServerErr, session.CloseBackpressure)
				continue
			}
			nextStalled[sess.ID] = struct{}{}
		}

		// Every pass revalidates the backing row, so an admin invalidation
		// takes effect within one reaper interval even for chatty clients.
		result, err := r.gate.Revalidate(ctx, sess.ID, sess.Token)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindStoreUnavailable {
				slog.Warn("reaper revalidation unavailable, keeping session",
					"session_id", sess.ID, "error", err)
				continue
			}
			slog.Error("reaper revalidation failed", "session_id", sess.ID, "error", err)
			continue
		}
		switch result {
		case auth.RevalidateInvalid:
			// The client gets one typed error_response, then the normal
			// close once the pump has flushed it.
			sess.Enqueue(protocol.NewErrorResponse(protocol.KindSessionInvalid,
				"session is no longer valid", ""), protocol.TypeErrorResponse, 0)
			sess.CloseAfterDrain(websocket.CloseNormalClosure, session.CloseInvalid)
			continue
		case auth.RevalidateTokenMismatch:
			sess.Close(websocket.ClosePolicyViolation, session.CloseInvalid)
			continue
		}

		lapsed := now.Sub(sess.LastSeen()) > r.window
		expired := now.After(sess.ExpiresAt)
		if !lapsed && !expired {
			continue
		}

		// The row is still valid but the client went quiet past the
		// inactivity window (or outlived its session duration): close
		// normally; it can reconnect with the same token if the row allows.
		sess.Close(websocket.CloseNormalClosure, session.CloseExpired)
	}

	r.stalledLastPass = nextStalled
}
