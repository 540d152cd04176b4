// Package session holds the live-session runtime: the Session type and its
// state machine, the bounded outbound queue, the per-session write pump that
// drains it to the socket, and the registry the fan-out router queries.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/store"
)

// State tracks a session through its lifecycle:
// new → connected → (active ↔ stalled) → closed.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateActive
	StateStalled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason labels why a session ended, for logs and metrics.
type CloseReason string

const (
	CloseExpired      CloseReason = "expired"
	CloseInvalid      CloseReason = "invalid"
	CloseBackpressure CloseReason = "backpressure"
	CloseTransport    CloseReason = "transport"
	CloseShutdown     CloseReason = "shutdown"
	CloseReplaced     CloseReason = "replaced"
)

// Session is one authenticated socket. The session exclusively owns its
// socket and outbound queue; all socket writes happen on its write pump.
// Everything except lastSeen and state is immutable after Start.
type Session struct {
	ID        string
	AgentID   string
	Token     string
	Provider  string
	SyncGroup string
	CanRead   bool
	CanWrite  bool
	StartedAt time.Time
	ExpiresAt time.Time

	conn  *websocket.Conn
	queue *Queue

	lastSeen atomic.Int64 // unix nanos
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// pending holds a deferred close requested via CloseAfterDrain; the
	// write pump applies it once the queue is flushed.
	pending atomic.Pointer[pendingClose]

	writeTimeout time.Duration
	pingPeriod   time.Duration

	// onClose runs exactly once after the socket is torn down; the server
	// wires registry removal and metrics here.
	onClose func(*Session, CloseReason)
	// onSend runs after each successful socket write, for delivery metrics.
	onSend func(protocol.MessageType)
}

// Options carries the per-deployment session tunables.
type Options struct {
	QueueCapacity int
	WriteTimeout  time.Duration
	PingPeriod    time.Duration
	OnClose       func(*Session, CloseReason)
	OnSend        func(protocol.MessageType)
}

// New binds a validated session row to its socket.
func New(row *store.SessionRow, conn *websocket.Conn, opts Options) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           row.ID,
		AgentID:      row.AgentID,
		Token:        row.Token,
		Provider:     row.Provider,
		SyncGroup:    row.SyncGroup,
		CanRead:      row.CanRead,
		CanWrite:     row.CanWrite,
		StartedAt:    row.StartedAt,
		ExpiresAt:    row.ExpiresAt,
		conn:         conn,
		queue:        NewQueue(opts.QueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: opts.WriteTimeout,
		pingPeriod:   opts.PingPeriod,
		onClose:      opts.OnClose,
		onSend:       opts.OnSend,
	}
	s.state.Store(int32(StateNew))
	s.Touch()
	return s
}

// Context is canceled when the session closes; in-flight queries run under
// children of it so closing a session aborts its work.
func (s *Session) Context() context.Context { return s.ctx }

// Conn exposes the socket to the server's read loop, the only other place
// allowed to touch it.
func (s *Session) Conn() *websocket.Conn { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Touch atomically advances last-seen to now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the last heartbeat or activity time.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// markConnected is called once the upgrade handshake and keyframe push are
// done.
func (s *Session) markConnected() {
	s.state.CompareAndSwap(int32(StateNew), int32(StateConnected))
	s.state.CompareAndSwap(int32(StateConnected), int32(StateActive))
}

// MarkStalled flips an active session to stalled. The reaper closes stalled
// sessions that do not recover within one pass.
func (s *Session) MarkStalled() {
	if s.state.CompareAndSwap(int32(StateActive), int32(StateStalled)) {
		slog.Warn("session stalled", "session_id", s.ID, "agent_id", s.AgentID)
	}
}

// MarkActive flips a stalled session back once its queue drains.
func (s *Session) MarkActive() {
	s.state.CompareAndSwap(int32(StateStalled), int32(StateActive))
}

// Stalled reports whether the session is currently stalled.
func (s *Session) Stalled() bool { return s.State() == StateStalled }

// QueueDepth exposes the outbound backlog for stats.
func (s *Session) QueueDepth() int { return s.queue.Len() }

// Enqueue serializes a message and places it on the outbound queue,
// applying the overflow policy. Returns the push result for the producer's
// accounting.
func (s *Session) Enqueue(msg any, msgType protocol.MessageType, tickNumber int64) (PushResult, Outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal outbound message", "type", msgType, "error", err)
		return PushClosed, Outbound{}
	}
	return s.EnqueueRaw(Outbound{Type: msgType, TickNumber: tickNumber, Payload: payload})
}

// EnqueueRaw places an already-marshaled message on the queue. Fan-out uses
// this to share one payload across sessions.
func (s *Session) EnqueueRaw(msg Outbound) (PushResult, Outbound) {
	result, evicted := s.queue.Push(msg)
	switch result {
	case PushStalled:
		s.MarkStalled()
	case PushOK:
		s.MarkActive()
	}
	return result, evicted
}

type pendingClose struct {
	code   int
	reason CloseReason
}

// CloseAfterDrain closes the session once the write pump has flushed
// everything already queued. Callers that owe the client a final message
// (an error_response before an invalid-session close) enqueue it first and
// then call this instead of Close, which would discard the queue.
func (s *Session) CloseAfterDrain(code int, reason CloseReason) {
	s.pending.Store(&pendingClose{code: code, reason: reason})
	s.queue.wake()
}

// Start launches the write pump. The read side belongs to the server's
// connection handler.
func (s *Session) Start() {
	s.markConnected()
	go s.writePump()
}

// writePump is the only goroutine that writes to the socket. It drains the
// outbound queue in FIFO order, keeps the connection alive with pings, and
// tears the session down on the first transport error.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseNormalClosure, CloseTransport)
	}()

	for {
		// Drain everything queued before blocking again.
		for {
			msg, ok := s.queue.Pop()
			if !ok {
				break
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				slog.Warn("session write failed", "session_id", s.ID, "error", err)
				return
			}
			if s.onSend != nil {
				s.onSend(msg.Type)
			}
		}
		if pc := s.pending.Load(); pc != nil {
			s.Close(pc.code, pc.reason)
			return
		}
		if !s.queue.Saturated() {
			s.MarkActive()
		}

		select {
		case <-s.queue.Wakeup():
			if s.queue.Closed() {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("session ping failed", "session_id", s.ID, "error", err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close tears the session down exactly once: cancels in-flight work,
// discards the outbound queue, sends a close frame with the given code, and
// runs the onClose hook.
func (s *Session) Close(code int, reason CloseReason) {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		discarded := s.queue.Close()

		deadline := time.Now().Add(s.writeTimeout)
		frame := websocket.FormatCloseMessage(code, string(reason))
		_ = s.conn.WriteControl(websocket.CloseMessage, frame, deadline)
		_ = s.conn.Close()

		slog.Info("session closed",
			"session_id", s.ID, "agent_id", s.AgentID, "sync_group", s.SyncGroup,
			"code", code, "reason", reason, "discarded", discarded)

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}
