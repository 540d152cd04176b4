package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
)

// handleUpgrade authenticates the bearer token, upgrades the connection,
// registers the session, and pushes the connection handshake plus the
// initial keyframe before entering the read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	provider := r.URL.Query().Get("provider")

	row, err := s.gate.Validate(r.Context(), token)
	if err != nil {
		switch protocol.KindOf(err) {
		case protocol.KindInvalidToken:
			http.Error(w, "invalid token", http.StatusUnauthorized)
		case protocol.KindStoreUnavailable:
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		default:
			slog.Error("token validation failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if provider != "" && provider != row.Provider {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// The configured session duration caps however long the row says it may
	// live; the reaper expires the socket at whichever comes first.
	if d := s.cfg.Session.SessionDuration(); d > 0 {
		if limit := time.Now().Add(d); row.ExpiresAt.After(limit) {
			row.ExpiresAt = limit
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("socket upgrade failed", "error", err)
		return
	}

	sess := session.New(row, conn, session.Options{
		QueueCapacity: s.cfg.Session.OutboundQueueCapacity,
		WriteTimeout:  s.cfg.Session.WriteTimeout(),
		PingPeriod:    pingPeriod,
		OnClose: func(closed *session.Session, reason session.CloseReason) {
			s.registry.Remove(closed)
			s.metrics.SessionsConnected.WithLabelValues(closed.SyncGroup).Dec()
			s.metrics.SessionsClosed.WithLabelValues(closed.SyncGroup, string(reason)).Inc()
		},
		OnSend: func(t protocol.MessageType) {
			s.metrics.MessagesSent.WithLabelValues(string(t)).Inc()
		},
	})

	// One socket per session: the newest binding wins.
	if replaced := s.registry.Insert(sess); replaced != nil {
		slog.Info("session rebound to new socket", "session_id", sess.ID)
		replaced.Close(websocket.CloseNormalClosure, session.CloseReplaced)
	}
	s.metrics.SessionsConnected.WithLabelValues(sess.SyncGroup).Inc()

	slog.Info("session connected",
		"session_id", sess.ID, "agent_id", sess.AgentID,
		"sync_group", sess.SyncGroup, "provider", sess.Provider)

	sess.Start()
	s.enqueue(sess, protocol.NewConnectionEstablished(sess.AgentID, sess.ID), protocol.TypeConnectionEstablished)

	// Initial keyframe so the client can render without replaying history.
	if err := s.keyframes.Send(sess.Context(), sess, sess.SyncGroup, protocol.KeyframeEntities); err != nil {
		slog.Error("initial keyframe failed", "session_id", sess.ID, "error", err)
		s.enqueueError(sess, err, "")
	}

	go s.readLoop(sess)
}

// readLoop owns all reads from the socket and dispatches parsed messages.
// Messages from one session are handled strictly in order, which is what
// guarantees that query responses never overtake responses to earlier
// requests.
func (s *Server) readLoop(sess *session.Session) {
	conn := sess.Conn()
	defer sess.Close(websocket.CloseNormalClosure, session.CloseTransport)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("socket read failed", "session_id", sess.ID, "error", err)
			}
			return
		}

		msg, err := protocol.ParseClient(payload)
		if err != nil {
			// Schema violations keep the session; the client just gets told.
			s.enqueueError(sess, err, requestIDOf(err))
			continue
		}
		s.dispatch(sess, msg)
	}
}

// dispatch handles one parsed client message. Unknown types never reach
// here; ParseClient already rejected them.
func (s *Server) dispatch(sess *session.Session, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeHeartbeatRequest:
		sess.Touch()
		s.enqueue(sess, protocol.NewHeartbeatResponse(), protocol.TypeHeartbeatResponse)

	case protocol.TypeClientConfigRequest:
		s.enqueue(sess, protocol.NewClientConfigResponse(s.clientCfg), protocol.TypeClientConfigResponse)

	case protocol.TypeKeyframeRequest:
		if err := s.keyframes.Send(sess.Context(), sess, msg.Keyframe.SyncGroup, msg.Keyframe.Kind); err != nil {
			slog.Warn("keyframe request failed",
				"session_id", sess.ID, "sync_group", msg.Keyframe.SyncGroup, "error", err)
			s.enqueueError(sess, err, msg.RequestID)
		}

	case protocol.TypeQueryRequest:
		resp := s.executor.Execute(sess, msg.Query)
		switch resp.(type) {
		case *protocol.QueryResponse:
			s.enqueue(sess, resp, protocol.TypeQueryResponse)
		case *protocol.ErrorResponse:
			s.enqueue(sess, resp, protocol.TypeErrorResponse)
		}
	}
}

// enqueue serializes and queues one server message, with delivery metrics.
func (s *Server) enqueue(sess *session.Session, msg any, t protocol.MessageType) {
	result, evicted := sess.Enqueue(msg, t, 0)
	switch result {
	case session.PushEvicted:
		s.metrics.MessagesDropped.WithLabelValues(string(evicted.Type)).Inc()
	case session.PushStalled:
		slog.Warn("outbound queue saturated with critical messages", "session_id", sess.ID)
	}
	if result == session.PushOK || result == session.PushEvicted {
		s.metrics.MessagesEnqueued.WithLabelValues(string(t)).Inc()
	}
}

// enqueueError reduces an error to a typed error_response.
func (s *Server) enqueueError(sess *session.Session, err error, requestID string) {
	kind := protocol.KindOf(err)
	msg := err.Error()
	if kind == protocol.KindInternal {
		// Internal details stay in the logs.
		msg = "internal error"
	}
	s.enqueue(sess, protocol.NewErrorResponse(kind, msg, requestID), protocol.TypeErrorResponse)
}

func requestIDOf(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.RequestID
	}
	return ""
}
