// Package query executes client-originated queries against the store under
// the acting agent's identity and returns correlated responses.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
)

// Store is the slice of the store gateway the executor needs. ExecuteAs is
// the only path by which client queries reach the database.
type Store interface {
	ExecuteAs(ctx context.Context, agentID, query string, params []any) ([]map[string]any, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// Executor validates and runs query requests. Execute is called from each
// session's read loop, so queries from one session run serially and their
// responses keep request order.
type Executor struct {
	store          Store
	metrics        *metrics.Metrics
	timeout        time.Duration
	maxResultBytes int
}

func NewExecutor(store Store, m *metrics.Metrics, timeout time.Duration, maxResultBytes int) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{
		store:          store,
		metrics:        m,
		timeout:        timeout,
		maxResultBytes: maxResultBytes,
	}
}

// Execute runs one query under the session's agent identity and returns the
// message to enqueue. The query runs under a child of the session context,
// so closing the session aborts the in-flight transaction; the hard timeout
// bounds it either way.
func (e *Executor) Execute(sess *session.Session, req *protocol.QueryRequest) any {
	if sess.State() == session.StateClosed || sess.Stalled() {
		return protocol.NewErrorResponse(protocol.KindSessionInvalid,
			"session is not active", req.RequestID)
	}

	ctx, cancel := context.WithTimeout(sess.Context(), e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.store.ExecuteAs(ctx, sess.AgentID, req.Query, req.Parameters)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		e.metrics.QueryDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	case errors.Is(err, context.DeadlineExceeded):
		e.metrics.QueryDuration.WithLabelValues("timeout").Observe(elapsed.Seconds())
		e.metrics.QueryFailures.WithLabelValues("timeout").Inc()
		return protocol.NewQueryError(req.RequestID, "query timed out")
	default:
		kind := protocol.KindOf(err)
		e.metrics.QueryDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		e.metrics.QueryFailures.WithLabelValues(string(kind)).Inc()
		return protocol.NewQueryError(req.RequestID, err.Error())
	}

	// Clamp oversized results with a protocol-level error rather than
	// shipping an unbounded frame. The request itself was well formed, so
	// this is a delivery limit, not a schema failure.
	if e.maxResultBytes > 0 {
		if size := resultSize(rows); size > e.maxResultBytes {
			e.metrics.QueryFailures.WithLabelValues("oversize").Inc()
			return protocol.NewErrorResponse(protocol.KindBackpressure,
				"query result exceeds size limit", req.RequestID)
		}
	}

	// Query traffic keeps the session alive.
	sess.Touch()
	touchCtx, touchCancel := context.WithTimeout(context.Background(), time.Second)
	defer touchCancel()
	_ = e.store.TouchSession(touchCtx, sess.ID)

	return protocol.NewQueryResponse(req.RequestID, rows)
}

func resultSize(rows []map[string]any) int {
	data, err := json.Marshal(rows)
	if err != nil {
		return 0
	}
	return len(data)
}
