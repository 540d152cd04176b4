// Package store is the typed gateway over the authoritative Postgres store.
// It owns the connection pool and is the only path to the database: tick
// capture, snapshot diffs, keyframes, session validation, and arbitrary
// queries executed under an agent identity.
//
// Every mutating operation runs inside a transaction that first installs the
// acting agent id in the app.current_agent_id setting, so row-level security
// in the schema always sees the correct principal.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/worldmesh/worldcore/internal/protocol"
)

// agentGUC is the per-transaction setting the schema's row-level security
// policies read to resolve the acting agent.
const agentGUC = "app.current_agent_id"

// Gateway wraps the Postgres pool with the sync core's operations.
type Gateway struct {
	db  *sql.DB
	dsn string
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, maxOpen, maxIdle int) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Gateway{db: db, dsn: dsn}, nil
}

// DSN returns the connection string, used to spawn the NOTIFY listener.
func (g *Gateway) DSN() string { return g.dsn }

// Close shuts the pool down.
func (g *Gateway) Close() error { return g.db.Close() }

// SessionRow is the store's view of one session row, resolved at upgrade.
type SessionRow struct {
	ID        string
	AgentID   string
	Token     string
	Provider  string
	SyncGroup string
	CanRead   bool
	CanWrite  bool
	StartedAt time.Time
	ExpiresAt time.Time
}

// SessionByToken resolves a bearer token to its live session row. Unknown,
// inactive, or expired tokens return a protocol invalid_token error.
func (g *Gateway) SessionByToken(ctx context.Context, token string) (*SessionRow, error) {
	var row SessionRow
	err := g.withRetry(ctx, func(ctx context.Context) error {
		return g.db.QueryRowContext(ctx, `
			SELECT id, agent_id, token, provider, sync_group, can_read, can_write, started_at, expires_at
			FROM sessions
			WHERE token = $1 AND is_active AND expires_at > now()`,
			token,
		).Scan(&row.ID, &row.AgentID, &row.Token, &row.Provider, &row.SyncGroup,
			&row.CanRead, &row.CanWrite, &row.StartedAt, &row.ExpiresAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.KindInvalidToken, "unknown or expired token")
	}
	if err != nil {
		return nil, storeErr("session by token", err)
	}
	return &row, nil
}

// ValidateSession re-checks that a session row is still active and unexpired.
// A missing row is not an error; it reports valid=false.
func (g *Gateway) ValidateSession(ctx context.Context, sessionID string) (agentID string, valid bool, token string, err error) {
	err = g.withRetry(ctx, func(ctx context.Context) error {
		return g.db.QueryRowContext(ctx, `
			SELECT agent_id, token, (is_active AND expires_at > now())
			FROM sessions WHERE id = $1`,
			sessionID,
		).Scan(&agentID, &token, &valid)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, "", nil
	}
	if err != nil {
		return "", false, "", storeErr("validate session", err)
	}
	return agentID, valid, token, nil
}

// TouchSession advances a session's last-seen timestamp. Called from the
// query path so active clients outlive the inactivity window.
func (g *Gateway) TouchSession(ctx context.Context, sessionID string) error {
	err := g.withRetry(ctx, func(ctx context.Context) error {
		_, execErr := g.db.ExecContext(ctx,
			`UPDATE sessions SET last_seen_at = now() WHERE id = $1`, sessionID)
		return execErr
	})
	if err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

// InvalidateSession retires a session row explicitly.
func (g *Gateway) InvalidateSession(ctx context.Context, sessionID string) error {
	err := g.withRetry(ctx, func(ctx context.Context) error {
		_, execErr := g.db.ExecContext(ctx,
			`UPDATE sessions SET is_active = false WHERE id = $1`, sessionID)
		return execErr
	})
	if err != nil {
		return storeErr("invalidate session", err)
	}
	return nil
}

// ExecuteAs runs one parameterized statement inside a transaction whose
// agent setting is the given agent id, then commits. Any failure rolls the
// transaction back. This is the only query path exposed to clients.
func (g *Gateway) ExecuteAs(ctx context.Context, agentID, query string, params []any) ([]map[string]any, error) {
	var out []map[string]any
	err := g.withRetry(ctx, func(ctx context.Context) error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`SELECT set_config($1, $2, true)`, agentGUC, agentID); err != nil {
			return fmt.Errorf("set agent context: %w", err)
		}

		rows, err := tx.QueryContext(ctx, query, params...)
		if err != nil {
			return err
		}
		out, err = scanRows(rows)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, storeErr("execute as "+agentID, err)
	}
	return out, nil
}

// scanRows converts a generic result set into JSON-friendly row maps.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// withRetry runs fn once, and once more after a transient connection failure.
// A second failure is returned to the caller.
func (g *Gateway) withRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isTransient(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	slog.Warn("store operation failed, retrying with fresh connection", "error", err)
	if pingErr := g.db.PingContext(ctx); pingErr != nil {
		return err
	}
	return fn(ctx)
}

// isTransient reports whether an error looks like a lost connection rather
// than a statement failure.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (admin shutdown, crash shutdown).
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}

// storeErr wraps a store failure in the protocol's store_unavailable kind
// when it is transient, otherwise leaves it classified as internal.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransient(err) {
		return protocol.NewError(protocol.KindStoreUnavailable, "%s: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
