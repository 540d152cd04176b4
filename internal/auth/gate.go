// Package auth validates bearer tokens at socket upgrade and revalidates
// lapsed sessions for the reaper. Tokens are opaque here; the store's
// session table is the source of truth.
package auth

import (
	"context"

	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/store"
)

// SessionStore is the slice of the store gateway the gate needs.
type SessionStore interface {
	SessionByToken(ctx context.Context, token string) (*store.SessionRow, error)
	ValidateSession(ctx context.Context, sessionID string) (agentID string, valid bool, token string, err error)
}

// Gate answers "who is this token" questions.
type Gate struct {
	store SessionStore
}

func NewGate(s SessionStore) *Gate {
	return &Gate{store: s}
}

// Validate resolves a bearer token presented at upgrade. Empty, malformed,
// or unknown tokens fail with invalid_token. Validation never mutates state.
func (g *Gate) Validate(ctx context.Context, token string) (*store.SessionRow, error) {
	if token == "" {
		return nil, protocol.NewError(protocol.KindInvalidToken, "missing token")
	}
	return g.store.SessionByToken(ctx, token)
}

// RevalidateResult distinguishes why a revalidation failed, because the two
// failures close the socket with different codes.
type RevalidateResult int

const (
	// RevalidateOK: the row is active, unexpired, and bound to this token.
	RevalidateOK RevalidateResult = iota
	// RevalidateInvalid: the row is gone, inactive, or expired.
	RevalidateInvalid
	// RevalidateTokenMismatch: the row is live but bound to a different
	// token, so the socket's credentials are no longer good.
	RevalidateTokenMismatch
)

// Revalidate re-checks a lapsed session: the row must still be active,
// unexpired, and bound to the same token the socket presented at upgrade.
func (g *Gate) Revalidate(ctx context.Context, sessionID, upgradeToken string) (RevalidateResult, error) {
	_, valid, token, err := g.store.ValidateSession(ctx, sessionID)
	if err != nil {
		return RevalidateInvalid, err
	}
	if !valid {
		return RevalidateInvalid, nil
	}
	if token != upgradeToken {
		return RevalidateTokenMismatch, nil
	}
	return RevalidateOK, nil
}
