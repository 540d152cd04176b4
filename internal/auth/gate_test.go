package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/store"
)

type fakeSessions struct {
	rows map[string]*store.SessionRow // by token
	err  error
}

func (f *fakeSessions) SessionByToken(_ context.Context, token string) (*store.SessionRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[token]
	if !ok {
		return nil, protocol.NewError(protocol.KindInvalidToken, "unknown token")
	}
	return row, nil
}

func (f *fakeSessions) ValidateSession(_ context.Context, sessionID string) (string, bool, string, error) {
	if f.err != nil {
		return "", false, "", f.err
	}
	for _, row := range f.rows {
		if row.ID == sessionID {
			return row.AgentID, true, row.Token, nil
		}
	}
	return "", false, "", nil
}

func TestValidateEmptyToken(t *testing.T) {
	g := NewGate(&fakeSessions{})
	_, err := g.Validate(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
}

func TestValidateResolvesRow(t *testing.T) {
	row := &store.SessionRow{
		ID: "s1", AgentID: "a1", Token: "tok", SyncGroup: "g1",
		CanRead: true, ExpiresAt: time.Now().Add(time.Hour),
	}
	g := NewGate(&fakeSessions{rows: map[string]*store.SessionRow{"tok": row}})

	got, err := g.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "a1", got.AgentID)

	_, err = g.Validate(context.Background(), "wrong")
	require.Error(t, err)
	assert.Equal(t, protocol.KindInvalidToken, protocol.KindOf(err))
}

func TestRevalidate(t *testing.T) {
	row := &store.SessionRow{ID: "s1", AgentID: "a1", Token: "tok"}
	g := NewGate(&fakeSessions{rows: map[string]*store.SessionRow{"tok": row}})

	result, err := g.Revalidate(context.Background(), "s1", "tok")
	require.NoError(t, err)
	assert.Equal(t, RevalidateOK, result)

	// The socket's upgrade token must still match the row.
	result, err = g.Revalidate(context.Background(), "s1", "rotated")
	require.NoError(t, err)
	assert.Equal(t, RevalidateTokenMismatch, result)

	result, err = g.Revalidate(context.Background(), "missing", "tok")
	require.NoError(t, err)
	assert.Equal(t, RevalidateInvalid, result)
}

func TestRevalidatePropagatesStoreError(t *testing.T) {
	g := NewGate(&fakeSessions{err: errors.New("connection refused")})
	_, err := g.Revalidate(context.Background(), "s1", "tok")
	require.Error(t, err)
}
