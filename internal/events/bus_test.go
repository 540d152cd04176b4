package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldcore/internal/store"
)

type fakeMirror struct {
	mu        sync.Mutex
	published []store.TickNotice
	err       error
	closed    bool
}

func (m *fakeMirror) Publish(_ context.Context, notice store.TickNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, notice)
	return nil
}

func (m *fakeMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func notice(n int64) store.TickNotice {
	return store.TickNotice{SyncGroup: "g1", TickID: "t", TickNumber: n}
}

func TestBusSubscribePublish(t *testing.T) {
	b := NewTickBus()
	defer b.Close()

	var got []store.TickNotice
	unsub := b.Subscribe(func(n store.TickNotice) { got = append(got, n) })

	b.Publish(context.Background(), notice(1))
	b.Publish(context.Background(), notice(2))
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].TickNumber)

	unsub()
	b.Publish(context.Background(), notice(3))
	assert.Len(t, got, 2)
}

func TestBusMirrorsPublishButNotLocal(t *testing.T) {
	b := NewTickBus()
	mirror := &fakeMirror{}
	b.SetMirror(mirror)

	var local int
	b.Subscribe(func(store.TickNotice) { local++ })

	b.Publish(context.Background(), notice(1))
	b.PublishLocal(notice(2))

	assert.Equal(t, 2, local)
	assert.Len(t, mirror.published, 1)
	assert.Equal(t, int64(1), mirror.published[0].TickNumber)
}

func TestBusMirrorFailureDoesNotBlockLocalDelivery(t *testing.T) {
	b := NewTickBus()
	b.SetMirror(&fakeMirror{err: errors.New("broker down")})

	var local int
	b.Subscribe(func(store.TickNotice) { local++ })

	b.Publish(context.Background(), notice(1))
	assert.Equal(t, 1, local)
}

func TestBusCloseDropsSubscribersAndMirror(t *testing.T) {
	b := NewTickBus()
	mirror := &fakeMirror{}
	b.SetMirror(mirror)

	var local int
	b.Subscribe(func(store.TickNotice) { local++ })

	require.NoError(t, b.Close())
	assert.True(t, mirror.closed)

	b.Publish(context.Background(), notice(1))
	assert.Equal(t, 0, local)

	// Idempotent.
	require.NoError(t, b.Close())
}
