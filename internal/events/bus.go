// Package events distributes tick-captured notices inside the process and,
// when a mirror is attached, across nodes. The Postgres listener publishes
// into the bus; follower fan-out and stats subscribe.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/worldmesh/worldcore/internal/store"
)

// Handler consumes one tick notice. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(store.TickNotice)

// Mirror republishes notices beyond the local process.
type Mirror interface {
	Publish(ctx context.Context, notice store.TickNotice) error
	Close() error
}

// TickBus fans tick notices out to in-process subscribers and an optional
// cross-node mirror.
type TickBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
	mirror Mirror
	closed bool
}

type subscriber struct {
	id int
	fn Handler
}

func NewTickBus() *TickBus {
	return &TickBus{}
}

// SetMirror attaches a cross-node mirror. Notices published locally are
// forwarded to it; notices it receives come back through Publish.
func (b *TickBus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *TickBus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers a notice to every local subscriber and the mirror.
// Mirror failures are logged, never propagated: local fan-out must not
// depend on a remote broker.
func (b *TickBus) Publish(ctx context.Context, notice store.TickNotice) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(notice)
	}

	if mirror != nil {
		if err := mirror.Publish(ctx, notice); err != nil {
			slog.Warn("tick mirror publish failed",
				"sync_group", notice.SyncGroup, "tick", notice.TickNumber, "error", err)
		}
	}
}

// PublishLocal delivers a notice to local subscribers only. The mirror's
// receive path uses this to avoid echo loops.
func (b *TickBus) PublishLocal(notice store.TickNotice) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(notice)
	}
}

// Close drops all subscribers and closes the mirror.
func (b *TickBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = nil
	if b.mirror != nil {
		return b.mirror.Close()
	}
	return nil
}
