package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/worldmesh/worldcore/internal/store"
)

// tickChannel is the Redis Pub/Sub channel tick notices are mirrored on.
const tickChannel = "world:events:tick_captured"

// mirrorEnvelope wraps a notice with the publishing node's id so a node can
// skip its own echoes.
type mirrorEnvelope struct {
	NodeID string           `json:"nodeId"`
	Notice store.TickNotice `json:"notice"`
}

// RedisMirror republishes tick notices over Redis Pub/Sub so peer nodes
// learn about ticks captured elsewhere. Postgres NOTIFY already covers
// nodes sharing one database; the mirror serves deployments where follower
// nodes sit behind connection poolers that break LISTEN.
type RedisMirror struct {
	rdb    *redis.Client
	nodeID string
	sub    *redis.PubSub
	done   chan struct{}
}

// NewRedisMirror connects to Redis, verifies the connection, and begins
// relaying remote notices into the bus via PublishLocal.
func NewRedisMirror(addr, password string, db int, bus *TickBus) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	m := &RedisMirror{
		rdb:    rdb,
		nodeID: uuid.NewString(),
		done:   make(chan struct{}),
	}

	m.sub = rdb.Subscribe(context.Background(), tickChannel)
	if _, err := m.sub.Receive(context.Background()); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("subscribe %s: %w", tickChannel, err)
	}
	go m.relay(bus)

	slog.Info("redis tick mirror connected", "addr", addr, "node_id", m.nodeID)
	return m, nil
}

// Publish mirrors a locally produced notice to peers.
func (m *RedisMirror) Publish(ctx context.Context, notice store.TickNotice) error {
	data, err := json.Marshal(mirrorEnvelope{NodeID: m.nodeID, Notice: notice})
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, tickChannel, data).Err()
}

// relay pumps remote notices into the local bus, skipping our own echoes.
func (m *RedisMirror) relay(bus *TickBus) {
	defer close(m.done)

	for msg := range m.sub.Channel() {
		var env mirrorEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("malformed mirrored tick notice", "error", err)
			continue
		}
		if env.NodeID == m.nodeID {
			continue
		}
		bus.PublishLocal(env.Notice)
	}
}

// Close stops the subscription and the client.
func (m *RedisMirror) Close() error {
	m.sub.Close()
	<-m.done
	return m.rdb.Close()
}
