package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// TickListener consumes the tick_captured NOTIFY channel and hands decoded
// notices to a callback. Follower nodes use it to fan out ticks another
// node's scheduler captured; leader nodes use it to mirror ticks onto the
// cross-node bus.
type TickListener struct {
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

const (
	listenMinReconnect = 2 * time.Second
	listenMaxReconnect = time.Minute
	listenPingInterval = 90 * time.Second
)

// ListenTicks opens a dedicated LISTEN connection and delivers each notice
// to handler on a single goroutine, preserving arrival order.
func ListenTicks(dsn string, handler func(TickNotice)) (*TickListener, error) {
	listener := pq.NewListener(dsn, listenMinReconnect, listenMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("tick listener event", "event", int(event), "error", err)
			}
		})
	if err := listener.Listen(TickNotifyChannel); err != nil {
		listener.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	tl := &TickListener{listener: listener, cancel: cancel, done: make(chan struct{})}
	go tl.run(ctx, handler)
	return tl, nil
}

func (tl *TickListener) run(ctx context.Context, handler func(TickNotice)) {
	defer close(tl.done)

	ping := time.NewTicker(listenPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case n := <-tl.listener.Notify:
			// nil notification means the connection was re-established;
			// followers resync from LatestTick on their next notice.
			if n == nil {
				continue
			}
			var notice TickNotice
			if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
				slog.Warn("malformed tick notification", "payload", n.Extra, "error", err)
				continue
			}
			handler(notice)

		case <-ping.C:
			if err := tl.listener.Ping(); err != nil {
				slog.Warn("tick listener ping failed", "error", err)
			}
		}
	}
}

// Close stops the listener and waits for the delivery goroutine to exit.
func (tl *TickListener) Close() error {
	tl.cancel()
	err := tl.listener.Close()
	<-tl.done
	return err
}
