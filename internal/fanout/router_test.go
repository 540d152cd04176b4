package fanout

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/store"
	"github.com/worldmesh/worldcore/internal/world"
)

func testSession(id, group string, canRead bool, capacity int) *session.Session {
	row := &store.SessionRow{
		ID:        id,
		AgentID:   "agent-" + id,
		Token:     "tok-" + id,
		SyncGroup: group,
		CanRead:   canRead,
		CanWrite:  true,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return session.New(row, nil, session.Options{QueueCapacity: capacity})
}

func changeSet(group string, tickNumber int64, withScripts bool) *world.ChangeSet {
	c := &world.ChangeSet{
		Tick: world.TickRecord{ID: "t", SyncGroup: group, Number: tickNumber},
		Entities: []world.EntityDiff{
			{EntityID: "e1", Operation: world.OpUpdate, Changes: map[string]any{"version": 2}},
		},
	}
	if withScripts {
		c.Scripts = []world.ScriptDiff{
			{FileName: "a.js", Operation: world.OpInsert, Changes: map[string]any{"source": "x"}},
		}
	}
	return c
}

func TestDispatchReachesReadersOnly(t *testing.T) {
	reg := session.NewRegistry()
	reader := testSession("reader", "g1", true, 8)
	blind := testSession("blind", "g1", false, 8)
	elsewhere := testSession("elsewhere", "g2", true, 8)
	reg.Insert(reader)
	reg.Insert(blind)
	reg.Insert(elsewhere)

	m := metrics.New(prometheus.NewRegistry())
	r := NewRouter(reg, m)
	r.Dispatch(changeSet("g1", 1, true))

	// One frame per non-empty category.
	assert.Equal(t, 2, reader.QueueDepth())
	assert.Equal(t, 0, blind.QueueDepth())
	assert.Equal(t, 0, elsewhere.QueueDepth())

	enqueued := testutil.ToFloat64(m.MessagesEnqueued.WithLabelValues(string(protocol.TypeSyncGroupUpdates))) +
		testutil.ToFloat64(m.MessagesEnqueued.WithLabelValues(string(protocol.TypeScriptUpdates)))
	assert.Equal(t, 2.0, enqueued)
}

func TestDispatchSkipsEmptyChangeSet(t *testing.T) {
	reg := session.NewRegistry()
	reader := testSession("reader", "g1", true, 8)
	reg.Insert(reader)

	r := NewRouter(reg, metrics.New(prometheus.NewRegistry()))
	r.Dispatch(&world.ChangeSet{Tick: world.TickRecord{SyncGroup: "g1", Number: 1}})

	assert.Equal(t, 0, reader.QueueDepth())
}

func TestDispatchEvictsWhenQueueFull(t *testing.T) {
	reg := session.NewRegistry()
	reader := testSession("reader", "g1", true, 1)
	reg.Insert(reader)

	m := metrics.New(prometheus.NewRegistry())
	r := NewRouter(reg, m)
	r.Dispatch(changeSet("g1", 1, false))
	r.Dispatch(changeSet("g1", 2, false))

	require.Equal(t, 1, reader.QueueDepth())

	label := string(protocol.TypeSyncGroupUpdates)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(label)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesEnqueued.WithLabelValues(label)))
}
