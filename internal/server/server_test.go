package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldcore/internal/auth"
	"github.com/worldmesh/worldcore/internal/config"
	"github.com/worldmesh/worldcore/internal/fanout"
	"github.com/worldmesh/worldcore/internal/keyframe"
	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/query"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/store"
	"github.com/worldmesh/worldcore/internal/world"
)

// fakeBackend stands in for the store gateway behind the auth, query, and
// keyframe interfaces.
type fakeBackend struct {
	mu       sync.Mutex
	rows     map[string]*store.SessionRow // by token
	queryRes []map[string]any
}

func (f *fakeBackend) SessionByToken(_ context.Context, token string) (*store.SessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[token]
	if !ok {
		return nil, protocol.NewError(protocol.KindInvalidToken, "unknown token")
	}
	cp := *row
	return &cp, nil
}

func (f *fakeBackend) ValidateSession(_ context.Context, sessionID string) (string, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == sessionID {
			return row.AgentID, true, row.Token, nil
		}
	}
	return "", false, "", nil
}

func (f *fakeBackend) ExecuteAs(_ context.Context, _, _ string, _ []any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryRes, nil
}

func (f *fakeBackend) TouchSession(context.Context, string) error { return nil }

func (f *fakeBackend) Keyframe(_ context.Context, group, _ string) ([]world.Entity, error) {
	return []world.Entity{{ID: "e1", Name: "anchor", Version: 1, SyncGroup: group}}, nil
}

func (f *fakeBackend) KeyframeScripts(_ context.Context, group, _ string) ([]world.Script, error) {
	return []world.Script{{FileName: "boot.js", SyncGroup: group, Status: world.CompileDone}}, nil
}

func (f *fakeBackend) KeyframeAssets(context.Context, string, string) ([]world.Asset, error) {
	return nil, nil
}

func (f *fakeBackend) dropSession(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, token)
}

type testRig struct {
	ts       *httptest.Server
	backend  *fakeBackend
	registry *session.Registry
	router   *fanout.Router
	gate     *auth.Gate
	m        *metrics.Metrics
	srv      *Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	backend := &fakeBackend{
		rows: map[string]*store.SessionRow{
			"tok-reader": {
				ID: "sess-1", AgentID: "agent-1", Token: "tok-reader", Provider: "test",
				SyncGroup: "public.NORMAL", CanRead: true, CanWrite: true,
				StartedAt: time.Now(), ExpiresAt: time.Now().Add(48 * time.Hour),
			},
		},
		queryRes: []map[string]any{{"entity_id": "e1", "version": float64(1)}},
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0, Env: "test"},
		Session: config.SessionConfig{
			HeartbeatInactivityMs: 30000,
			ReaperIntervalMs:      1000,
			QueryTimeoutMs:        2000,
			WriteTimeoutMs:        2000,
			OutboundQueueCapacity: 32,
			MaxQueryResultBytes:   1 << 20,
			SessionDurationMs:     3600000,
		},
		SyncGroups: map[string]config.SyncGroupConfig{
			"public.NORMAL": {TickRateMs: 50, MaxBufferedTicks: 10},
		},
	}

	m := metrics.New(prometheus.NewRegistry())
	registry := session.NewRegistry()
	gate := auth.NewGate(backend)
	executor := query.NewExecutor(backend, m, cfg.Session.QueryTimeout(), cfg.Session.MaxQueryResultBytes)
	keyframes := keyframe.NewBuilder(backend, m)

	srv := New(cfg, gate, registry, executor, keyframes, m, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testRig{
		ts:       ts,
		backend:  backend,
		registry: registry,
		router:   fanout.NewRouter(registry, m),
		gate:     gate,
		m:        m,
		srv:      srv,
	}
}

func (r *testRig) dial(t *testing.T, rawQuery string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(r.ts.URL, "http", "ws", 1) + SocketPath + "?" + rawQuery
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, body string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(body)))
}

// connect dials and consumes the handshake pair every session receives.
func (r *testRig) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := r.dial(t, "token=tok-reader&provider=test")

	frame := readFrame(t, conn)
	require.Equal(t, string(protocol.TypeConnectionEstablished), frame["type"])
	frame = readFrame(t, conn)
	require.Equal(t, string(protocol.TypeKeyframeResponse), frame["type"])
	return conn
}

func TestUpgradeRejectsBadCredentials(t *testing.T) {
	rig := newTestRig(t)
	base := strings.Replace(rig.ts.URL, "http", "ws", 1) + SocketPath

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=nope", nil)
	require.Error(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	// Right token, wrong provider.
	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=tok-reader&provider=other", nil)
	require.Error(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestConnectHandshake(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t, "token=tok-reader&provider=test")

	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeConnectionEstablished), frame["type"])
	assert.Equal(t, "agent-1", frame["agentId"])
	assert.Equal(t, "sess-1", frame["sessionId"])

	frame = readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeKeyframeResponse), frame["type"])
	assert.Equal(t, "public.NORMAL", frame["syncGroup"])
	entities, ok := frame["entities"].([]any)
	require.True(t, ok)
	require.Len(t, entities, 1)

	assert.Equal(t, 1, rig.registry.Len())
}

func TestHeartbeatRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	send(t, conn, `{"type":"heartbeat_request","timestamp":1}`)
	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeHeartbeatResponse), frame["type"])
}

func TestClientConfigRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	send(t, conn, `{"type":"client_config_request"}`)
	frame := readFrame(t, conn)
	require.Equal(t, string(protocol.TypeClientConfigResponse), frame["type"])

	cfg, ok := frame["config"].(map[string]any)
	require.True(t, ok)
	groups, ok := cfg["syncGroups"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, groups, "public.NORMAL")
}

func TestSchemaViolationKeepsSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	send(t, conn, `{"type":"launch_missiles","requestId":"r1"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorResponse), frame["type"])
	assert.Equal(t, string(protocol.KindSchemaViolation), frame["kind"])
	assert.Equal(t, "r1", frame["requestId"])

	// The session survived the bad frame.
	send(t, conn, `{"type":"heartbeat_request"}`)
	frame = readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeHeartbeatResponse), frame["type"])
}

func TestQueryRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	send(t, conn, `{"type":"query_request","requestId":"q1","query":"SELECT entity_id, version FROM entities"}`)
	frame := readFrame(t, conn)
	require.Equal(t, string(protocol.TypeQueryResponse), frame["type"])
	assert.Equal(t, "q1", frame["requestId"])

	rows, ok := frame["result"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "e1", row["entity_id"])
}

func TestKeyframeRequestByKind(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	send(t, conn, `{"type":"keyframe_request","syncGroup":"public.NORMAL","kind":"scripts"}`)
	frame := readFrame(t, conn)
	require.Equal(t, string(protocol.TypeKeyframeScripts), frame["type"])
	scripts, ok := frame["scripts"].([]any)
	require.True(t, ok)
	require.Len(t, scripts, 1)
}

func TestTickFanoutReachesSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	rig.router.Dispatch(&world.ChangeSet{
		Tick: world.TickRecord{ID: "t9", SyncGroup: "public.NORMAL", Number: 9},
		Entities: []world.EntityDiff{
			{EntityID: "e1", Operation: world.OpUpdate, Changes: map[string]any{"version": 2}},
		},
	})

	frame := readFrame(t, conn)
	require.Equal(t, string(protocol.TypeSyncGroupUpdates), frame["type"])
	meta, ok := frame["tickMetadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), meta["tickNumber"])
}

func TestSessionReboundToNewestSocket(t *testing.T) {
	rig := newTestRig(t)
	old := rig.connect(t)
	_ = rig.connect(t)

	// The first socket is closed with a normal-closure frame once the same
	// session reconnects.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.Equal(t, 1, rig.registry.Len())
}

func TestReaperClosesInvalidatedSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	// Admin-side invalidation: the backing row disappears; the next sweep
	// must deliver one typed error_response and then close the socket.
	rig.backend.dropSession("tok-reader")
	rig.srv.reaper.sweep(context.Background())

	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorResponse), frame["type"])
	assert.Equal(t, string(protocol.KindSessionInvalid), frame["kind"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, rig.registry.Len())
}

func TestReaperClosesQuietSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect(t)

	// A socket that never heartbeats lapses one inactivity window after its
	// last activity and closes on the next sweep.
	reaper := NewReaper(rig.registry, rig.gate, rig.m, 10*time.Millisecond, 50*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	reaper.sweep(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, rig.registry.Len())
	assert.Equal(t, 1.0,
		testutil.ToFloat64(rig.m.SessionsClosed.WithLabelValues("public.NORMAL", string(session.CloseExpired))))
}

func TestReaperClosesStalledSessionAfterTwoPasses(t *testing.T) {
	rig := newTestRig(t)
	_ = rig.connect(t)

	sess, ok := rig.registry.Lookup("sess-1")
	require.True(t, ok)

	// Stop reading on the client and flood the session with critical frames
	// until socket buffers congest, the pump blocks, and the queue saturates.
	big := strings.Repeat("x", 256*1024)
	for i := 0; i < 128 && !sess.Stalled(); i++ {
		sess.Enqueue(protocol.NewErrorResponse(protocol.KindInternal, big, ""), protocol.TypeErrorResponse, 0)
	}
	require.True(t, sess.Stalled())

	// The first pass records the stall; the session gets one full interval
	// to recover.
	rig.srv.reaper.sweep(context.Background())
	assert.NotEqual(t, session.StateClosed, sess.State())

	rig.srv.reaper.sweep(context.Background())
	assert.Equal(t, session.StateClosed, sess.State())
	assert.Equal(t, 0, rig.registry.Len())
	assert.Equal(t, 1.0,
		testutil.ToFloat64(rig.m.SessionsClosed.WithLabelValues("public.NORMAL", string(session.CloseBackpressure))))
}

func TestSessionDurationCapsExpiry(t *testing.T) {
	rig := newTestRig(t)
	_ = rig.connect(t)

	// The row offers 48h but the deployment caps sessions at 1h.
	sess, ok := rig.registry.Lookup("sess-1")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, time.Minute)
}

func TestStatsEndpoint(t *testing.T) {
	rig := newTestRig(t)
	_ = rig.connect(t)

	resp, err := rig.ts.Client().Get(rig.ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		Sessions   int `json:"sessions"`
		SyncGroups map[string]struct {
			Sessions int `json:"sessions"`
		} `json:"syncGroups"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.SyncGroups["public.NORMAL"].Sessions)
}
