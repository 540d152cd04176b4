// Package keyframe builds full authorized snapshots so joining clients can
// reconstruct state without replaying history.
package keyframe

import (
	"context"

	"github.com/worldmesh/worldcore/internal/metrics"
	"github.com/worldmesh/worldcore/internal/protocol"
	"github.com/worldmesh/worldcore/internal/session"
	"github.com/worldmesh/worldcore/internal/world"
)

// Store is the slice of the store gateway keyframes read through. Each read
// runs in its own transaction with the agent identity installed, so the
// schema decides what the agent may see.
type Store interface {
	Keyframe(ctx context.Context, group, agentID string) ([]world.Entity, error)
	KeyframeScripts(ctx context.Context, group, agentID string) ([]world.Script, error)
	KeyframeAssets(ctx context.Context, group, agentID string) ([]world.Asset, error)
}

// Builder delivers keyframes on connect and on explicit request.
type Builder struct {
	store   Store
	metrics *metrics.Metrics
}

func NewBuilder(store Store, m *metrics.Metrics) *Builder {
	return &Builder{store: store, metrics: m}
}

// Send reads the requested snapshot under the session's agent and enqueues
// it as a single critical message. The snapshot is consistent as of one
// read transaction but carries no tick number; the update stream is the
// authority afterwards.
func (b *Builder) Send(ctx context.Context, sess *session.Session, group string, kind protocol.KeyframeKind) error {
	switch kind {
	case protocol.KeyframeScripts:
		scripts, err := b.store.KeyframeScripts(ctx, group, sess.AgentID)
		if err != nil {
			return err
		}
		sess.Enqueue(protocol.NewKeyframeScriptsResponse(group, scripts), protocol.TypeKeyframeScripts, 0)

	case protocol.KeyframeAssets:
		assets, err := b.store.KeyframeAssets(ctx, group, sess.AgentID)
		if err != nil {
			return err
		}
		sess.Enqueue(protocol.NewKeyframeAssetsResponse(group, assets), protocol.TypeKeyframeAssets, 0)

	default:
		entities, err := b.store.Keyframe(ctx, group, sess.AgentID)
		if err != nil {
			return err
		}
		b.metrics.KeyframeEntities.WithLabelValues(group).Observe(float64(len(entities)))
		sess.Enqueue(protocol.NewKeyframeResponse(group, entities), protocol.TypeKeyframeResponse, 0)
	}
	return nil
}
