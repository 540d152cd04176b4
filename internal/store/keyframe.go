package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/worldmesh/worldcore/internal/world"
)

// Keyframe reads run in their own short read transaction with the agent
// setting installed first, so the schema's row-level security decides
// visibility. The result is consistent as of one transaction but carries no
// tick number; the update stream is the authority afterwards.

// Keyframe returns all entities of a sync group visible to the agent.
func (g *Gateway) Keyframe(ctx context.Context, group, agentID string) ([]world.Entity, error) {
	var out []world.Entity
	err := g.withRetry(ctx, func(ctx context.Context) error {
		return g.inAgentTx(ctx, agentID, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				SELECT id, name, version, metadata, scripts, assets, sync_group, load_priority
				FROM entities
				WHERE sync_group = $1
				ORDER BY load_priority, id`,
				group)
			if err != nil {
				return err
			}
			defer rows.Close()

			out = out[:0]
			for rows.Next() {
				var e world.Entity
				var metadata []byte
				var scripts, assets pq.StringArray
				if err := rows.Scan(&e.ID, &e.Name, &e.Version, &metadata,
					&scripts, &assets, &e.SyncGroup, &e.LoadPriority); err != nil {
					return err
				}
				if len(metadata) > 0 {
					_ = json.Unmarshal(metadata, &e.Metadata)
				}
				e.Scripts = scripts
				e.Assets = assets
				out = append(out, e)
			}
			return rows.Err()
		})
	})
	if err != nil {
		return nil, storeErr("keyframe "+group, err)
	}
	return out, nil
}

// KeyframeScripts returns all scripts of a sync group visible to the agent.
func (g *Gateway) KeyframeScripts(ctx context.Context, group, agentID string) ([]world.Script, error) {
	var out []world.Script
	err := g.withRetry(ctx, func(ctx context.Context) error {
		return g.inAgentTx(ctx, agentID, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				SELECT file_name, sync_group, source, compiled, compile_status
				FROM entity_scripts
				WHERE sync_group = $1
				ORDER BY file_name`,
				group)
			if err != nil {
				return err
			}
			defer rows.Close()

			out = out[:0]
			for rows.Next() {
				var s world.Script
				if err := rows.Scan(&s.FileName, &s.SyncGroup, &s.Source, &s.Compiled, &s.Status); err != nil {
					return err
				}
				out = append(out, s)
			}
			return rows.Err()
		})
	})
	if err != nil {
		return nil, storeErr("keyframe scripts "+group, err)
	}
	return out, nil
}

// KeyframeAssets returns all assets of a sync group visible to the agent.
// Payloads travel in keyframes only, never in the tick stream.
func (g *Gateway) KeyframeAssets(ctx context.Context, group, agentID string) ([]world.Asset, error) {
	var out []world.Asset
	err := g.withRetry(ctx, func(ctx context.Context) error {
		return g.inAgentTx(ctx, agentID, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				SELECT file_name, sync_group, asset_type, payload
				FROM entity_assets
				WHERE sync_group = $1
				ORDER BY file_name`,
				group)
			if err != nil {
				return err
			}
			defer rows.Close()

			out = out[:0]
			for rows.Next() {
				var a world.Asset
				var payload []byte
				if err := rows.Scan(&a.FileName, &a.SyncGroup, &a.Type, &payload); err != nil {
					return err
				}
				a.Payload = payload
				out = append(out, a)
			}
			return rows.Err()
		})
	})
	if err != nil {
		return nil, storeErr("keyframe assets "+group, err)
	}
	return out, nil
}

// inAgentTx runs fn inside a committed transaction whose agent setting is
// installed first. The agent setting is transaction-local, so it can never
// leak across pooled connections.
func (g *Gateway) inAgentTx(ctx context.Context, agentID string, fn func(*sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT set_config($1, $2, true)`, agentGUC, agentID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
