package store

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/lib/pq"

	"github.com/worldmesh/worldcore/internal/world"
)

// The diff queries compare the snapshot tables of two ticks client-side.
// The schema exposes equivalent SQL functions; computing the field diff here
// keeps wire payloads minimal (only changed columns travel) without another
// round trip per table.

// rowDiff is the shape shared by entity, script, and asset diffs before they
// are mapped onto their typed forms.
type rowDiff struct {
	key     string
	op      world.Operation
	changes map[string]any
}

// diffSnapshots computes insert/update/delete entries between two keyed
// field-map snapshots. Updates carry only the fields whose value differs.
// Output is sorted by key so fan-out payloads are deterministic.
func diffSnapshots(prev, next map[string]map[string]any) []rowDiff {
	diffs := make([]rowDiff, 0)

	for key, nextFields := range next {
		prevFields, existed := prev[key]
		if !existed {
			diffs = append(diffs, rowDiff{key: key, op: world.OpInsert, changes: nextFields})
			continue
		}
		changes := changedFields(prevFields, nextFields)
		if len(changes) > 0 {
			diffs = append(diffs, rowDiff{key: key, op: world.OpUpdate, changes: changes})
		}
	}
	for key := range prev {
		if _, still := next[key]; !still {
			diffs = append(diffs, rowDiff{key: key, op: world.OpDelete})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].key < diffs[j].key })
	return diffs
}

// changedFields returns the subset of next whose values differ from prev,
// including fields absent from prev.
func changedFields(prev, next map[string]any) map[string]any {
	var changes map[string]any
	for field, nextVal := range next {
		prevVal, had := prev[field]
		if had && equalValue(prevVal, nextVal) {
			continue
		}
		if changes == nil {
			changes = make(map[string]any)
		}
		changes[field] = nextVal
	}
	return changes
}

func equalValue(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok && bok {
		return string(ab) == string(bb)
	}
	return reflect.DeepEqual(a, b)
}

// DiffEntities computes the field-level entity changes between two ticks of
// one sync group. An empty fromTick treats every row as an insert, which is
// how the first tick after scheduler start behaves.
func (g *Gateway) DiffEntities(ctx context.Context, group, fromTick, toTick string) ([]world.EntityDiff, error) {
	prev, err := g.entitySnapshot(ctx, group, fromTick)
	if err != nil {
		return nil, err
	}
	next, err := g.entitySnapshot(ctx, group, toTick)
	if err != nil {
		return nil, err
	}

	rows := diffSnapshots(prev, next)
	out := make([]world.EntityDiff, len(rows))
	for i, r := range rows {
		out[i] = world.EntityDiff{EntityID: r.key, Operation: r.op, Changes: r.changes}
	}
	return out, nil
}

// DiffScripts computes the script changes between two ticks of one group.
func (g *Gateway) DiffScripts(ctx context.Context, group, fromTick, toTick string) ([]world.ScriptDiff, error) {
	prev, err := g.scriptSnapshot(ctx, group, fromTick)
	if err != nil {
		return nil, err
	}
	next, err := g.scriptSnapshot(ctx, group, toTick)
	if err != nil {
		return nil, err
	}

	rows := diffSnapshots(prev, next)
	out := make([]world.ScriptDiff, len(rows))
	for i, r := range rows {
		out[i] = world.ScriptDiff{FileName: r.key, Operation: r.op, Changes: r.changes}
	}
	return out, nil
}

// DiffAssets computes the asset changes between two ticks of one group.
// Assets are compared by payload hash, never by payload, so binary blobs
// stay out of the tick path.
func (g *Gateway) DiffAssets(ctx context.Context, group, fromTick, toTick string) ([]world.AssetDiff, error) {
	prev, err := g.assetSnapshot(ctx, group, fromTick)
	if err != nil {
		return nil, err
	}
	next, err := g.assetSnapshot(ctx, group, toTick)
	if err != nil {
		return nil, err
	}

	rows := diffSnapshots(prev, next)
	out := make([]world.AssetDiff, len(rows))
	for i, r := range rows {
		out[i] = world.AssetDiff{FileName: r.key, Operation: r.op, Changes: r.changes}
	}
	return out, nil
}

func (g *Gateway) entitySnapshot(ctx context.Context, group, tickID string) (map[string]map[string]any, error) {
	if tickID == "" {
		return map[string]map[string]any{}, nil
	}

	out := make(map[string]map[string]any)
	err := g.withRetry(ctx, func(ctx context.Context) error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT entity_id, name, version, metadata, scripts, assets, load_priority
			FROM tick_entity_snapshots
			WHERE tick_id = $1 AND sync_group = $2`,
			tickID, group)
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(out)
		for rows.Next() {
			var (
				id, name     string
				version      int64
				metadata     []byte
				scripts      pq.StringArray
				assets       pq.StringArray
				loadPriority int
			)
			if err := rows.Scan(&id, &name, &version, &metadata, &scripts, &assets, &loadPriority); err != nil {
				return err
			}
			var meta any
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &meta); err != nil {
					meta = string(metadata)
				}
			}
			out[id] = map[string]any{
				"name":         name,
				"version":      version,
				"metadata":     meta,
				"scripts":      []string(scripts),
				"assets":       []string(assets),
				"loadPriority": loadPriority,
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("entity snapshot", err)
	}
	return out, nil
}

func (g *Gateway) scriptSnapshot(ctx context.Context, group, tickID string) (map[string]map[string]any, error) {
	if tickID == "" {
		return map[string]map[string]any{}, nil
	}

	out := make(map[string]map[string]any)
	err := g.withRetry(ctx, func(ctx context.Context) error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT file_name, source, compiled, compile_status
			FROM tick_script_snapshots
			WHERE tick_id = $1 AND sync_group = $2`,
			tickID, group)
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(out)
		for rows.Next() {
			var fileName, source, compiled, status string
			if err := rows.Scan(&fileName, &source, &compiled, &status); err != nil {
				return err
			}
			out[fileName] = map[string]any{
				"source":        source,
				"compiled":      compiled,
				"compileStatus": status,
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("script snapshot", err)
	}
	return out, nil
}

func (g *Gateway) assetSnapshot(ctx context.Context, group, tickID string) (map[string]map[string]any, error) {
	if tickID == "" {
		return map[string]map[string]any{}, nil
	}

	out := make(map[string]map[string]any)
	err := g.withRetry(ctx, func(ctx context.Context) error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT file_name, asset_type, payload_hash
			FROM tick_asset_snapshots
			WHERE tick_id = $1 AND sync_group = $2`,
			tickID, group)
		if err != nil {
			return err
		}
		defer rows.Close()

		clear(out)
		for rows.Next() {
			var fileName, assetType, payloadHash string
			if err := rows.Scan(&fileName, &assetType, &payloadHash); err != nil {
				return err
			}
			out[fileName] = map[string]any{
				"type":        assetType,
				"payloadHash": payloadHash,
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("asset snapshot", err)
	}
	return out, nil
}
