package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/worldmesh/worldcore/internal/world"
)

// TickNotifyChannel is the Postgres NOTIFY channel the capture transaction
// emits on commit. Payload is a JSON TickNotice.
const TickNotifyChannel = "tick_captured"

// TickNotice is the pub/sub payload announcing a committed tick.
type TickNotice struct {
	SyncGroup  string `json:"syncGroup"`
	TickID     string `json:"tickId"`
	TickNumber int64  `json:"tickNumber"`
}

// CaptureTick performs one snapshot tick for a sync group in a single
// transaction:
//
//  1. take the group's advisory lock so concurrent captures serialize,
//  2. read the latest tick number and insert tick n+1,
//  3. copy the group's entity/script/asset rows into the snapshot tables,
//  4. evict ticks beyond the group's buffered-ticks bound (cascade removes
//     their snapshots),
//  5. notify tick_captured on commit.
//
// Wall time is measured against the group's tick rate; overruns mark the
// tick delayed but never skip a number.
func (g *Gateway) CaptureTick(ctx context.Context, group world.SyncGroup) (*world.TickRecord, error) {
	var rec *world.TickRecord
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var captureErr error
		rec, captureErr = g.captureTickTx(ctx, group)
		return captureErr
	})
	if err != nil {
		return nil, storeErr("capture tick "+group.Name, err)
	}
	return rec, nil
}

func (g *Gateway) captureTickTx(ctx context.Context, group world.SyncGroup) (*world.TickRecord, error) {
	started := time.Now()
	var dbTime time.Duration

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	timed := func(fn func() error) error {
		t0 := time.Now()
		err := fn()
		dbTime += time.Since(t0)
		return err
	}

	// Share-row-exclusive semantics per group: the advisory lock is held
	// until commit, so two schedulers can never interleave tick numbers.
	if err := timed(func() error {
		_, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('world_tick:' || $1))`, group.Name)
		return err
	}); err != nil {
		return nil, err
	}

	var prev int64
	if err := timed(func() error {
		return tx.QueryRowContext(ctx,
			`SELECT coalesce(max(tick_number), 0) FROM ticks WHERE sync_group = $1`,
			group.Name).Scan(&prev)
	}); err != nil {
		return nil, err
	}

	rec := &world.TickRecord{
		ID:        uuid.NewString(),
		SyncGroup: group.Name,
		Number:    prev + 1,
		StartedAt: started,
	}

	if err := timed(func() error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ticks (id, sync_group, tick_number, started_at)
			VALUES ($1, $2, $3, $4)`,
			rec.ID, rec.SyncGroup, rec.Number, rec.StartedAt)
		return err
	}); err != nil {
		return nil, err
	}

	snapshots := []struct {
		count *int
		query string
	}{
		{&rec.EntityCount, `
			INSERT INTO tick_entity_snapshots
				(tick_id, entity_id, name, version, metadata, scripts, assets, sync_group, load_priority)
			SELECT $1, id, name, version, metadata, scripts, assets, sync_group, load_priority
			FROM entities WHERE sync_group = $2`},
		{&rec.ScriptCount, `
			INSERT INTO tick_script_snapshots
				(tick_id, file_name, sync_group, source, compiled, compile_status)
			SELECT $1, file_name, sync_group, source, compiled, compile_status
			FROM entity_scripts WHERE sync_group = $2`},
		{&rec.AssetCount, `
			INSERT INTO tick_asset_snapshots
				(tick_id, file_name, sync_group, asset_type, payload_hash)
			SELECT $1, file_name, sync_group, asset_type, md5(coalesce(payload, ''::bytea))
			FROM entity_assets WHERE sync_group = $2`},
	}
	for _, s := range snapshots {
		if err := timed(func() error {
			res, err := tx.ExecContext(ctx, s.query, rec.ID, group.Name)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			*s.count = int(n)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	// Evict ticks past the buffered bound; snapshots cascade with them.
	if group.MaxBufferedTicks > 0 {
		if err := timed(func() error {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM ticks
				WHERE sync_group = $1 AND tick_number <= $2`,
				group.Name, rec.Number-int64(group.MaxBufferedTicks))
			return err
		}); err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(started)
	rec.EndedAt = started.Add(elapsed)
	rec.Delayed = group.TickRate > 0 && elapsed > group.TickRate
	rec.HeadroomMs = float64(group.TickRate-elapsed) / float64(time.Millisecond)

	dbMs := float64(dbTime) / float64(time.Millisecond)
	mgrMs := float64(elapsed-dbTime) / float64(time.Millisecond)
	rec.DBTimeMs = &dbMs
	rec.ManagerTimeMs = &mgrMs

	if err := timed(func() error {
		_, err := tx.ExecContext(ctx, `
			UPDATE ticks SET ended_at = $2, entity_count = $3, script_count = $4,
				asset_count = $5, is_delayed = $6, headroom_ms = $7
			WHERE id = $1`,
			rec.ID, rec.EndedAt, rec.EntityCount, rec.ScriptCount,
			rec.AssetCount, rec.Delayed, rec.HeadroomMs)
		return err
	}); err != nil {
		return nil, err
	}

	notice, err := json.Marshal(TickNotice{
		SyncGroup:  rec.SyncGroup,
		TickID:     rec.ID,
		TickNumber: rec.Number,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, TickNotifyChannel, string(notice)); err != nil {
		return nil, err
	}

	return rec, tx.Commit()
}

// LatestTick returns the most recent tick id and number for a group, or
// empty values when the group has never ticked.
func (g *Gateway) LatestTick(ctx context.Context, group string) (tickID string, number int64, err error) {
	err = g.withRetry(ctx, func(ctx context.Context) error {
		return g.db.QueryRowContext(ctx, `
			SELECT id, tick_number FROM ticks
			WHERE sync_group = $1
			ORDER BY tick_number DESC LIMIT 1`,
			group).Scan(&tickID, &number)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, storeErr("latest tick "+group, err)
	}
	return tickID, number, nil
}

// TickByID loads one tick record, used by follower nodes reacting to
// tick_captured notifications they did not produce.
func (g *Gateway) TickByID(ctx context.Context, tickID string) (*world.TickRecord, error) {
	var rec world.TickRecord
	err := g.withRetry(ctx, func(ctx context.Context) error {
		return g.db.QueryRowContext(ctx, `
			SELECT id, sync_group, tick_number, started_at, ended_at,
				entity_count, script_count, asset_count, is_delayed, headroom_ms
			FROM ticks WHERE id = $1`,
			tickID).Scan(&rec.ID, &rec.SyncGroup, &rec.Number, &rec.StartedAt,
			&rec.EndedAt, &rec.EntityCount, &rec.ScriptCount, &rec.AssetCount,
			&rec.Delayed, &rec.HeadroomMs)
	})
	if err != nil {
		return nil, storeErr("tick by id", err)
	}
	return &rec, nil
}
