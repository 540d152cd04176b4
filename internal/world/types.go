// Package world defines the shared vocabulary of the sync runtime: sync
// groups, entities, scripts, assets, tick records, and the diffs computed
// between two ticks. The store produces these, the fan-out router and wire
// protocol consume them.
package world

import "time"

// Well-known agent ids. Both rows are seeded by the schema and always exist.
const (
	SystemAgentID    = "00000000-0000-0000-0000-000000000001"
	AnonymousAgentID = "00000000-0000-0000-0000-000000000002"
)

// SyncGroup is an administrative partition of the world. All visibility and
// fan-out are scoped per sync group.
type SyncGroup struct {
	Name             string
	TickRate         time.Duration
	MaxBufferedTicks int
}

// CompileStatus tracks a script through one compile attempt. Transitions are
// monotone: pending → compiling → compiled|failed.
type CompileStatus string

const (
	CompilePending CompileStatus = "pending"
	CompileActive  CompileStatus = "compiling"
	CompileDone    CompileStatus = "compiled"
	CompileFailed  CompileStatus = "failed"
)

// Entity is one object in the world.
type Entity struct {
	ID           string         `json:"entityId"`
	Name         string         `json:"name"`
	Version      int64          `json:"version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Scripts      []string       `json:"scripts,omitempty"`
	Assets       []string       `json:"assets,omitempty"`
	SyncGroup    string         `json:"syncGroup"`
	LoadPriority int            `json:"loadPriority"`
}

// Script is a behavior attached to entities by file name.
type Script struct {
	FileName  string        `json:"fileName"`
	SyncGroup string        `json:"syncGroup"`
	Source    string        `json:"source,omitempty"`
	Compiled  string        `json:"compiled,omitempty"`
	Status    CompileStatus `json:"status"`
}

// Asset is a binary payload referenced by entities by file name. Payload may
// be absent while an upload is in flight.
type Asset struct {
	FileName  string `json:"fileName"`
	SyncGroup string `json:"syncGroup"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload,omitempty"`
}

// TickRecord describes one completed capture of a sync group.
type TickRecord struct {
	ID          string    `json:"tickId"`
	SyncGroup   string    `json:"syncGroup"`
	Number      int64     `json:"tickNumber"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	EntityCount int       `json:"entityCount"`
	ScriptCount int       `json:"scriptCount"`
	AssetCount  int       `json:"assetCount"`
	Delayed     bool      `json:"isDelayed"`
	HeadroomMs  float64   `json:"headroomMs"`

	// Optional timing splits; omitted when the deployment does not expose
	// them on the wire.
	DBTimeMs      *float64 `json:"dbTimeMs,omitempty"`
	ManagerTimeMs *float64 `json:"managerTimeMs,omitempty"`
}

// Operation classifies one diff entry.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntityDiff is one entity-level change between two ticks. Changes holds only
// the fields whose value differs; it is nil for deletes.
type EntityDiff struct {
	EntityID  string         `json:"entityId"`
	Operation Operation      `json:"operation"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// ScriptDiff is one script-level change between two ticks.
type ScriptDiff struct {
	FileName  string         `json:"fileName"`
	Operation Operation      `json:"operation"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// AssetDiff is one asset-level change between two ticks.
type AssetDiff struct {
	FileName  string         `json:"fileName"`
	Operation Operation      `json:"operation"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// ChangeSet bundles everything a single tick produced for fan-out.
type ChangeSet struct {
	Tick     TickRecord
	Entities []EntityDiff
	Scripts  []ScriptDiff
	Assets   []AssetDiff
}

// Empty reports whether the tick produced no observable changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Entities) == 0 && len(c.Scripts) == 0 && len(c.Assets) == 0
}
