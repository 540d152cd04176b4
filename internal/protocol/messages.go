// Package protocol defines the JSON wire protocol spoken over the WebSocket:
// the client→server envelope, the server→client push messages, and the typed
// error kinds surfaced at the session boundary.
//
// Every client frame is a JSON object with a "type" tag. Parsing is
// exhaustive: an unknown tag or a missing required field is a
// schema_violation, never a silent drop.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/worldmesh/worldcore/internal/world"
)

// MessageType tags one wire message.
type MessageType string

// Client→server types.
const (
	TypeHeartbeatRequest    MessageType = "heartbeat_request"
	TypeClientConfigRequest MessageType = "client_config_request"
	TypeKeyframeRequest     MessageType = "keyframe_request"
	TypeQueryRequest        MessageType = "query_request"
)

// Server→client types.
const (
	TypeConnectionEstablished MessageType = "connection_established_response"
	TypeHeartbeatResponse     MessageType = "heartbeat_response"
	TypeClientConfigResponse  MessageType = "client_config_response"
	TypeKeyframeResponse      MessageType = "keyframe_response"
	TypeKeyframeScripts       MessageType = "keyframe_entity_scripts_response"
	TypeKeyframeAssets        MessageType = "keyframe_entity_assets_response"
	TypeSyncGroupUpdates      MessageType = "sync_group_updates_response"
	TypeScriptUpdates         MessageType = "entity_script_updates_response"
	TypeAssetUpdates          MessageType = "entity_asset_updates_response"
	TypeQueryResponse         MessageType = "query_response"
	TypeErrorResponse         MessageType = "error_response"
)

// Critical reports whether a message type may never be dropped under
// backpressure. Only tick update streams are droppable; a client can recover
// those from the next keyframe, but never a lost heartbeat or error.
func Critical(t MessageType) bool {
	switch t {
	case TypeSyncGroupUpdates, TypeScriptUpdates, TypeAssetUpdates:
		return false
	}
	return true
}

// Envelope is the common prefix of every wire message.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	RequestID string      `json:"requestId,omitempty"`
}

func newEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UnixMilli()}
}

// KeyframeKind selects which table a keyframe request covers.
type KeyframeKind string

const (
	KeyframeEntities KeyframeKind = "entities"
	KeyframeScripts  KeyframeKind = "scripts"
	KeyframeAssets   KeyframeKind = "assets"
)

// ClientMessage is the parsed form of one inbound frame. Exactly one of the
// payload pointers is set, matching Type.
type ClientMessage struct {
	Envelope
	Keyframe *KeyframeRequest
	Query    *QueryRequest
}

// KeyframeRequest asks for a full authorized snapshot of one sync group.
type KeyframeRequest struct {
	SyncGroup string       `json:"syncGroup"`
	Kind      KeyframeKind `json:"kind,omitempty"`
}

// QueryRequest carries an arbitrary parameterized query to run under the
// session's agent identity.
type QueryRequest struct {
	Query      string `json:"query"`
	Parameters []any  `json:"parameters"`
	RequestID  string `json:"requestId"`
}

// rawClient is the superset of all client payload fields, decoded once
// before the per-type validation switch.
type rawClient struct {
	Envelope
	SyncGroup  string       `json:"syncGroup"`
	Kind       KeyframeKind `json:"kind"`
	Query      string       `json:"query"`
	Parameters []any        `json:"parameters"`
}

// ParseClient decodes and validates one inbound text frame. Failures are
// always *Error with KindSchemaViolation, carrying the request id when the
// frame got far enough to reveal one.
func ParseClient(data []byte) (*ClientMessage, error) {
	var raw rawClient
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewError(KindSchemaViolation, "malformed message: %v", err)
	}

	msg := &ClientMessage{Envelope: raw.Envelope}
	switch raw.Type {
	case TypeHeartbeatRequest, TypeClientConfigRequest:
		return msg, nil

	case TypeKeyframeRequest:
		if raw.SyncGroup == "" {
			return nil, NewError(KindSchemaViolation, "keyframe_request missing syncGroup").WithRequest(raw.RequestID)
		}
		kind := raw.Kind
		if kind == "" {
			kind = KeyframeEntities
		}
		switch kind {
		case KeyframeEntities, KeyframeScripts, KeyframeAssets:
		default:
			return nil, NewError(KindSchemaViolation, "unknown keyframe kind %q", kind).WithRequest(raw.RequestID)
		}
		msg.Keyframe = &KeyframeRequest{SyncGroup: raw.SyncGroup, Kind: kind}
		return msg, nil

	case TypeQueryRequest:
		if raw.Query == "" {
			return nil, NewError(KindSchemaViolation, "query_request missing query").WithRequest(raw.RequestID)
		}
		if raw.RequestID == "" {
			return nil, NewError(KindSchemaViolation, "query_request missing requestId")
		}
		msg.Query = &QueryRequest{
			Query:      raw.Query,
			Parameters: raw.Parameters,
			RequestID:  raw.RequestID,
		}
		return msg, nil

	case "":
		return nil, NewError(KindSchemaViolation, "message missing type")
	default:
		return nil, NewError(KindSchemaViolation, "unknown message type %q", raw.Type).WithRequest(raw.RequestID)
	}
}

// ConnectionEstablished is pushed once after a successful upgrade.
type ConnectionEstablished struct {
	Envelope
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// HeartbeatResponse answers a heartbeat_request.
type HeartbeatResponse struct {
	Envelope
}

// ClientConfig is the payload of client_config_response.
type ClientConfig struct {
	SyncGroups            map[string]SyncGroupConfig `json:"syncGroups"`
	HeartbeatInactivityMs int64                      `json:"heartbeatInactivityMs"`
	QueryTimeoutMs        int64                      `json:"queryTimeoutMs"`
	MaxQueryResultBytes   int                        `json:"maxQueryResultBytes"`
}

// SyncGroupConfig mirrors one sync group's cadence settings for clients.
type SyncGroupConfig struct {
	TickRateMs       int64 `json:"tickRateMs"`
	MaxBufferedTicks int   `json:"maxBufferedTicks"`
}

// ClientConfigResponse answers a client_config_request.
type ClientConfigResponse struct {
	Envelope
	Config ClientConfig `json:"config"`
}

// KeyframeResponse carries a full entity snapshot of one sync group.
type KeyframeResponse struct {
	Envelope
	SyncGroup string         `json:"syncGroup"`
	Entities  []world.Entity `json:"entities"`
}

// KeyframeScriptsResponse carries a full script snapshot of one sync group.
type KeyframeScriptsResponse struct {
	Envelope
	SyncGroup string         `json:"syncGroup"`
	Scripts   []world.Script `json:"scripts"`
}

// KeyframeAssetsResponse carries a full asset snapshot of one sync group.
type KeyframeAssetsResponse struct {
	Envelope
	SyncGroup string        `json:"syncGroup"`
	Assets    []world.Asset `json:"assets"`
}

// SyncGroupUpdates streams the entity diffs of one tick.
type SyncGroupUpdates struct {
	Envelope
	TickMetadata world.TickRecord   `json:"tickMetadata"`
	Entities     []world.EntityDiff `json:"entities"`
}

// ScriptUpdates streams the script diffs of one tick.
type ScriptUpdates struct {
	Envelope
	TickMetadata world.TickRecord   `json:"tickMetadata"`
	Scripts      []world.ScriptDiff `json:"scripts"`
}

// AssetUpdates streams the asset diffs of one tick.
type AssetUpdates struct {
	Envelope
	TickMetadata world.TickRecord  `json:"tickMetadata"`
	Assets       []world.AssetDiff `json:"assets"`
}

// QueryResponse correlates to a query_request by request id. Exactly one of
// Result and ErrorMessage is meaningful.
type QueryResponse struct {
	Envelope
	Result       []map[string]any `json:"result"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// ErrorResponse reports a typed failure without closing the session.
type ErrorResponse struct {
	Envelope
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Constructors fill the envelope so call sites stay one-liners.

func NewConnectionEstablished(agentID, sessionID string) *ConnectionEstablished {
	return &ConnectionEstablished{Envelope: newEnvelope(TypeConnectionEstablished), AgentID: agentID, SessionID: sessionID}
}

func NewHeartbeatResponse() *HeartbeatResponse {
	return &HeartbeatResponse{Envelope: newEnvelope(TypeHeartbeatResponse)}
}

func NewClientConfigResponse(cfg ClientConfig) *ClientConfigResponse {
	return &ClientConfigResponse{Envelope: newEnvelope(TypeClientConfigResponse), Config: cfg}
}

func NewKeyframeResponse(group string, entities []world.Entity) *KeyframeResponse {
	return &KeyframeResponse{Envelope: newEnvelope(TypeKeyframeResponse), SyncGroup: group, Entities: entities}
}

func NewKeyframeScriptsResponse(group string, scripts []world.Script) *KeyframeScriptsResponse {
	return &KeyframeScriptsResponse{Envelope: newEnvelope(TypeKeyframeScripts), SyncGroup: group, Scripts: scripts}
}

func NewKeyframeAssetsResponse(group string, assets []world.Asset) *KeyframeAssetsResponse {
	return &KeyframeAssetsResponse{Envelope: newEnvelope(TypeKeyframeAssets), SyncGroup: group, Assets: assets}
}

func NewSyncGroupUpdates(tick world.TickRecord, entities []world.EntityDiff) *SyncGroupUpdates {
	return &SyncGroupUpdates{Envelope: newEnvelope(TypeSyncGroupUpdates), TickMetadata: tick, Entities: entities}
}

func NewScriptUpdates(tick world.TickRecord, scripts []world.ScriptDiff) *ScriptUpdates {
	return &ScriptUpdates{Envelope: newEnvelope(TypeScriptUpdates), TickMetadata: tick, Scripts: scripts}
}

func NewAssetUpdates(tick world.TickRecord, assets []world.AssetDiff) *AssetUpdates {
	return &AssetUpdates{Envelope: newEnvelope(TypeAssetUpdates), TickMetadata: tick, Assets: assets}
}

func NewQueryResponse(requestID string, rows []map[string]any) *QueryResponse {
	resp := &QueryResponse{Envelope: newEnvelope(TypeQueryResponse), Result: rows}
	resp.RequestID = requestID
	return resp
}

func NewQueryError(requestID, message string) *QueryResponse {
	resp := &QueryResponse{Envelope: newEnvelope(TypeQueryResponse), ErrorMessage: message}
	resp.RequestID = requestID
	return resp
}

func NewErrorResponse(kind Kind, message, requestID string) *ErrorResponse {
	resp := &ErrorResponse{Envelope: newEnvelope(TypeErrorResponse), Kind: kind, Message: message}
	resp.RequestID = requestID
	return resp
}
