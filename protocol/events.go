package protocol

import "time"

// Version is the envelope format version.
const Version = 1

// Roles used in envelope addresses.
const (
	RoleLab = "lab"
	RoleAny = "*"
)

// Lifecycle event types.
const (
	TypeOperationCreated    = "operation.created"
	TypeOperationDispatched = "operation.dispatched"
	TypeOperationCompleted  = "operation.completed"
	TypeStationLocked       = "station.locked"
	TypeStationUnlocked     = "station.unlocked"
	TypeStationHeartbeat    = "station.heartbeat"
)

// OperationEvent describes an operation lifecycle transition.
type OperationEvent struct {
	OperationID string          `json:"operation_id"`
	EntityID    string          `json:"entity_id"`
	EntityType  EntityType      `json:"entity_type"`
	StationID   string          `json:"station_id,omitempty"`
	Method      string          `json:"method"`
	CallerID    string          `json:"caller_id"`
	Status      OperationStatus `json:"status"`
	ResultID    string          `json:"result_id,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StationLockEvent describes a lock change on a station.
type StationLockEvent struct {
	StationID string `json:"station_id"`
	SessionID string `json:"session_id"`
}

// StationHeartbeat is reported by a station process while it is serving.
type StationHeartbeat struct {
	StationID string    `json:"station_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Uptime    int64     `json:"uptime_s"`
	Timestamp time.Time `json:"ts"`
}
