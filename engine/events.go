package engine

import "github.com/OChRA-lab/ochra-sub000/protocol"

const (
	EventOperationCreated EventType = iota + 1
	EventOperationDispatched
	EventOperationCompleted
	EventStationLocked
	EventStationUnlocked
	EventStationHeartbeat
	EventMessagingConnected
	EventMessagingDisconnected
)

// --- Event payloads ---

type OperationCreatedEvent struct {
	Operation *protocol.Operation
	StationID string
}

type OperationDispatchedEvent struct {
	Operation *protocol.Operation
	StationID string
}

type OperationCompletedEvent struct {
	Operation *protocol.Operation
	StationID string
	ResultID  string
	Success   bool
	Error     string
}

type StationLockEvent struct {
	StationID string
	SessionID string
}

type StationHeartbeatEvent struct {
	StationID string
}

type ConnectionEvent struct {
	Detail string
}
