package labsvc

import "github.com/OChRA-lab/ochra-sub000/protocol"

// Emitter is the interface adapters must satisfy to bridge lab service events to the engine.
type Emitter interface {
	EmitOperationCreated(op *protocol.Operation, stationID string)
	EmitStationLocked(stationID, sessionID string)
	EmitStationUnlocked(stationID, sessionID string)
	EmitStationHeartbeat(stationID string)
}

// Enqueuer accepts newly created operations for dispatch.
type Enqueuer interface {
	Enqueue(opID string)
}

type nopEmitter struct{}

func (nopEmitter) EmitOperationCreated(*protocol.Operation, string) {}
func (nopEmitter) EmitStationLocked(string, string)                 {}
func (nopEmitter) EmitStationUnlocked(string, string)               {}
func (nopEmitter) EmitStationHeartbeat(string)                      {}
