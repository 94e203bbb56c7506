package engine

import "github.com/OChRA-lab/ochra-sub000/protocol"

// labEmitter bridges the lab service's emitter interface to the EventBus.
type labEmitter struct {
	bus *EventBus
}

func (e *labEmitter) EmitOperationCreated(op *protocol.Operation, stationID string) {
	e.bus.Emit(Event{Type: EventOperationCreated, Payload: OperationCreatedEvent{
		Operation: op,
		StationID: stationID,
	}})
}

func (e *labEmitter) EmitStationLocked(stationID, sessionID string) {
	e.bus.Emit(Event{Type: EventStationLocked, Payload: StationLockEvent{
		StationID: stationID,
		SessionID: sessionID,
	}})
}

func (e *labEmitter) EmitStationUnlocked(stationID, sessionID string) {
	e.bus.Emit(Event{Type: EventStationUnlocked, Payload: StationLockEvent{
		StationID: stationID,
		SessionID: sessionID,
	}})
}

func (e *labEmitter) EmitStationHeartbeat(stationID string) {
	e.bus.Emit(Event{Type: EventStationHeartbeat, Payload: StationHeartbeatEvent{StationID: stationID}})
}

// schedulerEmitter bridges dispatch and completion events to the EventBus.
type schedulerEmitter struct {
	bus *EventBus
}

func (e *schedulerEmitter) EmitOperationDispatched(op *protocol.Operation, stationID string) {
	e.bus.Emit(Event{Type: EventOperationDispatched, Payload: OperationDispatchedEvent{
		Operation: op,
		StationID: stationID,
	}})
}

func (e *schedulerEmitter) EmitOperationCompleted(op *protocol.Operation, stationID, resultID string, success bool, errMsg string) {
	e.bus.Emit(Event{Type: EventOperationCompleted, Payload: OperationCompletedEvent{
		Operation: op,
		StationID: stationID,
		ResultID:  resultID,
		Success:   success,
		Error:     errMsg,
	}})
}
