package engine

import (
	"context"
	"time"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

func (e *Engine) wireEventHandlers() {
	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(OperationCreatedEvent)
		e.publish(protocol.TypeOperationCreated, ev.Operation.ID, ev.Operation.ID,
			operationEvent(ev.Operation, ev.StationID, protocol.OpCreated))
	}, EventOperationCreated)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(OperationDispatchedEvent)
		e.logFn("engine: operation %s dispatched to station %s", ev.Operation.ID, ev.StationID)
		e.publish(protocol.TypeOperationDispatched, ev.Operation.ID, ev.Operation.ID,
			operationEvent(ev.Operation, ev.StationID, protocol.OpInProgress))
	}, EventOperationDispatched)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(OperationCompletedEvent)
		if ev.Success {
			e.logFn("engine: operation %s completed: result %s", ev.Operation.ID, ev.ResultID)
		} else {
			e.logFn("engine: operation %s failed: %s", ev.Operation.ID, ev.Error)
		}
		p := operationEvent(ev.Operation, ev.StationID, protocol.OpCompleted)
		p.ResultID = ev.ResultID
		p.Success = ev.Success
		p.Error = ev.Error
		e.publish(protocol.TypeOperationCompleted, ev.Operation.ID, ev.Operation.ID, p)
	}, EventOperationCompleted)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(StationLockEvent)
		msgType := protocol.TypeStationLocked
		if evt.Type == EventStationUnlocked {
			msgType = protocol.TypeStationUnlocked
		}
		e.publish(msgType, ev.StationID, "", protocol.StationLockEvent{
			StationID: ev.StationID,
			SessionID: ev.SessionID,
		})
	}, EventStationLocked, EventStationUnlocked)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(StationHeartbeatEvent)
		e.publishHeartbeat(ev.StationID, evt.Timestamp)
	}, EventStationHeartbeat)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(ConnectionEvent)
		e.logFn("engine: %s", ev.Detail)
	}, EventMessagingConnected, EventMessagingDisconnected)
}

func operationEvent(op *protocol.Operation, stationID string, status protocol.OperationStatus) protocol.OperationEvent {
	return protocol.OperationEvent{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
		StationID:   stationID,
		Method:      op.Method,
		CallerID:    op.CallerID,
		Status:      status,
	}
}

func (e *Engine) publishHeartbeat(stationID string, ts time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hb := protocol.StationHeartbeat{StationID: stationID, Timestamp: ts.UTC()}
	if doc, err := e.db.Get(ctx, protocol.CollectionStations, stationID); err == nil {
		hb.Name = doc.Name()
		hb.Address = doc.Str("station_ip")
		var uptime struct {
			Uptime int64 `json:"uptime"`
		}
		if err := doc.Decode(&uptime); err == nil {
			hb.Uptime = uptime.Uptime
		}
	}
	e.publish(protocol.TypeStationHeartbeat, stationID, "", hb)
}

// publish stores an event envelope in the outbox for the drainer. key
// groups related events onto one partition.
func (e *Engine) publish(msgType, key, corID string, payload any) {
	if e.msgClient == nil {
		return
	}
	src := protocol.Address{Role: protocol.RoleLab, Node: e.cfg.Messaging.NodeID}
	dst := protocol.Address{Role: protocol.RoleAny, Node: protocol.RoleAny}
	env, err := protocol.NewCorrelated(msgType, src, dst, corID, payload)
	if err != nil {
		e.logFn("engine: build %s event: %v", msgType, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		e.logFn("engine: encode %s event: %v", msgType, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.db.EnqueueOutbox(ctx, e.cfg.Messaging.EventsTopic, data, msgType, key); err != nil {
		e.logFn("engine: enqueue %s event: %v", msgType, err)
	}
}
