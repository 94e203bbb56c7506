package scheduler

import (
	"context"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// Emitter is the interface adapters must satisfy to bridge scheduler events to the engine.
type Emitter interface {
	EmitOperationDispatched(op *protocol.Operation, stationID string)
	EmitOperationCompleted(op *protocol.Operation, stationID, resultID string, success bool, errMsg string)
}

// Stations sends operations to the executors that own them.
type Stations interface {
	ProcessOp(ctx context.Context, station store.Document, op *protocol.Operation) (*protocol.ProcessOpResponse, error)
}

type nopEmitter struct{}

func (nopEmitter) EmitOperationDispatched(*protocol.Operation, string)                      {}
func (nopEmitter) EmitOperationCompleted(*protocol.Operation, string, string, bool, string) {}
