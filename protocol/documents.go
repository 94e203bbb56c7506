package protocol

import (
	"encoding/json"
	"time"
)

// Location is the physical placement of a station.
type Location struct {
	Name  string `json:"name" yaml:"name"`
	Map   string `json:"map" yaml:"map"`
	MapID int    `json:"map_id" yaml:"map_id"`
}

// Operation is a queued remote method invocation. Only Status, the
// timestamps and Result change after construction.
type Operation struct {
	ID             string          `json:"id"`
	Collection     string          `json:"_collection"`
	Class          string          `json:"cls"`
	CallerID       string          `json:"caller_id"`
	EntityID       string          `json:"entity_id"`
	EntityType     EntityType      `json:"entity_type"`
	Method         string          `json:"method"`
	Args           map[string]any  `json:"args"`
	Status         OperationStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartTimestamp *time.Time      `json:"start_timestamp"`
	EndTimestamp   *time.Time      `json:"end_timestamp"`
	Result         string          `json:"result"`
}

// NewOperation builds a CREATED operation document.
func NewOperation(callerID, entityID string, entityType EntityType, method string, args map[string]any) *Operation {
	if args == nil {
		args = map[string]any{}
	}
	return &Operation{
		Collection: CollectionOperations,
		Class:      "Operation",
		CallerID:   callerID,
		EntityID:   entityID,
		EntityType: entityType,
		Method:     method,
		Args:       args,
		Status:     OpCreated,
		CreatedAt:  time.Now().UTC(),
	}
}

// OperationResult is the durable outcome of an Operation.
type OperationResult struct {
	ID           string           `json:"id"`
	Collection   string           `json:"_collection"`
	Class        string           `json:"cls"`
	Success      bool             `json:"success"`
	Error        string           `json:"error"`
	ResultData   json.RawMessage  `json:"result_data"`
	DataFileName string           `json:"data_file_name"`
	DataType     string           `json:"data_type"`
	DataStatus   ResultDataStatus `json:"data_status"`
}

// FailedResult builds the result recorded when an operation cannot run.
func FailedResult(msg string) *OperationResult {
	return &OperationResult{
		Collection: CollectionOperationResults,
		Class:      "OperationResult",
		Success:    false,
		Error:      msg,
		ResultData: json.RawMessage("null"),
		DataStatus: DataUnavailable,
	}
}

// HasPayload reports whether the result carries an out-of-band file payload.
func (r *OperationResult) HasPayload() bool {
	return r.DataType == DataTypeFile || r.DataType == DataTypeFolder
}
