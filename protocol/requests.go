package protocol

import "encoding/json"

// ConstructRequest is the body of PUT /{collection}/construct.
type ConstructRequest struct {
	Object json.RawMessage `json:"object"`
}

// ConstructResponse returns the identifier assigned by the store.
type ConstructResponse struct {
	ID string `json:"id"`
}

// PropertyResponse is the body of GET /{collection}/{id}/get_property/{name}.
type PropertyResponse struct {
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

// PatchArgs parameterises list and dict patches.
type PatchArgs struct {
	PopLeft     bool   `json:"pop_left,omitempty"`
	InsertIndex int    `json:"insert_index,omitempty"`
	Key         string `json:"key,omitempty"`
}

// PatchRequest is the body of PATCH /{collection}/{id}/modify_property.
type PatchRequest struct {
	Property  string          `json:"property"`
	Value     json.RawMessage `json:"property_value"`
	PatchType PatchType       `json:"patch_type"`
	PatchArgs *PatchArgs      `json:"patch_args,omitempty"`
}

// Args returns the patch arguments, never nil.
func (p *PatchRequest) Args() PatchArgs {
	if p.PatchArgs == nil {
		return PatchArgs{}
	}
	return *p.PatchArgs
}

// CallRequest is the body of POST /{collection}/{id}/call_method.
type CallRequest struct {
	Method   string         `json:"method"`
	Args     map[string]any `json:"args"`
	CallerID string         `json:"caller_id"`
}

// LockRequest is the body of the station lock and unlock calls.
type LockRequest struct {
	SessionID string `json:"session_id"`
}

// ProcessOpResponse is returned by a station for POST /process_op.
type ProcessOpResponse struct {
	OperationID string `json:"operation_id"`
	ResultID    string `json:"result_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}
