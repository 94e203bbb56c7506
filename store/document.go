package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Document is one stored entity: a JSON object keyed by field name.
type Document map[string]json.RawMessage

// Filter matches documents whose fields equal the given JSON values.
type Filter map[string]json.RawMessage

// Patch is one structural update of a single field.
type Patch struct {
	Field string
	Type  protocol.PatchType
	Value json.RawMessage
	Args  protocol.PatchArgs
}

// DocumentStore is durable keyed storage with per-field patch semantics.
// Every entity-changing call touches exactly one document.
type DocumentStore interface {
	// Create stores doc under collection. An empty id field is filled with a
	// new UUID. The assigned id is returned.
	Create(ctx context.Context, collection string, doc Document) (string, error)
	// Replace overwrites an existing document, keeping its id.
	Replace(ctx context.Context, collection, id string, doc Document) error
	Get(ctx context.Context, collection, id string) (Document, error)
	GetField(ctx context.Context, collection, id, field string) (json.RawMessage, error)
	FindByName(ctx context.Context, collection, name string) (Document, error)
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)
	Patch(ctx context.Context, collection, id string, p Patch) error
	// CompareAndSwap sets field to next only if its current value equals old.
	// Absent, null and "" are all treated as the same empty value.
	CompareAndSwap(ctx context.Context, collection, id, field string, old, next json.RawMessage) (bool, error)
	Delete(ctx context.Context, collection, id string) error

	EnqueueOutbox(ctx context.Context, topic string, payload []byte, msgType, clientID string) error
	ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	AckOutbox(ctx context.Context, id string) error
	IncrementOutboxRetries(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// NewDocument converts any JSON-marshalable object into a Document.
func NewDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return doc, nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Str returns a string field, or "" when absent or not a string.
func (d Document) Str(field string) string {
	raw, ok := d[field]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func (d Document) ID() string   { return d.Str(protocol.FieldID) }
func (d Document) Name() string { return d.Str(protocol.FieldName) }

// Set marshals v into field.
func (d Document) Set(field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d[field] = raw
	return nil
}

// Clone returns a shallow copy; raw values are never mutated in place.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Raw marshals v for use in Patch, Filter and CompareAndSwap.
func Raw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// Matches reports whether every filter field equals the document's field.
func (d Document) Matches(f Filter) bool {
	for k, want := range f {
		got, ok := d[k]
		if !ok {
			if !isEmpty(want) {
				return false
			}
			continue
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares two JSON values structurally.
func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// isEmpty reports whether raw is absent, null or the empty string.
func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte(`""`))
}

// valuesEqual applies the CompareAndSwap equality rule.
func valuesEqual(current, old json.RawMessage) bool {
	if isEmpty(old) {
		return isEmpty(current)
	}
	return jsonEqual(current, old)
}

func notFoundField(collection, id, field string) error {
	return protocol.Errorf(protocol.KindNotFound, "%s %q has no property %q", collection, id, field)
}

func storeErr(err error, format string, args ...any) error {
	return protocol.Wrap(protocol.KindStore, err, fmt.Sprintf(format, args...))
}
