package rop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// fakeLab keeps one flat map of "collection/id/field" values and records
// the requests it served.
type fakeLab struct {
	mu      sync.Mutex
	fields  map[string]json.RawMessage
	patches []protocol.PatchRequest
	apiKeys []string
}

func newFakeLab(t *testing.T) (*fakeLab, *Client) {
	t.Helper()
	lab := &fakeLab{fields: map[string]json.RawMessage{}}
	srv := httptest.NewServer(lab)
	t.Cleanup(srv.Close)
	return lab, NewClient(srv.URL, "secret", 5*time.Second)
}

func (l *fakeLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apiKeys = append(l.apiKeys, r.Header.Get("X-API-Key"))
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	writeErr := func(code int, kind protocol.Kind, msg string) {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(protocol.ErrorBody{Error: msg, Kind: kind})
	}

	switch {
	case r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "construct":
		json.NewEncoder(w).Encode(protocol.ConstructResponse{ID: "new-id"})
	case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "get_property":
		v, ok := l.fields[parts[0]+"/"+parts[1]+"/"+parts[3]]
		if !ok {
			writeErr(http.StatusNotFound, protocol.KindNotFound, "no such property")
			return
		}
		json.NewEncoder(w).Encode(protocol.PropertyResponse{Property: parts[3], Value: v})
	case r.Method == http.MethodGet && len(parts) == 2:
		if parts[1] == "heater" || parts[1] == "dev-1" {
			json.NewEncoder(w).Encode(map[string]any{"id": "dev-1", "name": "heater"})
			return
		}
		writeErr(http.StatusNotFound, protocol.KindNotFound, "missing")
	case r.Method == http.MethodPatch && len(parts) == 3 && parts[2] == "modify_property":
		var req protocol.PatchRequest
		json.NewDecoder(r.Body).Decode(&req)
		l.patches = append(l.patches, req)
		if req.PatchType == protocol.PatchSet {
			l.fields[parts[0]+"/"+parts[1]+"/"+req.Property] = req.Value
		}
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "call_method":
		var req protocol.CallRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.CallerID == "intruder" {
			writeErr(http.StatusForbidden, "", "station is locked")
			return
		}
		op := protocol.NewOperation(req.CallerID, parts[1], protocol.EntityDevice, req.Method, req.Args)
		op.ID = "op-1"
		l.fields["operations/op-1/status"] = json.RawMessage("0")
		l.fields["operations/op-1/result"] = json.RawMessage(`""`)
		json.NewEncoder(w).Encode(op)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (l *fakeLab) set(key string, v any) {
	data, _ := json.Marshal(v)
	l.mu.Lock()
	l.fields[key] = data
	l.mu.Unlock()
}

func TestCreateAndProperties(t *testing.T) {
	ctx := context.Background()
	lab, c := newFakeLab(t)

	obj, err := c.Create(ctx, protocol.CollectionDevices, map[string]any{"name": "heater"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", obj.ID())

	require.NoError(t, obj.Set(ctx, "temperature", 100))
	var temp float64
	require.NoError(t, obj.Get(ctx, "temperature", &temp))
	assert.Equal(t, float64(100), temp)

	err = obj.Get(ctx, "missing", &temp)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.Contains(t, lab.apiKeys, "secret")
}

func TestReadOnlyDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	lab, c := newFakeLab(t)
	lab.set("devices/dev-1/temperature", 25)

	obj, err := c.BindReadOnly(ctx, protocol.CollectionDevices, "heater")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", obj.ID())
	assert.True(t, obj.ReadOnly())

	require.NoError(t, obj.Set(ctx, "temperature", 90))
	require.NoError(t, obj.Append(ctx, "operation_history", "x"))

	var temp float64
	require.NoError(t, obj.Get(ctx, "temperature", &temp))
	assert.Equal(t, float64(25), temp)
	assert.Empty(t, lab.patches)
}

func TestPatchHelpersSendArgs(t *testing.T) {
	ctx := context.Background()
	lab, c := newFakeLab(t)
	obj := c.Bind(protocol.CollectionInventories, "inv-1")

	require.NoError(t, obj.Pop(ctx, "containers", true))
	require.NoError(t, obj.Insert(ctx, "containers", 2, "c-9"))
	require.NoError(t, obj.DictDelete(ctx, "properties", "ph"))

	require.Len(t, lab.patches, 3)
	assert.Equal(t, protocol.PatchListPop, lab.patches[0].PatchType)
	assert.True(t, lab.patches[0].PatchArgs.PopLeft)
	assert.Equal(t, 2, lab.patches[1].PatchArgs.InsertIndex)
	assert.Equal(t, "ph", lab.patches[2].PatchArgs.Key)
}

func TestCallAndWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lab, c := newFakeLab(t)

	op, err := c.BindDevice("dev-1").Call(ctx, "set_temperature", map[string]any{"temperature": 100})
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID())

	go func() {
		time.Sleep(50 * time.Millisecond)
		lab.set("operations/op-1/result", "res-1")
		lab.set("operations/op-1/status", protocol.OpCompleted)
	}()

	res, err := op.Wait(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "res-1", res.ID())
}

func TestLockedErrorCrossesWire(t *testing.T) {
	_, c := newFakeLab(t)
	_, err := c.WithSession("intruder").CallMethod(context.Background(), protocol.CollectionDevices, "dev-1", "start_heat", nil)
	assert.ErrorIs(t, err, protocol.ErrLocked)
}

func TestUnreachableLabIsTransport(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	err := c.Health(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTransport)
}
