package labsvc

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
}

type recordingEmitter struct {
	created    []string
	locked     []string
	unlocked   []string
	heartbeats []string
}

func (e *recordingEmitter) EmitOperationCreated(op *protocol.Operation, _ string) {
	e.created = append(e.created, op.ID)
}
func (e *recordingEmitter) EmitStationLocked(id, _ string)   { e.locked = append(e.locked, id) }
func (e *recordingEmitter) EmitStationUnlocked(id, _ string) { e.unlocked = append(e.unlocked, id) }
func (e *recordingEmitter) EmitStationHeartbeat(id string)   { e.heartbeats = append(e.heartbeats, id) }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQL(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testService(t *testing.T) (*Service, *recordingQueue, *recordingEmitter) {
	t.Helper()
	q := &recordingQueue{}
	em := &recordingEmitter{}
	return New(testDB(t), q, em, t.TempDir()), q, em
}

func doc(t *testing.T, v map[string]any) store.Document {
	t.Helper()
	d, err := store.NewDocument(v)
	require.NoError(t, err)
	return d
}

// bench creates station bench1 with device heater.
func bench(t *testing.T, svc *Service) (stationID, heaterID string) {
	t.Helper()
	ctx := context.Background()
	stationID, err := svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{
		"name": "bench1", "type": protocol.StationWork,
	}), "10.0.0.5")
	require.NoError(t, err)
	heaterID, err = svc.Construct(ctx, protocol.CollectionDevices, doc(t, map[string]any{
		"name": "heater", "owner_station": stationID,
	}), "10.0.0.5")
	require.NoError(t, err)
	return stationID, heaterID
}

func TestConstructStationDefaults(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	id, err := svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{
		"name": "bench1", "station_ip": "6.6.6.6", "port": 8001,
	}), "10.0.0.5")
	require.NoError(t, err)

	st, err := svc.Get(ctx, protocol.CollectionStations, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", st.Str("station_ip"), "address comes from the request")
	assert.Equal(t, "", st.Str("locked_by"))
	assert.JSONEq(t, `0`, string(st["status"]))
	assert.JSONEq(t, `[]`, string(st["devices"]))
}

func TestConstructRequiresName(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.Construct(context.Background(), protocol.CollectionDevices, doc(t, map[string]any{"status": 0}), "")
	assert.True(t, errors.Is(err, protocol.ErrConstruction))

	_, err = svc.Construct(context.Background(), "widgets", doc(t, map[string]any{"name": "x"}), "")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestConstructUpsertByName(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	first, err := svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{
		"name": "bench1", "inventory": "inv-1", "port": 8001,
	}), "10.0.0.5")
	require.NoError(t, err)

	second, err := svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{
		"name": "bench1", "port": 9001,
	}), "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, first, second, "identifier is reused")

	st, err := svc.Get(ctx, protocol.CollectionStations, "bench1")
	require.NoError(t, err)
	assert.Equal(t, first, st.ID())
	assert.Equal(t, "inv-1", st.Str("inventory"), "inventory survives")
	assert.JSONEq(t, `9001`, string(st["port"]))
	assert.Equal(t, "10.0.0.6", st.Str("station_ip"))

	all, err := svc.Find(ctx, protocol.CollectionStations, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeviceNamesScopedToStation(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	a, err := svc.Construct(ctx, protocol.CollectionDevices, doc(t, map[string]any{"name": "heater", "owner_station": "s1"}), "")
	require.NoError(t, err)
	b, err := svc.Construct(ctx, protocol.CollectionDevices, doc(t, map[string]any{"name": "heater", "owner_station": "s2"}), "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCallMethodQueuesOperation(t *testing.T) {
	svc, q, em := testService(t)
	ctx := context.Background()
	_, heaterID := bench(t, svc)

	op, err := svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{
		Method: "set_temperature", Args: map[string]any{"temperature": 100}, CallerID: "S1",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.OpCreated, op.Status)
	assert.Equal(t, []string{op.ID}, q.ids)
	assert.Equal(t, []string{op.ID}, em.created)

	stored, err := svc.Get(ctx, protocol.CollectionOperations, op.ID)
	require.NoError(t, err)
	var got protocol.Operation
	require.NoError(t, stored.Decode(&got))
	assert.Equal(t, protocol.OpCreated, got.Status)
	assert.Empty(t, got.Result)
	assert.Equal(t, protocol.EntityDevice, got.EntityType)
	assert.Equal(t, float64(100), got.Args["temperature"])

	hist, err := svc.GetProperty(ctx, protocol.CollectionDevices, heaterID, "operation_history")
	require.NoError(t, err)
	assert.JSONEq(t, `["`+op.ID+`"]`, string(hist))
}

func TestCallMethodRefusedWhenLockedByOther(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()
	stationID, heaterID := bench(t, svc)

	require.NoError(t, svc.Lock(ctx, stationID, "S1"))

	_, err := svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{Method: "set_temperature", CallerID: "S2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrLocked))
	assert.Empty(t, q.ids)

	ops, err := svc.Find(ctx, protocol.CollectionOperations, nil)
	require.NoError(t, err)
	assert.Empty(t, ops, "no operation recorded")

	_, err = svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{Method: "set_temperature", CallerID: "S1"})
	assert.NoError(t, err, "holder may call")
}

func TestCallMethodErrors(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	_, heaterID := bench(t, svc)

	_, err := svc.CallMethod(ctx, protocol.CollectionDevices, "missing", &protocol.CallRequest{Method: "x"})
	assert.True(t, errors.Is(err, protocol.ErrNotFound))

	_, err = svc.CallMethod(ctx, protocol.CollectionReagents, heaterID, &protocol.CallRequest{Method: "x"})
	assert.True(t, errors.Is(err, protocol.ErrMethod))

	_, err = svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{})
	assert.True(t, errors.Is(err, protocol.ErrMethod))

	orphan, err := svc.Construct(ctx, protocol.CollectionDevices, doc(t, map[string]any{"name": "loose"}), "")
	require.NoError(t, err)
	_, err = svc.CallMethod(ctx, protocol.CollectionDevices, orphan, &protocol.CallRequest{Method: "x"})
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func TestLockUnlock(t *testing.T) {
	svc, _, em := testService(t)
	ctx := context.Background()
	stationID, _ := bench(t, svc)

	require.NoError(t, svc.Lock(ctx, stationID, "S1"))
	require.NoError(t, svc.Lock(ctx, stationID, "S1"), "relock by holder")
	assert.True(t, errors.Is(svc.Lock(ctx, stationID, "S2"), protocol.ErrLocked))
	assert.True(t, errors.Is(svc.Unlock(ctx, stationID, "S2"), protocol.ErrLocked))

	require.NoError(t, svc.Unlock(ctx, stationID, "S1"))
	require.NoError(t, svc.Unlock(ctx, stationID, "S1"), "unlock of free station")
	require.NoError(t, svc.Lock(ctx, stationID, "S2"))

	assert.Equal(t, []string{stationID, stationID}, em.locked)
	assert.Equal(t, []string{stationID}, em.unlocked)
	assert.True(t, errors.Is(svc.Lock(ctx, "missing", "S1"), protocol.ErrNotFound))
}

func TestModifyProperty(t *testing.T) {
	svc, _, em := testService(t)
	ctx := context.Background()
	stationID, heaterID := bench(t, svc)

	require.NoError(t, svc.ModifyProperty(ctx, protocol.CollectionStations, stationID, &protocol.PatchRequest{
		Property: "devices", Value: store.Raw(heaterID), PatchType: protocol.PatchListAppend,
	}))
	raw, err := svc.GetProperty(ctx, protocol.CollectionStations, stationID, "devices")
	require.NoError(t, err)
	assert.JSONEq(t, `["`+heaterID+`"]`, string(raw))

	_, err = svc.GetProperty(ctx, protocol.CollectionStations, stationID, "nope")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
	assert.Empty(t, em.heartbeats)

	require.NoError(t, svc.ModifyProperty(ctx, protocol.CollectionStations, stationID, &protocol.PatchRequest{
		Property: "last_heartbeat", Value: store.Raw("2026-10-16T09:00:00Z"), PatchType: protocol.PatchSet,
	}))
	assert.Equal(t, []string{stationID}, em.heartbeats)
}

func TestModifyPropertyGuardsOwnedFields(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	stationID, heaterID := bench(t, svc)
	op, err := svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{Method: "start_heat", CallerID: "s1"})
	require.NoError(t, err)

	set := func(collection, id, field string, v any) error {
		return svc.ModifyProperty(ctx, collection, id, &protocol.PatchRequest{
			Property: field, Value: store.Raw(v), PatchType: protocol.PatchSet,
		})
	}

	for _, field := range []string{"entity_id", "entity_type", "method", "args", "caller_id", "id"} {
		assert.ErrorIs(t, set(protocol.CollectionOperations, op.ID, field, stationID), protocol.ErrInvalidPatch, field)
	}
	raw, err := svc.GetProperty(ctx, protocol.CollectionOperations, op.ID, "entity_id")
	require.NoError(t, err)
	assert.JSONEq(t, `"`+heaterID+`"`, string(raw), "operation is never re-targeted")
	require.NoError(t, set(protocol.CollectionOperations, op.ID, "status", protocol.OpInProgress))
	require.NoError(t, set(protocol.CollectionOperations, op.ID, "start_timestamp", "2026-10-16T09:00:00Z"))

	require.NoError(t, svc.Lock(ctx, stationID, "s1"))
	assert.ErrorIs(t, set(protocol.CollectionStations, stationID, "locked_by", "s2"), protocol.ErrInvalidPatch)
	assert.ErrorIs(t, set(protocol.CollectionStations, stationID, "station_ip", "6.6.6.6"), protocol.ErrInvalidPatch)
	holder, err := svc.lockHolder(ctx, stationID)
	require.NoError(t, err)
	assert.Equal(t, "s1", holder)
	require.NoError(t, set(protocol.CollectionStations, stationID, "status", protocol.StatusBusy))
}

func TestConstructCannotClaimLock(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	id, err := svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{
		"name": "bench1", "port": 8001, "locked_by": "s2",
	}), "10.0.0.5")
	require.NoError(t, err)
	holder, err := svc.lockHolder(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, svc.Lock(ctx, id, "s1"))
	_, err = svc.Construct(ctx, protocol.CollectionStations, doc(t, map[string]any{"name": "bench1", "port": 8001}), "10.0.0.5")
	require.NoError(t, err)
	holder, err = svc.lockHolder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s1", holder, "reconstruction keeps the lock")
}

// completedResult wires an operation to a result carrying a payload.
func completedResult(t *testing.T, svc *Service, heaterID, dataType, fileName string) string {
	t.Helper()
	ctx := context.Background()
	resID, err := svc.Construct(ctx, protocol.CollectionOperationResults, doc(t, map[string]any{
		"success": true, "data_type": dataType, "data_file_name": fileName, "data_status": protocol.DataUploading,
	}), "")
	require.NoError(t, err)
	op, err := svc.CallMethod(ctx, protocol.CollectionDevices, heaterID, &protocol.CallRequest{Method: "log"})
	require.NoError(t, err)
	require.NoError(t, svc.ModifyProperty(ctx, protocol.CollectionOperations, op.ID, &protocol.PatchRequest{
		Property: "result", Value: store.Raw(resID), PatchType: protocol.PatchSet,
	}))
	return resID
}

func markAvailable(t *testing.T, svc *Service, resID string) {
	require.NoError(t, svc.ModifyProperty(context.Background(), protocol.CollectionOperationResults, resID, &protocol.PatchRequest{
		Property: "data_status", Value: store.Raw(protocol.DataAvailable), PatchType: protocol.PatchSet,
	}))
}

func TestPutGetFileData(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	_, heaterID := bench(t, svc)
	resID := completedResult(t, svc, heaterID, protocol.DataTypeFile, "log.csv")

	require.NoError(t, svc.PutData(ctx, resID, bytes.NewReader([]byte("t,temp\n0,100\n"))))
	_, err := os.Stat(filepath.Join(svc.dataDir, "heater", "log.csv"))
	require.NoError(t, err, "stored under the entity name")

	_, _, err = svc.GetData(ctx, resID)
	assert.True(t, errors.Is(err, protocol.ErrNotFound), "not available until marked")

	markAvailable(t, svc, resID)
	path, cleanup, err := svc.GetData(ctx, resID)
	require.NoError(t, err)
	defer cleanup()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "t,temp\n0,100\n", string(data))
}

func TestPutGetFolderData(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	_, heaterID := bench(t, svc)
	resID := completedResult(t, svc, heaterID, protocol.DataTypeFolder, "images.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("frame1.txt")
	require.NoError(t, err)
	w.Write([]byte("pixels"))
	require.NoError(t, zw.Close())

	require.NoError(t, svc.PutData(ctx, resID, &buf))
	data, err := os.ReadFile(filepath.Join(svc.dataDir, "heater", "images", "frame1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	markAvailable(t, svc, resID)
	path, cleanup, err := svc.GetData(ctx, resID)
	require.NoError(t, err)
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "frame1.txt", zr.File[0].Name)
	zr.Close()

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "temporary archive removed")
}

func TestPutDataWithoutPayload(t *testing.T) {
	svc, _, _ := testService(t)
	resID, err := svc.Construct(context.Background(), protocol.CollectionOperationResults, doc(t, map[string]any{"success": true}), "")
	require.NoError(t, err)
	err = svc.PutData(context.Background(), resID, bytes.NewReader(nil))
	assert.True(t, errors.Is(err, protocol.ErrConstruction))
}
