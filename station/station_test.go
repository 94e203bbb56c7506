package station

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/engine"
	"github.com/OChRA-lab/ochra-sub000/equipment"
	"github.com/OChRA-lab/ochra-sub000/equipment/sim"
	"github.com/OChRA-lab/ochra-sub000/lease"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/rop"
	"github.com/OChRA-lab/ochra-sub000/stationconn"
	"github.com/OChRA-lab/ochra-sub000/store"
	"github.com/OChRA-lab/ochra-sub000/www"
)

func quiet(string, ...any) {}

// newLab runs a complete lab server on sqlite and returns its URL.
func newLab(t *testing.T) string {
	t.Helper()
	db, err := store.OpenSQL(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "lab.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()
	cfg.Data.Folder = t.TempDir()
	cfg.Scheduler.PollInterval = 10 * time.Millisecond

	eng := engine.New(engine.Config{
		AppConfig: cfg,
		DB:        db,
		Stations:  stationconn.NewPool(stationconn.Config{Timeout: 10 * time.Second}),
		Leaser:    lease.NewMemory(),
		LogFunc:   quiet,
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(www.NewRouter(eng, nil))
	t.Cleanup(srv.Close)
	return srv.URL
}

// startStation registers a station named bench1 with the given equipment
// and serves its executor.
func startStation(t *testing.T, labURL string, devices ...config.DeviceConfig) *Station {
	t.Helper()
	return startStationWith(t, labURL, sim.Register, devices...)
}

func startStationWith(t *testing.T, labURL string, register func(*equipment.Registry), devices ...config.DeviceConfig) *Station {
	t.Helper()
	cfg := config.StationDefaults()
	cfg.Name = "bench1"
	cfg.Devices = devices
	require.NoError(t, cfg.Validate())

	reg := metrics.NewRegistry()
	s := New(cfg, rop.NewClient(labURL, "", 5*time.Second), Options{
		Metrics: metrics.NewExecutor(reg.Prometheus()),
		LogFunc: quiet,
	})
	srv := httptest.NewServer(NewRouter(s, reg))
	t.Cleanup(srv.Close)
	t.Cleanup(s.Wait)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cfg.Port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)

	drivers := equipment.NewRegistry()
	register(drivers)
	require.NoError(t, s.Register(context.Background(), drivers))
	return s
}

func heater() config.DeviceConfig {
	return config.DeviceConfig{Name: "heater", Driver: "sim.heater"}
}

func waitResult(t *testing.T, op *rop.Operation) *protocol.OperationResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := op.Wait(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	loaded, err := res.Load(ctx)
	require.NoError(t, err)
	return loaded
}

func TestSetTemperatureCompletes(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, heater())
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	dev, err := c.FindDevice(ctx, "heater")
	require.NoError(t, err)
	op, err := c.BindDevice(dev.ID()).Call(ctx, "set_temperature", map[string]any{"temperature": 100})
	require.NoError(t, err)

	res := waitResult(t, op)
	assert.True(t, res.Success)
	assert.JSONEq(t, "true", string(res.ResultData))
	assert.Equal(t, protocol.DataTypeJSON, res.DataType)
	assert.Equal(t, protocol.DataAvailable, res.DataStatus)

	var temp float64
	require.NoError(t, dev.Get(ctx, "temperature", &temp))
	assert.Equal(t, float64(100), temp)

	status, err := dev.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, status)
	stStatus, err := s.Proxy().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, stStatus)

	loaded, err := op.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpCompleted, loaded.Status)
	require.NotNil(t, loaded.StartTimestamp)
	require.NotNil(t, loaded.EndTimestamp)
	assert.False(t, loaded.EndTimestamp.Before(*loaded.StartTimestamp))
}

func TestLockedStationRejectsOtherSession(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, heater())
	ctx := context.Background()
	s1 := rop.NewClient(labURL, "", 5*time.Second)
	s2 := s1.WithSession("session-2")

	require.NoError(t, s1.BindStation(s.ID()).Lock(ctx))
	dev, err := s2.FindDevice(ctx, "heater")
	require.NoError(t, err)
	_, err = s2.CallMethod(ctx, protocol.CollectionDevices, dev.ID(), "start_heat", nil)
	assert.ErrorIs(t, err, protocol.ErrLocked)

	ops, err := s1.Find(ctx, protocol.CollectionOperations, map[string]string{"status": "2"})
	require.NoError(t, err)
	assert.Empty(t, ops)

	op, err := s1.BindDevice(dev.ID()).Call(ctx, "start_heat", nil)
	require.NoError(t, err)
	assert.True(t, waitResult(t, op).Success, "the lock holder is served")
}

func TestUnknownMethodCapturedInResult(t *testing.T) {
	labURL := newLab(t)
	startStation(t, labURL, heater())
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	dev, err := c.FindDevice(ctx, "heater")
	require.NoError(t, err)
	op, err := c.BindDevice(dev.ID()).Call(ctx, "nonexistent", nil)
	require.NoError(t, err)

	res := waitResult(t, op)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "nonexistent")

	status, err := dev.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, status)
}

func TestMethodErrorReturnsToIdle(t *testing.T) {
	labURL := newLab(t)
	startStation(t, labURL, heater())
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	dev, err := c.FindDevice(ctx, "heater")
	require.NoError(t, err)
	op, err := c.BindDevice(dev.ID()).Call(ctx, "set_temperature", map[string]any{"temperature": 9000})
	require.NoError(t, err)

	res := waitResult(t, op)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "out of range")
	status, err := dev.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, status)
}

func TestReadOnlyProxyIsIdempotent(t *testing.T) {
	labURL := newLab(t)
	startStation(t, labURL, heater())
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	ro, err := c.FindDevice(ctx, "heater")
	require.NoError(t, err)
	before, err := ro.Status(ctx)
	require.NoError(t, err)

	require.NoError(t, ro.SetStatus(ctx, protocol.StatusError))
	require.NoError(t, ro.Set(ctx, "temperature", 250))

	after, err := ro.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	var temp any
	assert.ErrorIs(t, ro.Get(ctx, "temperature", &temp), protocol.ErrNotFound)
}

func TestFilePayloadUploaded(t *testing.T) {
	labURL := newLab(t)
	camDir := t.TempDir()
	s := startStation(t, labURL, config.DeviceConfig{
		Name: "camera", Driver: "sim.camera", Settings: map[string]any{"dir": camDir},
	})
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	dev, err := c.FindDevice(ctx, "camera")
	require.NoError(t, err)
	op, err := c.BindDevice(dev.ID()).Call(ctx, "take_picture", nil)
	require.NoError(t, err)

	res := waitResult(t, op)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, protocol.DataTypeFile, res.DataType)
	assert.Equal(t, "image_1.jpg", res.DataFileName)

	s.Wait()
	proxy := &rop.OperationResult{Object: c.Bind(protocol.CollectionOperationResults, res.ID)}
	status, err := proxy.DataStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.DataAvailable, status)

	var buf bytes.Buffer
	name, err := proxy.Download(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, "image_1.jpg", name)
	want, err := os.ReadFile(filepath.Join(camDir, "image_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, want, buf.Bytes())
}

func TestFolderPayloadUploaded(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, config.DeviceConfig{
		Name: "camera", Driver: "sim.camera", Settings: map[string]any{"dir": t.TempDir()},
	})
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	dev, err := c.FindDevice(ctx, "camera")
	require.NoError(t, err)
	op, err := c.BindDevice(dev.ID()).Call(ctx, "take_series", map[string]any{"count": 2})
	require.NoError(t, err)

	res := waitResult(t, op)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, protocol.DataTypeFolder, res.DataType)
	assert.Equal(t, "series_1.zip", res.DataFileName)

	s.Wait()
	var buf bytes.Buffer
	name, err := c.GetData(ctx, res.ID, &buf)
	require.NoError(t, err)
	assert.Equal(t, "series_1.zip", name)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"frame_000.jpg", "frame_001.jpg"}, names)
}

func TestRobotTasks(t *testing.T) {
	labURL := newLab(t)
	startStation(t, labURL,
		config.DeviceConfig{Name: "arm", Driver: "sim.arm", Kind: config.KindRobot, AvailableTasks: []string{"pick"}},
		config.DeviceConfig{Name: "mover", Driver: "sim.mobile", Kind: config.KindRobot, Mobile: true},
	)
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	arm, err := c.FindRobot(ctx, "arm")
	require.NoError(t, err)
	tasks, err := arm.AvailableTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pick"}, tasks)

	op, err := c.BindRobot(arm.ID()).Execute(ctx, "pick", map[string]any{"item": "vial"})
	require.NoError(t, err)
	assert.True(t, waitResult(t, op).Success)

	op, err = c.BindRobot(arm.ID()).Execute(ctx, "place", map[string]any{"slot": "A1"})
	require.NoError(t, err)
	res := waitResult(t, op)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not available")

	mover, err := c.FindRobot(ctx, "mover")
	require.NoError(t, err)
	mobile := c.BindMobileRobot(mover.ID())
	op, err = mobile.GoTo(ctx, "bench2")
	require.NoError(t, err)
	assert.True(t, waitResult(t, op).Success)

	var loc string
	require.NoError(t, mobile.Get(ctx, "location", &loc))
	assert.Equal(t, "bench2", loc)
	state, err := mobile.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.RobotAvailable, state)
}

// gate is a robot whose go_to and dock tasks block until released. jam
// panics inside the driver.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 1), release: make(chan struct{})}
}

func (g *gate) Commands() equipment.Commands {
	hold := func(task string) equipment.Command {
		return func(ctx context.Context, _ equipment.Args) (any, error) {
			g.entered <- task
			select {
			case <-g.release:
				return task, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return equipment.Commands{
		"go_to": hold("go_to"),
		"dock":  hold("dock"),
		"jam": func(context.Context, equipment.Args) (any, error) {
			panic("drive motor stalled")
		},
	}
}

func startRover(t *testing.T, labURL string, g *gate) (*Station, rop.MobileRobot) {
	t.Helper()
	s := startStationWith(t, labURL, func(r *equipment.Registry) {
		r.Register("test.gate", func(map[string]any) (equipment.Driver, error) { return g, nil })
	}, config.DeviceConfig{Name: "rover", Driver: "test.gate", Kind: config.KindRobot, Mobile: true})

	c := rop.NewClient(labURL, "", 5*time.Second)
	found, err := c.FindRobot(context.Background(), "rover")
	require.NoError(t, err)
	return s, c.BindMobileRobot(found.ID())
}

func TestMobileRobotStateWhileRunning(t *testing.T) {
	labURL := newLab(t)
	g := newGate()
	_, rover := startRover(t, labURL, g)
	ctx := context.Background()

	tests := []struct {
		task string
		call func() (*rop.Operation, error)
		want protocol.MobileRobotState
	}{
		{"go_to", func() (*rop.Operation, error) { return rover.GoTo(ctx, "bay") }, protocol.RobotNavigating},
		{"dock", func() (*rop.Operation, error) { return rover.Execute(ctx, "dock", nil) }, protocol.RobotManipulating},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			op, err := tt.call()
			require.NoError(t, err)

			select {
			case got := <-g.entered:
				require.Equal(t, tt.task, got)
			case <-time.After(10 * time.Second):
				t.Fatalf("%s never reached the driver", tt.task)
			}

			state, err := rover.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
			status, err := rover.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.StatusBusy, status)

			g.release <- struct{}{}
			assert.True(t, waitResult(t, op).Success)

			state, err = rover.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.RobotAvailable, state)
			status, err = rover.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.StatusIdle, status)
		})
	}
}

func TestDriverPanicLeavesRobotInError(t *testing.T) {
	labURL := newLab(t)
	s, rover := startRover(t, labURL, newGate())
	ctx := context.Background()

	op, err := rover.Execute(ctx, "jam", nil)
	require.NoError(t, err)
	res := waitResult(t, op)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "drive motor stalled")

	status, err := rover.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, status)
	state, err := rover.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.RobotError, state)

	stationStatus, err := rop.NewClient(labURL, "", 5*time.Second).BindStation(s.ID()).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, stationStatus, "only the faulted robot stays in ERROR")
}

func TestStationMethods(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, heater())
	ctx := context.Background()
	c := rop.NewClient(labURL, "", 5*time.Second)

	op, err := c.BindStation(s.ID()).Call(ctx, "ping", nil)
	require.NoError(t, err)
	res := waitResult(t, op)
	assert.True(t, res.Success)
	assert.JSONEq(t, `"pong"`, string(res.ResultData))

	op, err = c.BindStation(s.ID()).Call(ctx, "list_devices", nil)
	require.NoError(t, err)
	var devices map[string]string
	require.NoError(t, json.Unmarshal(waitResult(t, op).ResultData, &devices))
	assert.Contains(t, devices, "heater")

	op, err = c.BindStation(s.ID()).Call(ctx, "ping", map[string]any{"verbose": true})
	require.NoError(t, err)
	res = waitResult(t, op)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `unexpected argument "verbose"`)
}

func TestProcessOpRejectsUnknownTarget(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, heater())

	_, err := s.ProcessOp(context.Background(), &protocol.Operation{
		ID: "op-x", EntityID: "missing", EntityType: protocol.EntityDevice, Method: "start_heat",
	})
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestHeartbeatWritesStationRecord(t *testing.T) {
	labURL := newLab(t)
	s := startStation(t, labURL, heater())

	hb := NewHeartbeater(s, time.Hour)
	hb.Start()
	hb.Stop()

	var ts time.Time
	require.NoError(t, s.Proxy().Get(context.Background(), "last_heartbeat", &ts))
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	res, upload := classify(map[string]any{"a": 1}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, protocol.DataTypeJSON, res.DataType)
	assert.JSONEq(t, `{"a":1}`, string(res.ResultData))
	assert.Empty(t, upload)

	res, upload = classify("just text", nil)
	assert.True(t, res.Success)
	assert.JSONEq(t, `"just text"`, string(res.ResultData))
	assert.Empty(t, upload)

	res, upload = classify(file, nil)
	assert.Equal(t, protocol.DataTypeFile, res.DataType)
	assert.Equal(t, "out.csv", res.DataFileName)
	assert.Equal(t, protocol.DataUnavailable, res.DataStatus)
	assert.Equal(t, file, upload)

	res, upload = classify(equipment.Path(dir), nil)
	assert.Equal(t, protocol.DataTypeFolder, res.DataType)
	assert.Equal(t, filepath.Base(dir)+".zip", res.DataFileName)
	assert.Equal(t, dir, upload)

	res, _ = classify(equipment.Path(filepath.Join(dir, "gone")), nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "gone")

	res, _ = classify(nil, errors.New("boom"))
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	assert.JSONEq(t, "null", string(res.ResultData))
}
