package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OChRA-lab/ochra-sub000/equipment"
	"github.com/OChRA-lab/ochra-sub000/payload"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/rop"
)

// target is what an operation runs against: the station itself or one of
// its devices or robots.
type target struct {
	entry  *entry
	record *rop.Object
}

// ProcessOp executes one dispatched operation. Lock and lookup failures are
// returned as errors. Failures of the method itself are captured into the
// OperationResult and never returned.
func (s *Station) ProcessOp(ctx context.Context, op *protocol.Operation) (*protocol.ProcessOpResponse, error) {
	holder, err := s.proxy.LockedBy(ctx)
	if err != nil {
		return nil, fmt.Errorf("read station lock: %w", err)
	}
	if holder != "" && holder != op.CallerID {
		return nil, protocol.Locked(s.proxy.ID(), holder)
	}
	tgt, err := s.resolve(op)
	if err != nil {
		return nil, err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()
	result, callErr := s.invoke(ctx, op, tgt)

	res, upload := classify(result, callErr)
	resID, err := s.lab.Construct(ctx, protocol.CollectionOperationResults, res)
	if err != nil {
		return nil, fmt.Errorf("store result of %s: %w", op.ID, err)
	}
	if err := s.complete(ctx, op, resID); err != nil {
		s.logFn("station: complete operation %s: %v", op.ID, err)
	}
	if upload != "" {
		s.uploads.Add(1)
		go s.upload(resID, upload, res.DataType)
	}

	if s.metrics != nil {
		s.metrics.Observe(op.Method, res.Success, time.Since(start))
	}
	if res.Success {
		s.logFn("station: operation %s %s.%s succeeded", op.ID, op.EntityType, op.Method)
	} else {
		s.logFn("station: operation %s %s.%s failed: %s", op.ID, op.EntityType, op.Method, res.Error)
	}
	return &protocol.ProcessOpResponse{
		OperationID: op.ID,
		ResultID:    resID,
		Success:     res.Success,
		Error:       res.Error,
	}, nil
}

func (s *Station) resolve(op *protocol.Operation) (*target, error) {
	switch op.EntityType {
	case protocol.EntityStation:
		if op.EntityID != s.proxy.ID() {
			return nil, protocol.NotFound(protocol.CollectionStations, op.EntityID)
		}
		return &target{record: s.proxy.Object}, nil
	case protocol.EntityDevice, protocol.EntityRobot:
		e, ok := s.lookup(op.EntityID)
		if !ok || e.kind != op.EntityType {
			return nil, protocol.NotFound(op.EntityType.Collection(), op.EntityID)
		}
		return &target{entry: e, record: e.record}, nil
	}
	return nil, protocol.Errorf(protocol.KindNotFound, "unknown entity type %q", op.EntityType)
}

// invoke runs the method inside the busy scope. Status is restored on every
// exit path.
func (s *Station) invoke(ctx context.Context, op *protocol.Operation, tgt *target) (result any, err error) {
	release := s.acquireBusy(ctx, tgt, op.Method)
	defer func() { release(err) }()

	if tgt.entry == nil {
		return s.invokeStation(ctx, op)
	}
	if tgt.entry.kind == protocol.EntityRobot && !tgt.entry.tasks[op.Method] && op.Method != "go_to" {
		return nil, protocol.Errorf(protocol.KindMethod, "task %q not available on robot %s", op.Method, tgt.entry.name)
	}
	return equipment.Invoke(ctx, tgt.entry.driver, op.Method, equipment.Args(op.Args))
}

// invokeStation serves the methods a station answers itself.
func (s *Station) invokeStation(ctx context.Context, op *protocol.Operation) (any, error) {
	// Station methods take no arguments.
	if err := equipment.Args(op.Args).Only(); err != nil {
		return nil, err
	}
	switch op.Method {
	case "ping":
		return "pong", nil
	case "list_devices":
		s.mu.RLock()
		defer s.mu.RUnlock()
		names := make(map[string]string, len(s.entries))
		for id, e := range s.entries {
			names[e.name] = id
		}
		return names, nil
	case "uptime":
		return s.Uptime().Seconds(), nil
	}
	return nil, protocol.Errorf(protocol.KindMethod, "unknown method %q", op.Method)
}

// acquireBusy marks the station and the target BUSY and returns the release
// that puts them back. Equipment faults leave the target in ERROR.
func (s *Station) acquireBusy(ctx context.Context, tgt *target, method string) func(error) {
	s.setStatus(ctx, s.proxy.Object, protocol.StatusBusy)
	if tgt.entry != nil {
		s.setStatus(ctx, tgt.record, protocol.StatusBusy)
		if tgt.entry.mobile {
			s.setState(ctx, tgt.record, mobileState(method))
		}
	}

	return func(err error) {
		ctx := context.WithoutCancel(ctx)
		after := protocol.StatusIdle
		if errors.Is(err, equipment.ErrFault) {
			after = protocol.StatusError
		}
		if tgt.entry != nil {
			s.setStatus(ctx, tgt.record, after)
			if tgt.entry.mobile {
				state := protocol.RobotAvailable
				if after == protocol.StatusError {
					state = protocol.RobotError
				}
				s.setState(ctx, tgt.record, state)
			}
			s.setStatus(ctx, s.proxy.Object, protocol.StatusIdle)
			return
		}
		s.setStatus(ctx, s.proxy.Object, after)
	}
}

// mobileState maps a robot task to the state shown while it runs.
func mobileState(method string) protocol.MobileRobotState {
	if method == "go_to" {
		return protocol.RobotNavigating
	}
	return protocol.RobotManipulating
}

func (s *Station) setStatus(ctx context.Context, obj *rop.Object, status protocol.ActivityStatus) {
	if err := obj.Set(ctx, "status", status); err != nil {
		s.logFn("station: set %s %s status %s: %v", obj.Collection(), obj.ID(), status, err)
	}
}

func (s *Station) setState(ctx context.Context, obj *rop.Object, state protocol.MobileRobotState) {
	if err := obj.Set(ctx, "state", state); err != nil {
		s.logFn("station: set %s state %s: %v", obj.ID(), state, err)
	}
}

// classify turns a method's return value into an OperationResult. It
// returns the local path to upload when the result is a file or folder.
func classify(result any, callErr error) (*protocol.OperationResult, string) {
	res := &protocol.OperationResult{
		Collection: protocol.CollectionOperationResults,
		Class:      "OperationResult",
		DataStatus: protocol.DataUnavailable,
		ResultData: json.RawMessage("null"),
	}
	if callErr != nil {
		res.Error = callErr.Error()
		return res, ""
	}

	path, forced := "", false
	switch v := result.(type) {
	case equipment.Path:
		path, forced = string(v), true
	case string:
		path = v
	}
	if path != "" {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			res.Success = true
			res.DataType = protocol.DataTypeFolder
			res.DataFileName = filepath.Base(path) + ".zip"
			return res, path
		case err == nil:
			res.Success = true
			res.DataType = protocol.DataTypeFile
			res.DataFileName = filepath.Base(path)
			return res, path
		case forced:
			res.Error = fmt.Sprintf("result path %s: %v", path, err)
			return res, ""
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		res.Error = fmt.Sprintf("result is not JSON encodable: %v", err)
		return res, ""
	}
	res.Success = true
	res.ResultData = data
	res.DataType = protocol.DataTypeJSON
	res.DataStatus = protocol.DataAvailable
	return res, ""
}

// complete attaches the result to the operation and marks it COMPLETED. A
// result already attached by the scheduler is left alone.
func (s *Station) complete(ctx context.Context, op *protocol.Operation, resID string) error {
	ops := s.lab.Bind(protocol.CollectionOperations, op.ID)
	var current string
	if err := ops.Get(ctx, "result", &current); err != nil {
		return err
	}
	if current != "" && current != resID {
		return fmt.Errorf("operation %s already has result %s", op.ID, current)
	}
	if err := ops.Set(ctx, "end_timestamp", time.Now().UTC()); err != nil {
		return err
	}
	if err := ops.Set(ctx, "result", resID); err != nil {
		return err
	}
	return ops.Set(ctx, "status", protocol.OpCompleted)
}

// upload sends a file or folder payload to the lab server and flips the
// result's data status as it goes.
func (s *Station) upload(resID, path, dataType string) {
	defer s.uploads.Done()
	ctx := context.Background()
	res := s.lab.Bind(protocol.CollectionOperationResults, resID)

	if err := res.Set(ctx, "data_status", protocol.DataUploading); err != nil {
		s.logFn("station: mark result %s uploading: %v", resID, err)
	}

	src := path
	if dataType == protocol.DataTypeFolder {
		tmpDir, err := os.MkdirTemp("", "ochra-upload-*")
		if err != nil {
			s.uploadFailed(ctx, res, err)
			return
		}
		defer os.RemoveAll(tmpDir)
		src = filepath.Join(tmpDir, filepath.Base(path)+".zip")
		if err := payload.ZipDir(path, src); err != nil {
			s.uploadFailed(ctx, res, fmt.Errorf("zip %s: %w", path, err))
			return
		}
	}

	if err := s.lab.PutData(ctx, resID, src); err != nil {
		s.uploadFailed(ctx, res, err)
		return
	}
	if err := res.Set(ctx, "data_status", protocol.DataAvailable); err != nil {
		s.logFn("station: mark result %s available: %v", resID, err)
		return
	}
	s.logFn("station: uploaded %s for result %s", filepath.Base(src), resID)
}

func (s *Station) uploadFailed(ctx context.Context, res *rop.Object, err error) {
	s.logFn("station: upload for result %s failed: %v", res.ID(), err)
	if serr := res.Set(ctx, "data_status", protocol.DataUnavailable); serr != nil {
		s.logFn("station: mark result %s unavailable: %v", res.ID(), serr)
	}
}
