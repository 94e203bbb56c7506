// Package scheduler queues operations and dispatches each one to the
// station that owns its target once that station is idle and not locked by
// another session.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/labsvc"
	"github.com/OChRA-lab/ochra-sub000/lease"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// LogFunc is the signature for log output.
type LogFunc func(format string, args ...any)

// Orphan policies.
const (
	OrphanFail    = "fail"
	OrphanRequeue = "requeue"
)

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	OrphanGrace     time.Duration
	OrphanPolicy    string
	DispatchTimeout time.Duration
	Metrics         *metrics.Scheduler
	LogFunc         LogFunc
}

// Scheduler owns the in-memory operation queue.
type Scheduler struct {
	db       store.DocumentStore
	stations Stations
	leaser   lease.Leaser
	emitter  Emitter
	cfg      Config
	logFn    LogFunc

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	inflight map[string]bool
	dirty    bool

	snapMu     sync.Mutex
	snapshotID string

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	running  sync.WaitGroup
}

func New(db store.DocumentStore, stations Stations, leaser lease.Leaser, emitter Emitter, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 2 * time.Minute
	}
	if cfg.OrphanPolicy == "" {
		cfg.OrphanPolicy = OrphanFail
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	logFn := cfg.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	return &Scheduler{
		db:       db,
		stations: stations,
		leaser:   leaser,
		emitter:  emitter,
		cfg:      cfg,
		logFn:    logFn,
		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Enqueue appends an operation to the queue and wakes the loop.
func (s *Scheduler) Enqueue(opID string) {
	s.mu.Lock()
	if s.queued[opID] || s.inflight[opID] {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, opID)
	s.queued[opID] = true
	s.dirty = true
	depth := len(s.queue)
	s.mu.Unlock()

	s.cfg.Metrics.SetQueueDepth(depth)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Queue returns a copy of the queued operation ids in order.
func (s *Scheduler) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

// InFlight returns the number of dispatched operations still running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) remove(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queued[opID] {
		return
	}
	delete(s.queued, opID)
	for i, id := range s.queue {
		if id == opID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.dirty = true
}

// pushFront puts an operation back at the head of the queue.
func (s *Scheduler) pushFront(opID string) {
	s.mu.Lock()
	if !s.queued[opID] {
		s.queue = append([]string{opID}, s.queue...)
		s.queued[opID] = true
		s.dirty = true
	}
	s.mu.Unlock()
	s.signal()
}

// Start restores the queue, recovers orphaned operations and starts the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := s.recover(ctx); err != nil {
		return err
	}
	go s.run()
	return nil
}

// Stop halts the loop. Dispatched operations keep running; use Wait to
// block until they finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.loopDone
}

// Wait blocks until every dispatched operation has completed.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

func (s *Scheduler) run() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.cfg.OrphanGrace)
	defer sweep.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		case <-ticker.C:
		case <-sweep.C:
			if err := s.sweepOrphans(context.Background(), time.Now()); err != nil {
				s.logFn("scheduler: %v", err)
			}
		}
		s.scan(context.Background())
		s.snapshot(context.Background())
	}
}

// scan walks the queue in order and dispatches every operation whose
// station is free. Operations refused by another session's lock are passed
// over. Otherwise, once an operation for a station is skipped or
// dispatched, later operations for the same station wait for the next scan.
func (s *Scheduler) scan(ctx context.Context) {
	pending := s.Queue()
	seen := make(map[string]bool)

	for _, opID := range pending {
		op, err := s.loadOperation(ctx, opID)
		if err != nil {
			if errors.Is(err, protocol.ErrNotFound) {
				s.logFn("scheduler: operation %s vanished, dropping", opID)
				s.remove(opID)
			} else {
				s.logFn("scheduler: load operation %s: %v", opID, err)
			}
			continue
		}
		if op.Status != protocol.OpCreated {
			s.logFn("scheduler: operation %s is %s, dropping from queue", opID, op.Status)
			s.remove(opID)
			continue
		}

		station, err := labsvc.OwningStation(ctx, s.db, op.EntityType, op.EntityID)
		if err != nil {
			if errors.Is(err, protocol.ErrNotFound) {
				s.remove(opID)
				s.fail(ctx, op, "", err, time.Now())
			} else {
				s.logFn("scheduler: resolve station of %s: %v", opID, err)
			}
			continue
		}
		stationID := station.ID()
		if !openTo(station, op.CallerID) {
			continue
		}
		if seen[stationID] {
			continue
		}
		seen[stationID] = true

		if !idle(station) {
			continue
		}
		ok, err := s.leaser.Acquire(ctx, lease.StationKey(stationID), op.ID, s.cfg.LeaseTTL)
		if err != nil {
			s.logFn("scheduler: lease station %s: %v", stationID, err)
			continue
		}
		if !ok {
			continue
		}

		s.mu.Lock()
		s.inflight[op.ID] = true
		s.mu.Unlock()
		s.remove(op.ID)
		s.running.Add(1)
		go s.execute(op, station)
	}

	s.mu.Lock()
	depth := len(s.queue)
	s.mu.Unlock()
	s.cfg.Metrics.SetQueueDepth(depth)
}

// idle reports whether the station is not running anything.
func idle(station store.Document) bool {
	var status protocol.ActivityStatus
	if raw, ok := station["status"]; ok {
		if err := json.Unmarshal(raw, &status); err != nil {
			return false
		}
	}
	return status == protocol.StatusIdle
}

// openTo reports whether caller may use the station: it is unlocked or
// caller holds the lock.
func openTo(station store.Document, caller string) bool {
	holder := station.Str("locked_by")
	return holder == "" || holder == caller
}

func (s *Scheduler) loadOperation(ctx context.Context, opID string) (*protocol.Operation, error) {
	doc, err := s.db.Get(ctx, protocol.CollectionOperations, opID)
	if err != nil {
		return nil, err
	}
	var op protocol.Operation
	if err := doc.Decode(&op); err != nil {
		return nil, protocol.Wrap(protocol.KindStore, err, "decode operation "+opID)
	}
	return &op, nil
}

// execute runs one dispatched operation to COMPLETED.
func (s *Scheduler) execute(op *protocol.Operation, station store.Document) {
	defer s.running.Done()
	stationID := station.ID()
	key := lease.StationKey(stationID)
	defer func() {
		if err := s.leaser.Release(context.Background(), key, op.ID); err != nil {
			s.logFn("scheduler: release station %s: %v", stationID, err)
		}
		s.mu.Lock()
		delete(s.inflight, op.ID)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	started := time.Now().UTC()
	if err := s.markInProgress(ctx, op, started); err != nil {
		s.fail(ctx, op, stationID, err, started)
		return
	}
	s.cfg.Metrics.IncDispatched()
	s.emitter.EmitOperationDispatched(op, stationID)
	s.logFn("scheduler: dispatching operation %s (%s.%s) to station %s", op.ID, op.EntityType, op.Method, stationID)

	callCtx := ctx
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}
	resp, err := s.stations.ProcessOp(callCtx, station, op)
	if err != nil {
		if errors.Is(err, protocol.ErrLocked) {
			s.requeue(ctx, op, err)
			return
		}
		s.fail(ctx, op, stationID, err, started)
		return
	}
	s.finish(ctx, op, stationID, resp, started)
}

func (s *Scheduler) markInProgress(ctx context.Context, op *protocol.Operation, started time.Time) error {
	if err := s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
		Field: "start_timestamp", Type: protocol.PatchSet, Value: store.Raw(started),
	}); err != nil {
		return err
	}
	if err := s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
		Field: "status", Type: protocol.PatchSet, Value: store.Raw(protocol.OpInProgress),
	}); err != nil {
		return err
	}
	op.Status = protocol.OpInProgress
	op.StartTimestamp = &started
	return nil
}

// finish makes sure the station's result is attached and the operation is
// COMPLETED. The executor normally writes both itself.
func (s *Scheduler) finish(ctx context.Context, op *protocol.Operation, stationID string, resp *protocol.ProcessOpResponse, started time.Time) {
	if resp.ResultID == "" {
		s.fail(ctx, op, stationID, protocol.Errorf(protocol.KindTransport, "station returned no result"), started)
		return
	}
	if _, err := s.db.CompareAndSwap(ctx, protocol.CollectionOperations, op.ID, "result",
		store.Raw(""), store.Raw(resp.ResultID)); err != nil {
		s.logFn("scheduler: attach result to %s: %v", op.ID, err)
	}
	if err := s.markCompleted(ctx, op); err != nil {
		s.logFn("scheduler: complete operation %s: %v", op.ID, err)
	}
	op.Result = resp.ResultID
	s.cfg.Metrics.ObserveCompleted(resp.Success, time.Since(started))
	s.emitter.EmitOperationCompleted(op, stationID, resp.ResultID, resp.Success, resp.Error)
	s.logFn("scheduler: operation %s completed (success=%t)", op.ID, resp.Success)
}

func (s *Scheduler) markCompleted(ctx context.Context, op *protocol.Operation) error {
	doc, err := s.db.Get(ctx, protocol.CollectionOperations, op.ID)
	if err != nil {
		return err
	}
	if _, ok := doc["end_timestamp"]; !ok || string(doc["end_timestamp"]) == "null" {
		if err := s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
			Field: "end_timestamp", Type: protocol.PatchSet, Value: store.Raw(time.Now().UTC()),
		}); err != nil {
			return err
		}
	}
	op.Status = protocol.OpCompleted
	return s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
		Field: "status", Type: protocol.PatchSet, Value: store.Raw(protocol.OpCompleted),
	})
}

// fail completes the operation with a failed result unless a result is
// already attached.
func (s *Scheduler) fail(ctx context.Context, op *protocol.Operation, stationID string, cause error, started time.Time) {
	res := protocol.FailedResult(cause.Error())
	doc, err := store.NewDocument(res)
	if err != nil {
		s.logFn("scheduler: encode failed result for %s: %v", op.ID, err)
		return
	}
	resID, err := s.db.Create(ctx, protocol.CollectionOperationResults, doc)
	if err != nil {
		s.logFn("scheduler: store failed result for %s: %v", op.ID, err)
		return
	}
	ok, err := s.db.CompareAndSwap(ctx, protocol.CollectionOperations, op.ID, "result", store.Raw(""), store.Raw(resID))
	if err != nil {
		s.logFn("scheduler: attach failed result to %s: %v", op.ID, err)
		return
	}
	if !ok {
		// the executor attached its own result first
		if err := s.db.Delete(ctx, protocol.CollectionOperationResults, resID); err != nil {
			s.logFn("scheduler: discard result %s: %v", resID, err)
		}
		if err := s.markCompleted(ctx, op); err != nil {
			s.logFn("scheduler: complete operation %s: %v", op.ID, err)
		}
		return
	}
	if err := s.markCompleted(ctx, op); err != nil {
		s.logFn("scheduler: complete operation %s: %v", op.ID, err)
	}
	op.Result = resID
	s.cfg.Metrics.ObserveCompleted(false, time.Since(started))
	s.emitter.EmitOperationCompleted(op, stationID, resID, false, cause.Error())
	s.logFn("scheduler: operation %s failed: %v", op.ID, cause)
}

// requeue returns an operation the station refused because of a lock taken
// after the dispatch decision.
func (s *Scheduler) requeue(ctx context.Context, op *protocol.Operation, cause error) {
	if err := s.resetToCreated(ctx, op); err != nil {
		s.logFn("scheduler: requeue %s: %v", op.ID, err)
		s.fail(ctx, op, "", cause, time.Now())
		return
	}
	s.logFn("scheduler: operation %s requeued: %v", op.ID, cause)
	s.pushFront(op.ID)
}

func (s *Scheduler) resetToCreated(ctx context.Context, op *protocol.Operation) error {
	if err := s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
		Field: "status", Type: protocol.PatchSet, Value: store.Raw(protocol.OpCreated),
	}); err != nil {
		return err
	}
	if err := s.db.Patch(ctx, protocol.CollectionOperations, op.ID, store.Patch{
		Field: "start_timestamp", Type: protocol.PatchSet, Value: json.RawMessage("null"),
	}); err != nil {
		return err
	}
	op.Status = protocol.OpCreated
	op.StartTimestamp = nil
	return nil
}
