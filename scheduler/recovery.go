package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// SnapshotName names the lab document holding the persisted queue.
const SnapshotName = "scheduler"

// snapshotDoc is the lab document the queue is mirrored into.
type snapshotDoc struct {
	Name    string    `json:"name"`
	Class   string    `json:"cls"`
	OpQueue []string  `json:"op_queue"`
	SavedAt time.Time `json:"saved_at"`
}

// snapshot writes the queue to the lab document when it changed since the
// last write.
func (s *Scheduler) snapshot(ctx context.Context) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	queue := append([]string{}, s.queue...)
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeSnapshot(ctx, queue); err != nil {
		s.logFn("scheduler: snapshot queue: %v", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *Scheduler) writeSnapshot(ctx context.Context, queue []string) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if s.snapshotID == "" {
		doc, err := store.NewDocument(snapshotDoc{Name: SnapshotName, Class: "Scheduler", OpQueue: queue, SavedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		id, err := s.db.Create(ctx, protocol.CollectionLab, doc)
		if err != nil {
			return err
		}
		s.snapshotID = id
		return nil
	}
	if err := s.db.Patch(ctx, protocol.CollectionLab, s.snapshotID, store.Patch{
		Field: "op_queue", Type: protocol.PatchSet, Value: store.Raw(queue),
	}); err != nil {
		return err
	}
	return s.db.Patch(ctx, protocol.CollectionLab, s.snapshotID, store.Patch{
		Field: "saved_at", Type: protocol.PatchSet, Value: store.Raw(time.Now().UTC()),
	})
}

// restore loads the persisted queue, if any.
func (s *Scheduler) restore(ctx context.Context) error {
	doc, err := s.db.FindByName(ctx, protocol.CollectionLab, SnapshotName)
	if errors.Is(err, protocol.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	var snap snapshotDoc
	if err := doc.Decode(&snap); err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}

	s.snapMu.Lock()
	s.snapshotID = doc.ID()
	s.snapMu.Unlock()

	for _, id := range snap.OpQueue {
		s.Enqueue(id)
	}
	if len(snap.OpQueue) > 0 {
		s.logFn("scheduler: restored %d queued operations", len(snap.OpQueue))
	}
	return nil
}

// recover resolves operations left behind by a previous run. IN_PROGRESS
// operations without a result that started before the grace period are
// failed or requeued by policy. CREATED operations missing from the queue
// are enqueued in creation order.
func (s *Scheduler) recover(ctx context.Context) error {
	if err := s.sweepOrphans(ctx, time.Now()); err != nil {
		return err
	}
	created, err := s.db.Find(ctx, protocol.CollectionOperations, store.Filter{"status": store.Raw(protocol.OpCreated)})
	if err != nil {
		return fmt.Errorf("list created operations: %w", err)
	}
	for _, doc := range created {
		s.Enqueue(doc.ID())
	}
	return nil
}

// sweepOrphans handles IN_PROGRESS operations this process is not running.
func (s *Scheduler) sweepOrphans(ctx context.Context, now time.Time) error {
	docs, err := s.db.Find(ctx, protocol.CollectionOperations, store.Filter{
		"status": store.Raw(protocol.OpInProgress),
		"result": store.Raw(""),
	})
	if err != nil {
		return fmt.Errorf("list in-progress operations: %w", err)
	}
	for _, doc := range docs {
		var op protocol.Operation
		if err := doc.Decode(&op); err != nil {
			s.logFn("scheduler: decode operation %s: %v", doc.ID(), err)
			continue
		}
		s.mu.Lock()
		running := s.inflight[op.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		if op.StartTimestamp != nil && now.Sub(*op.StartTimestamp) < s.cfg.OrphanGrace {
			continue
		}

		s.cfg.Metrics.IncOrphan(s.cfg.OrphanPolicy)
		switch s.cfg.OrphanPolicy {
		case OrphanRequeue:
			if err := s.resetToCreated(ctx, &op); err != nil {
				s.logFn("scheduler: requeue orphan %s: %v", op.ID, err)
				continue
			}
			s.logFn("scheduler: orphaned operation %s requeued", op.ID)
			s.Enqueue(op.ID)
		default:
			s.fail(ctx, &op, "", errors.New("orphaned: scheduler restarted during dispatch"), now)
		}
	}
	return nil
}
