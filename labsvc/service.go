// Package labsvc is the lab server's facade over the document store. It
// implements construct, read, patch, query and delete for every collection,
// turns method calls into queued operations and stores result payloads.
package labsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

type Service struct {
	db      store.DocumentStore
	queue   Enqueuer
	emitter Emitter
	dataDir string
}

func New(db store.DocumentStore, queue Enqueuer, emitter Emitter, dataDir string) *Service {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Service{db: db, queue: queue, emitter: emitter, dataDir: dataDir}
}

func (s *Service) Store() store.DocumentStore { return s.db }

func checkCollection(collection string) error {
	if !protocol.IsCollection(collection) {
		return protocol.Errorf(protocol.KindNotFound, "unknown collection %q", collection)
	}
	return nil
}

// mutableOperationFields are the only Operation fields a patch may touch.
var mutableOperationFields = map[string]bool{
	"status":          true,
	"start_timestamp": true,
	"end_timestamp":   true,
	"result":          true,
}

// checkWritable rejects patches of fields the lab server owns.
func checkWritable(collection, property string) error {
	switch property {
	case "":
		return protocol.Errorf(protocol.KindInvalidPatch, "patch has no property")
	case protocol.FieldID, protocol.FieldCollection:
		return protocol.Errorf(protocol.KindInvalidPatch, "%s.%s cannot be modified", collection, property)
	}
	switch collection {
	case protocol.CollectionOperations:
		if !mutableOperationFields[property] {
			return protocol.Errorf(protocol.KindInvalidPatch, "operation field %s is immutable", property)
		}
	case protocol.CollectionStations:
		switch property {
		case "locked_by":
			return protocol.Errorf(protocol.KindInvalidPatch, "locked_by is changed through lock and unlock")
		case "station_ip":
			return protocol.Errorf(protocol.KindInvalidPatch, "station_ip is recorded from the station connection")
		}
	}
	return nil
}

// namedCollection reports whether entities of the collection must carry a name.
func namedCollection(collection string) bool {
	switch collection {
	case protocol.CollectionStations, protocol.CollectionDevices, protocol.CollectionRobots:
		return true
	}
	return false
}

// Construct stores a new entity and returns its identifier. Stations,
// devices and robots are upserted by name so a restarted process rebinds to
// its previous identifier. For stations, clientHost replaces any
// client-supplied address.
func (s *Service) Construct(ctx context.Context, collection string, doc store.Document, clientHost string) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	if doc == nil {
		return "", protocol.Errorf(protocol.KindConstruction, "empty %s object", collection)
	}
	doc = doc.Clone()
	if err := applyDefaults(collection, doc, clientHost); err != nil {
		return "", err
	}

	if namedCollection(collection) {
		existing, err := s.findExisting(ctx, collection, doc)
		if err != nil {
			return "", err
		}
		if existing != nil {
			id := existing.ID()
			if raw, ok := existing["locked_by"]; ok && collection == protocol.CollectionStations {
				doc["locked_by"] = raw
			}
			if raw, ok := existing["inventory"]; ok {
				if cur, has := doc["inventory"]; !has || string(cur) == "null" {
					doc["inventory"] = raw
				}
			}
			if err := s.db.Replace(ctx, collection, id, doc); err != nil {
				return "", err
			}
			log.Printf("labsvc: %s %q reconstructed as %s", collection, doc.Name(), id)
			return id, nil
		}
	}

	if doc.ID() != "" {
		if _, err := uuid.Parse(doc.ID()); err != nil {
			return "", protocol.Errorf(protocol.KindConstruction, "invalid id %q", doc.ID())
		}
	}
	id, err := s.db.Create(ctx, collection, doc)
	if err != nil {
		return "", err
	}
	log.Printf("labsvc: constructed %s %s", collection, id)
	return id, nil
}

func applyDefaults(collection string, doc store.Document, clientHost string) error {
	setDefault := func(field string, v any) {
		if raw, ok := doc[field]; !ok || string(raw) == "null" {
			doc.Set(field, v)
		}
	}

	if namedCollection(collection) && doc.Name() == "" {
		return protocol.Errorf(protocol.KindConstruction, "%s object requires a name", collection)
	}
	setDefault(protocol.FieldClass, "")

	switch collection {
	case protocol.CollectionStations:
		doc.Set("station_ip", clientHost)
		doc.Set("locked_by", "")
		setDefault("status", protocol.StatusIdle)
		setDefault("type", protocol.StationWork)
		setDefault("devices", []string{})
		setDefault("operation_history", []string{})
	case protocol.CollectionDevices, protocol.CollectionRobots:
		setDefault("status", protocol.StatusIdle)
		setDefault("owner_station", "")
		setDefault("operation_history", []string{})
	case protocol.CollectionOperations:
		var op protocol.Operation
		if err := doc.Decode(&op); err != nil {
			return protocol.Wrap(protocol.KindConstruction, err, "decode operation")
		}
		if _, ok := protocol.EntityTypeFor(op.EntityType.Collection()); !ok {
			return protocol.Errorf(protocol.KindConstruction, "operation has invalid entity_type %q", op.EntityType)
		}
		setDefault("status", protocol.OpCreated)
		setDefault("result", "")
	case protocol.CollectionOperationResults:
		setDefault("data_status", protocol.DataUnavailable)
	}
	return nil
}

func (s *Service) findExisting(ctx context.Context, collection string, doc store.Document) (store.Document, error) {
	filter := store.Filter{protocol.FieldName: store.Raw(doc.Name())}
	if collection != protocol.CollectionStations {
		filter["owner_station"] = store.Raw(doc.Str("owner_station"))
	}
	docs, err := s.db.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Get returns an entity by identifier or, failing that, by name.
func (s *Service) Get(ctx context.Context, collection, identifier string) (store.Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	doc, err := s.db.Get(ctx, collection, identifier)
	if err == nil || !errors.Is(err, protocol.ErrNotFound) {
		return doc, err
	}
	return s.db.FindByName(ctx, collection, identifier)
}

func (s *Service) GetProperty(ctx context.Context, collection, id, property string) (json.RawMessage, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.db.GetField(ctx, collection, id, property)
}

// ModifyProperty applies one patch. Operation identity fields, the station
// lock holder and the station address are refused.
func (s *Service) ModifyProperty(ctx context.Context, collection, id string, req *protocol.PatchRequest) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkWritable(collection, req.Property); err != nil {
		return err
	}
	if err := s.db.Patch(ctx, collection, id, store.Patch{
		Field: req.Property,
		Type:  req.PatchType,
		Value: req.Value,
		Args:  req.Args(),
	}); err != nil {
		return err
	}
	if collection == protocol.CollectionStations && req.Property == "last_heartbeat" {
		s.emitter.EmitStationHeartbeat(id)
	}
	return nil
}

func (s *Service) Find(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.db.Find(ctx, collection, filter)
}

func (s *Service) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	return s.db.Delete(ctx, collection, id)
}

// OwningStation returns the station document that hosts the entity.
func OwningStation(ctx context.Context, db store.DocumentStore, entityType protocol.EntityType, entityID string) (store.Document, error) {
	if entityType == protocol.EntityStation {
		return db.Get(ctx, protocol.CollectionStations, entityID)
	}
	coll := entityType.Collection()
	if coll == "" {
		return nil, protocol.Errorf(protocol.KindNotFound, "unknown entity type %q", entityType)
	}
	entity, err := db.Get(ctx, coll, entityID)
	if err != nil {
		return nil, err
	}
	stationID := entity.Str("owner_station")
	if stationID == "" {
		return nil, protocol.Errorf(protocol.KindNotFound, "%s %s has no owning station", entityType, entityID)
	}
	return db.Get(ctx, protocol.CollectionStations, stationID)
}

// CallMethod records an Operation for the method call and queues it. The
// method is not run here. A station locked by another session refuses the
// call immediately.
func (s *Service) CallMethod(ctx context.Context, collection, id string, req *protocol.CallRequest) (*protocol.Operation, error) {
	entityType, ok := protocol.EntityTypeFor(collection)
	if !ok {
		return nil, protocol.Errorf(protocol.KindMethod, "%s do not accept method calls", collection)
	}
	if req.Method == "" {
		return nil, protocol.Errorf(protocol.KindMethod, "method name is required")
	}

	station, err := OwningStation(ctx, s.db, entityType, id)
	if err != nil {
		return nil, err
	}
	if holder := station.Str("locked_by"); holder != "" && holder != req.CallerID {
		return nil, protocol.Locked(station.ID(), holder)
	}

	op := protocol.NewOperation(req.CallerID, id, entityType, req.Method, req.Args)
	doc, err := store.NewDocument(op)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindConstruction, err, "encode operation")
	}
	opID, err := s.db.Create(ctx, protocol.CollectionOperations, doc)
	if err != nil {
		return nil, err
	}
	op.ID = opID

	if err := s.db.Patch(ctx, collection, id, store.Patch{
		Field: "operation_history",
		Type:  protocol.PatchListAppend,
		Value: store.Raw(opID),
	}); err != nil {
		log.Printf("labsvc: append operation history for %s/%s: %v", collection, id, err)
	}

	s.emitter.EmitOperationCreated(op, station.ID())
	if s.queue != nil {
		s.queue.Enqueue(opID)
	}
	log.Printf("labsvc: operation %s created: %s.%s by %s", opID, id, req.Method, req.CallerID)
	return op, nil
}

// Lock checks out a station for one session. Locking again by the holder
// is a no-op.
func (s *Service) Lock(ctx context.Context, stationID, sessionID string) error {
	if sessionID == "" {
		return protocol.Errorf(protocol.KindConstruction, "session_id is required")
	}
	ok, err := s.db.CompareAndSwap(ctx, protocol.CollectionStations, stationID, "locked_by", store.Raw(""), store.Raw(sessionID))
	if err != nil {
		return err
	}
	if !ok {
		holder, err := s.lockHolder(ctx, stationID)
		if err != nil {
			return err
		}
		if holder != sessionID {
			return protocol.Locked(stationID, holder)
		}
		return nil
	}
	s.emitter.EmitStationLocked(stationID, sessionID)
	log.Printf("labsvc: station %s locked by %s", stationID, sessionID)
	return nil
}

// Unlock releases a station. Only the holder may unlock it.
func (s *Service) Unlock(ctx context.Context, stationID, sessionID string) error {
	if sessionID == "" {
		return protocol.Errorf(protocol.KindConstruction, "session_id is required")
	}
	ok, err := s.db.CompareAndSwap(ctx, protocol.CollectionStations, stationID, "locked_by", store.Raw(sessionID), store.Raw(""))
	if err != nil {
		return err
	}
	if !ok {
		holder, err := s.lockHolder(ctx, stationID)
		if err != nil {
			return err
		}
		if holder == "" {
			return nil
		}
		return protocol.Locked(stationID, holder)
	}
	s.emitter.EmitStationUnlocked(stationID, sessionID)
	log.Printf("labsvc: station %s unlocked by %s", stationID, sessionID)
	return nil
}

func (s *Service) lockHolder(ctx context.Context, stationID string) (string, error) {
	doc, err := s.db.Get(ctx, protocol.CollectionStations, stationID)
	if err != nil {
		return "", fmt.Errorf("read lock of station %s: %w", stationID, err)
	}
	return doc.Str("locked_by"), nil
}
