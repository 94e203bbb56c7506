package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/protocol"
)

const mongoOutboxCollection = "outbox"

// casRetries bounds the read-modify-write loop used for LIST_DELETE.
const casRetries = 8

// MongoStore is the MongoDB implementation of DocumentStore. Each entity
// collection maps to a Mongo collection and patches map to native update
// operators.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

var _ DocumentStore = (*MongoStore)(nil)

// OpenMongo connects and verifies the connection with a ping.
func OpenMongo(ctx context.Context, cfg *config.MongoDBConfig) (*MongoStore, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoStore{client: client, database: client.Database(cfg.Database)}, nil
}

func (m *MongoStore) coll(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// toBSON converts a Document to a bson.M via relaxed extended JSON.
func toBSON(doc Document) (bson.M, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out bson.M
	if err := bson.UnmarshalExtJSON(data, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bsonValue converts a single JSON value.
func bsonValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	wrapped, err := toBSON(Document{"v": raw})
	if err != nil {
		return nil, err
	}
	return wrapped["v"], nil
}

func fromBSON(m bson.M) (Document, error) {
	delete(m, "_id")
	data, err := bson.MarshalExtJSON(m, false, false)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *MongoStore) Create(ctx context.Context, collection string, doc Document) (string, error) {
	doc = doc.Clone()
	id := doc.ID()
	if id == "" {
		id = uuid.New().String()
	}
	doc.Set(protocol.FieldID, id)
	doc.Set(protocol.FieldCollection, collection)
	b, err := toBSON(doc)
	if err != nil {
		return "", protocol.Wrap(protocol.KindConstruction, err, "encode document")
	}
	b["_id"] = id
	if _, err := m.coll(collection).InsertOne(ctx, b); err != nil {
		return "", storeErr(err, "create %s/%s", collection, id)
	}
	return id, nil
}

func (m *MongoStore) Replace(ctx context.Context, collection, id string, doc Document) error {
	doc = doc.Clone()
	doc.Set(protocol.FieldID, id)
	doc.Set(protocol.FieldCollection, collection)
	b, err := toBSON(doc)
	if err != nil {
		return storeErr(err, "encode %s/%s", collection, id)
	}
	b["_id"] = id
	res, err := m.coll(collection).ReplaceOne(ctx, bson.M{"_id": id}, b)
	if err != nil {
		return storeErr(err, "replace %s/%s", collection, id)
	}
	if res.MatchedCount == 0 {
		return protocol.NotFound(collection, id)
	}
	return nil
}

func (m *MongoStore) findOne(ctx context.Context, collection string, filter bson.M) (Document, error) {
	var out bson.M
	err := m.coll(collection).FindOne(ctx, filter).Decode(&out)
	if err != nil {
		return nil, err
	}
	return fromBSON(out)
}

func (m *MongoStore) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := m.findOne(ctx, collection, bson.M{"_id": id})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, protocol.NotFound(collection, id)
	}
	if err != nil {
		return nil, storeErr(err, "read %s/%s", collection, id)
	}
	return doc, nil
}

func (m *MongoStore) GetField(ctx context.Context, collection, id, field string) (json.RawMessage, error) {
	doc, err := m.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	raw, ok := doc[field]
	if !ok {
		return nil, notFoundField(collection, id, field)
	}
	return raw, nil
}

func (m *MongoStore) FindByName(ctx context.Context, collection, name string) (Document, error) {
	doc, err := m.findOne(ctx, collection, bson.M{protocol.FieldName: name})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, protocol.Errorf(protocol.KindNotFound, "%s named %q not found", collection, name)
	}
	if err != nil {
		return nil, storeErr(err, "find %s named %s", collection, name)
	}
	return doc, nil
}

// emptyMatch matches an absent, null or empty-string field.
var emptyMatch = bson.M{"$in": bson.A{nil, ""}}

func (m *MongoStore) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	q := bson.M{}
	for k, raw := range filter {
		if isEmpty(raw) {
			q[k] = emptyMatch
			continue
		}
		v, err := bsonValue(raw)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidPatch, err, "filter "+k)
		}
		q[k] = v
	}
	cur, err := m.coll(collection).Find(ctx, q, options.Find().SetSort(bson.D{{Key: "$natural", Value: 1}}))
	if err != nil {
		return nil, storeErr(err, "find %s", collection)
	}
	defer cur.Close(ctx)
	var docs []Document
	for cur.Next(ctx) {
		var b bson.M
		if err := cur.Decode(&b); err != nil {
			return nil, storeErr(err, "decode %s", collection)
		}
		doc, err := fromBSON(b)
		if err != nil {
			return nil, storeErr(err, "decode %s", collection)
		}
		docs = append(docs, doc)
	}
	return docs, cur.Err()
}

// patchUpdate maps a patch to a Mongo update document.
func patchUpdate(p Patch) (bson.M, error) {
	v, err := bsonValue(p.Value)
	if err != nil {
		return nil, invalidPatch("property %q: %v", p.Field, err)
	}
	switch p.Type {
	case protocol.PatchSet:
		return bson.M{"$set": bson.M{p.Field: v}}, nil
	case protocol.PatchListAppend:
		return bson.M{"$push": bson.M{p.Field: v}}, nil
	case protocol.PatchListPop:
		dir := 1
		if p.Args.PopLeft {
			dir = -1
		}
		return bson.M{"$pop": bson.M{p.Field: dir}}, nil
	case protocol.PatchListInsert:
		return bson.M{"$push": bson.M{p.Field: bson.M{"$each": bson.A{v}, "$position": p.Args.InsertIndex}}}, nil
	case protocol.PatchDictInsert:
		return bson.M{"$set": bson.M{p.Field + "." + p.Args.Key: v}}, nil
	case protocol.PatchDictDelete:
		return bson.M{"$unset": bson.M{p.Field + "." + p.Args.Key: ""}}, nil
	}
	return nil, invalidPatch("unsupported patch type %s", p.Type)
}

// nullParentReset returns the filter and update that replace an explicit
// null container with an empty one before a list or dict patch, matching
// the SQL store. It returns nil for patches that do not address a
// container.
func nullParentReset(id string, p Patch) (filter, update bson.M) {
	var empty any
	switch p.Type {
	case protocol.PatchListAppend, protocol.PatchListPop, protocol.PatchListInsert:
		empty = bson.A{}
	case protocol.PatchDictInsert, protocol.PatchDictDelete:
		empty = bson.M{}
	default:
		return nil, nil
	}
	return bson.M{"_id": id, p.Field: bson.M{"$type": "null"}},
		bson.M{"$set": bson.M{p.Field: empty}}
}

func (m *MongoStore) Patch(ctx context.Context, collection, id string, p Patch) error {
	if err := checkPatch(p); err != nil {
		return err
	}
	if p.Type == protocol.PatchListDelete {
		return m.deleteOne(ctx, collection, id, p)
	}
	update, err := patchUpdate(p)
	if err != nil {
		return err
	}
	if filter, reset := nullParentReset(id, p); filter != nil {
		if _, err := m.coll(collection).UpdateOne(ctx, filter, reset); err != nil {
			return storeErr(err, "%s", describePatch(collection, id, p))
		}
	}
	res, err := m.coll(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		var we mongo.WriteException
		if errors.As(err, &we) {
			return protocol.Wrap(protocol.KindInvalidPatch, err, describePatch(collection, id, p))
		}
		return storeErr(err, "%s", describePatch(collection, id, p))
	}
	if res.MatchedCount == 0 {
		return protocol.NotFound(collection, id)
	}
	return nil
}

// deleteOne removes exactly one matching list element. $pull would remove
// every match, so the list is rewritten with an optimistic compare on the
// previous value.
func (m *MongoStore) deleteOne(ctx context.Context, collection, id string, p Patch) error {
	for i := 0; i < casRetries; i++ {
		doc, err := m.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		list, err := listField(doc, p.Field)
		if err != nil {
			return err
		}
		next := patchList(list, p)
		if len(next) == len(list) {
			return nil
		}
		prev, err := bsonValue(Raw(list))
		if err != nil {
			return storeErr(err, "encode %s", p.Field)
		}
		repl, err := bsonValue(Raw(next))
		if err != nil {
			return storeErr(err, "encode %s", p.Field)
		}
		res, err := m.coll(collection).UpdateOne(ctx,
			bson.M{"_id": id, p.Field: prev},
			bson.M{"$set": bson.M{p.Field: repl}})
		if err != nil {
			return storeErr(err, "%s", describePatch(collection, id, p))
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return storeErr(fmt.Errorf("concurrent modification"), "%s", describePatch(collection, id, p))
}

func (m *MongoStore) CompareAndSwap(ctx context.Context, collection, id, field string, old, next json.RawMessage) (bool, error) {
	filter := bson.M{"_id": id}
	if isEmpty(old) {
		filter[field] = emptyMatch
	} else {
		v, err := bsonValue(old)
		if err != nil {
			return false, storeErr(err, "encode %s", field)
		}
		filter[field] = v
	}
	v, err := bsonValue(next)
	if err != nil {
		return false, storeErr(err, "encode %s", field)
	}
	res, err := m.coll(collection).UpdateOne(ctx, filter, bson.M{"$set": bson.M{field: v}})
	if err != nil {
		return false, storeErr(err, "swap %s on %s/%s", field, collection, id)
	}
	if res.MatchedCount == 0 {
		if _, err := m.Get(ctx, collection, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (m *MongoStore) Delete(ctx context.Context, collection, id string) error {
	res, err := m.coll(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr(err, "delete %s/%s", collection, id)
	}
	if res.DeletedCount == 0 {
		return protocol.NotFound(collection, id)
	}
	return nil
}

type mongoOutboxMessage struct {
	ID        string     `bson:"_id"`
	Topic     string     `bson:"topic"`
	Payload   []byte     `bson:"payload"`
	MsgType   string     `bson:"msgType"`
	ClientID  string     `bson:"clientId"`
	Retries   int        `bson:"retries"`
	CreatedAt time.Time  `bson:"createdAt"`
	SentAt    *time.Time `bson:"sentAt,omitempty"`
}

func (m *MongoStore) EnqueueOutbox(ctx context.Context, topic string, payload []byte, msgType, clientID string) error {
	_, err := m.coll(mongoOutboxCollection).InsertOne(ctx, mongoOutboxMessage{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		MsgType:   msgType,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

func (m *MongoStore) ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := m.coll(mongoOutboxCollection).Find(ctx, bson.M{"sentAt": bson.M{"$exists": false}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var rows []mongoOutboxMessage
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	msgs := make([]*OutboxMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, &OutboxMessage{
			ID:        r.ID,
			Topic:     r.Topic,
			Payload:   r.Payload,
			MsgType:   r.MsgType,
			ClientID:  r.ClientID,
			Retries:   r.Retries,
			CreatedAt: r.CreatedAt,
		})
	}
	return msgs, nil
}

func (m *MongoStore) AckOutbox(ctx context.Context, id string) error {
	_, err := m.coll(mongoOutboxCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"sentAt": time.Now().UTC()}})
	return err
}

func (m *MongoStore) IncrementOutboxRetries(ctx context.Context, id string) error {
	_, err := m.coll(mongoOutboxCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$inc": bson.M{"retries": 1}})
	return err
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
