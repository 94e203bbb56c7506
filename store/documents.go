package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

var _ DocumentStore = (*DB)(nil)

func (db *DB) Create(ctx context.Context, collection string, doc Document) (string, error) {
	doc = doc.Clone()
	id := doc.ID()
	if id == "" {
		id = uuid.New().String()
	}
	if err := doc.Set(protocol.FieldID, id); err != nil {
		return "", err
	}
	if err := doc.Set(protocol.FieldCollection, collection); err != nil {
		return "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", protocol.Wrap(protocol.KindConstruction, err, "encode document")
	}
	_, err = db.ExecContext(ctx, db.Q(`INSERT INTO documents (collection, id, name, body) VALUES (?, ?, ?, ?)`),
		collection, id, doc.Name(), string(body))
	if err != nil {
		return "", storeErr(err, "create %s/%s", collection, id)
	}
	return id, nil
}

func (db *DB) Replace(ctx context.Context, collection, id string, doc Document) error {
	doc = doc.Clone()
	if err := doc.Set(protocol.FieldID, id); err != nil {
		return err
	}
	if err := doc.Set(protocol.FieldCollection, collection); err != nil {
		return err
	}
	return db.writeDoc(ctx, db.DB, collection, id, doc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) writeDoc(ctx context.Context, ex execer, collection, id string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return storeErr(err, "encode %s/%s", collection, id)
	}
	res, err := ex.ExecContext(ctx, db.Q(`UPDATE documents SET body=?, name=?, updated_at=datetime('now','localtime') WHERE collection=? AND id=?`),
		string(body), doc.Name(), collection, id)
	if err != nil {
		return storeErr(err, "update %s/%s", collection, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.NotFound(collection, id)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) readDoc(ctx context.Context, q queryRower, collection, id string, lock bool) (Document, error) {
	query := `SELECT body FROM documents WHERE collection=? AND id=?`
	if lock {
		query += db.dialect.LockRow()
	}
	var body []byte
	err := q.QueryRowContext(ctx, db.Q(query), collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NotFound(collection, id)
	}
	if err != nil {
		return nil, storeErr(err, "read %s/%s", collection, id)
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, storeErr(err, "decode document")
	}
	return doc, nil
}

func (db *DB) Get(ctx context.Context, collection, id string) (Document, error) {
	return db.readDoc(ctx, db.DB, collection, id, false)
}

func (db *DB) GetField(ctx context.Context, collection, id, field string) (json.RawMessage, error) {
	doc, err := db.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	raw, ok := doc[field]
	if !ok {
		return nil, notFoundField(collection, id, field)
	}
	return raw, nil
}

func (db *DB) FindByName(ctx context.Context, collection, name string) (Document, error) {
	var body []byte
	err := db.QueryRowContext(ctx, db.Q(`SELECT body FROM documents WHERE collection=? AND name=? ORDER BY `+db.dialect.InsertOrder()+` LIMIT 1`),
		collection, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.KindNotFound, "%s named %q not found", collection, name)
	}
	if err != nil {
		return nil, storeErr(err, "find %s named %s", collection, name)
	}
	return decodeBody(body)
}

func (db *DB) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	query := `SELECT body FROM documents WHERE collection=?`
	args := []any{collection}
	if raw, ok := filter[protocol.FieldName]; ok {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			query += ` AND name=?`
			args = append(args, name)
		}
	}
	query += ` ORDER BY ` + db.dialect.InsertOrder()

	rows, err := db.QueryContext(ctx, db.Q(query), args...)
	if err != nil {
		return nil, storeErr(err, "find %s", collection)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storeErr(err, "scan %s", collection)
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		if doc.Matches(filter) {
			docs = append(docs, doc)
		}
	}
	return docs, rows.Err()
}

// update runs fn against the current document inside a transaction and
// writes the result back when fn returns true.
func (db *DB) update(ctx context.Context, collection, id string, fn func(Document) (bool, error)) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr(err, "begin")
	}
	defer tx.Rollback()

	doc, err := db.readDoc(ctx, tx, collection, id, true)
	if err != nil {
		return false, err
	}
	write, err := fn(doc)
	if err != nil || !write {
		return false, err
	}
	if err := db.writeDoc(ctx, tx, collection, id, doc); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr(err, "commit %s/%s", collection, id)
	}
	return true, nil
}

func (db *DB) Patch(ctx context.Context, collection, id string, p Patch) error {
	if err := checkPatch(p); err != nil {
		return err
	}
	_, err := db.update(ctx, collection, id, func(doc Document) (bool, error) {
		if err := applyPatch(doc, p); err != nil {
			return false, fmt.Errorf("%s: %w", describePatch(collection, id, p), err)
		}
		return true, nil
	})
	return err
}

func (db *DB) CompareAndSwap(ctx context.Context, collection, id, field string, old, next json.RawMessage) (bool, error) {
	return db.update(ctx, collection, id, func(doc Document) (bool, error) {
		if !valuesEqual(doc[field], old) {
			return false, nil
		}
		doc[field] = next
		return true, nil
	})
}

func (db *DB) Delete(ctx context.Context, collection, id string) error {
	res, err := db.ExecContext(ctx, db.Q(`DELETE FROM documents WHERE collection=? AND id=?`), collection, id)
	if err != nil {
		return storeErr(err, "delete %s/%s", collection, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.NotFound(collection, id)
	}
	return nil
}
