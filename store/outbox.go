package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	MsgType   string
	ClientID  string
	Retries   int
	CreatedAt time.Time
}

func (db *DB) EnqueueOutbox(ctx context.Context, topic string, payload []byte, msgType, clientID string) error {
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO outbox (topic, payload, msg_type, client_id) VALUES (?, ?, ?, ?)`),
		topic, payload, msgType, clientID)
	return err
}

func (db *DB) ListPendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT id, topic, payload, msg_type, client_id, retries, created_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var id int64
		var createdAt any
		if err := rows.Scan(&id, &m.Topic, &m.Payload, &m.MsgType, &m.ClientID, &m.Retries, &createdAt); err != nil {
			return nil, err
		}
		m.ID = strconv.FormatInt(id, 10)
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (db *DB) AckOutbox(ctx context.Context, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("outbox id %q: %w", id, err)
	}
	_, err = db.ExecContext(ctx, db.Q(`UPDATE outbox SET sent_at=`+db.dialect.Now()+` WHERE id=?`), n)
	return err
}

func (db *DB) IncrementOutboxRetries(ctx context.Context, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("outbox id %q: %w", id, err)
	}
	_, err = db.ExecContext(ctx, db.Q(`UPDATE outbox SET retries=retries+1 WHERE id=?`), n)
	return err
}
