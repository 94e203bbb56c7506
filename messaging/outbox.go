package messaging

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// Outbox is the part of the document store the drainer reads.
type Outbox interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]*store.OutboxMessage, error)
	AckOutbox(ctx context.Context, id string) error
	IncrementOutboxRetries(ctx context.Context, id string) error
}

// Publisher sends one message.
type Publisher interface {
	IsConnected() bool
	Publish(ctx context.Context, msg Message) error
}

// MaxRetries is the number of failed publishes after which a message is
// acknowledged and dropped.
const MaxRetries = 20

// OutboxDrainer periodically sends pending outbox messages.
type OutboxDrainer struct {
	db       Outbox
	client   Publisher
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewOutboxDrainer(db Outbox, client Publisher, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		client:   client,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Drain(context.Background())
		}
	}
}

// Drain publishes up to one batch of pending messages and returns how many
// were sent. Expired events are acknowledged without publishing.
func (d *OutboxDrainer) Drain(ctx context.Context) int {
	if !d.client.IsConnected() {
		return 0
	}

	msgs, err := d.db.ListPendingOutbox(ctx, 50)
	if err != nil {
		log.Printf("outbox: list pending: %v", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if hdr, err := protocol.DecodeHeader(msg.Payload); err == nil && hdr.Expired(time.Now()) {
			log.Printf("outbox: dropping expired %s %s", hdr.Type, hdr.ID)
			d.ack(ctx, msg)
			continue
		}
		if msg.Retries >= MaxRetries {
			log.Printf("outbox: dropping %s after %d retries", msg.ID, msg.Retries)
			d.ack(ctx, msg)
			continue
		}
		if err := d.client.Publish(ctx, Message{
			Topic:   msg.Topic,
			Key:     msg.ClientID,
			Type:    msg.MsgType,
			Payload: msg.Payload,
		}); err != nil {
			log.Printf("outbox: publish %s to %s failed: %v", msg.ID, msg.Topic, err)
			if err := d.db.IncrementOutboxRetries(ctx, msg.ID); err != nil {
				log.Printf("outbox: increment retries %s: %v", msg.ID, err)
			}
			continue
		}
		d.ack(ctx, msg)
		sent++
	}
	return sent
}

func (d *OutboxDrainer) ack(ctx context.Context, msg *store.OutboxMessage) {
	if err := d.db.AckOutbox(ctx, msg.ID); err != nil {
		log.Printf("outbox: ack %s: %v", msg.ID, err)
	}
}
