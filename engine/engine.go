// Package engine wires the lab server together: the lab service, the
// scheduler, the event bus and publication of lifecycle events.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/labsvc"
	"github.com/OChRA-lab/ochra-sub000/lease"
	"github.com/OChRA-lab/ochra-sub000/messaging"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/scheduler"
	"github.com/OChRA-lab/ochra-sub000/store"
)

type LogFunc func(format string, args ...any)

type Config struct {
	AppConfig *config.Config
	DB        store.DocumentStore
	Stations  scheduler.Stations
	Leaser    lease.Leaser
	// MsgClient enables event publication through the outbox. Nil keeps
	// events on the in-process bus only.
	MsgClient *messaging.Client
	Metrics   *metrics.Scheduler
	LogFunc   LogFunc
}

type Engine struct {
	cfg       *config.Config
	db        store.DocumentStore
	msgClient *messaging.Client
	service   *labsvc.Service
	scheduler *scheduler.Scheduler
	drainer   *messaging.OutboxDrainer
	Events    *EventBus
	logFn     LogFunc

	stopChan     chan struct{}
	stopOnce     sync.Once
	msgConnected bool
}

func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	e := &Engine{
		cfg:       c.AppConfig,
		db:        c.DB,
		msgClient: c.MsgClient,
		Events:    NewEventBus(logFn),
		logFn:     logFn,
		stopChan:  make(chan struct{}),
	}

	sc := c.AppConfig.Scheduler
	e.scheduler = scheduler.New(c.DB, c.Stations, c.Leaser, &schedulerEmitter{bus: e.Events}, scheduler.Config{
		PollInterval:    sc.PollInterval,
		LeaseTTL:        sc.LeaseTTL,
		OrphanGrace:     sc.OrphanGrace,
		OrphanPolicy:    sc.OrphanPolicy,
		DispatchTimeout: sc.DispatchTimeout,
		Metrics:         c.Metrics,
		LogFunc:         scheduler.LogFunc(logFn),
	})
	e.service = labsvc.New(c.DB, e.scheduler, &labEmitter{bus: e.Events}, c.AppConfig.Data.Folder)
	return e
}

// Start wires event handlers, recovers and starts the scheduler and begins
// draining the outbox when messaging is enabled.
func (e *Engine) Start(ctx context.Context) error {
	e.wireEventHandlers()

	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	if e.msgClient != nil {
		e.drainer = messaging.NewOutboxDrainer(e.db, e.msgClient, e.cfg.Messaging.OutboxDrainInterval)
		e.drainer.Start()
		e.checkConnectionStatus()
		go e.connectionHealthLoop()
	}

	e.logFn("engine: started")
	return nil
}

// Stop halts dispatch and waits for running operations to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.scheduler.Stop()
	e.scheduler.Wait()
	if e.drainer != nil {
		e.drainer.Stop()
	}
	e.logFn("engine: stopped")
}

// Accessors
func (e *Engine) DB() store.DocumentStore         { return e.db }
func (e *Engine) AppConfig() *config.Config       { return e.cfg }
func (e *Engine) Service() *labsvc.Service        { return e.service }
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
func (e *Engine) MsgClient() *messaging.Client    { return e.msgClient }

func (e *Engine) checkConnectionStatus() {
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
		return
	}
	if e.msgConnected {
		e.msgConnected = false
		e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
	}
	if len(e.cfg.Messaging.Kafka.Brokers) > 0 {
		if err := e.msgClient.Connect(); err != nil {
			e.logFn("engine: messaging reconnect: %v", err)
			return
		}
		e.msgConnected = true
		e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging reconnected"}})
	}
}

func (e *Engine) connectionHealthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.checkConnectionStatus()
		}
	}
}
