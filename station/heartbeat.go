package station

import (
	"context"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Heartbeater writes last_heartbeat on the station record periodically.
type Heartbeater struct {
	station  *Station
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeater creates a heartbeater for s. A zero interval means 30s.
func NewHeartbeater(s *Station, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeater{
		station:  s,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sends an initial heartbeat and begins the loop.
func (h *Heartbeater) Start() {
	h.beat()
	go h.loop()
}

// Stop halts the loop and waits for it to exit.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

func (h *Heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	hb := protocol.StationHeartbeat{
		StationID: h.station.ID(),
		Name:      h.station.Name(),
		Uptime:    int64(h.station.Uptime().Seconds()),
		Timestamp: time.Now().UTC(),
	}
	if err := h.station.proxy.Set(ctx, "last_heartbeat", hb.Timestamp); err != nil {
		h.station.logFn("heartbeater: station %s: %v", hb.Name, err)
		return
	}
	if err := h.station.proxy.Set(ctx, "uptime", hb.Uptime); err != nil {
		h.station.logFn("heartbeater: station %s uptime: %v", hb.Name, err)
	}
}

func (h *Heartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}
