package stationconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// Pool keeps one Conn per station and rebuilds it when the station's
// recorded address changes.
type Pool struct {
	mu    sync.Mutex
	cfg   Config
	conns map[string]*Conn
}

func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg, conns: make(map[string]*Conn)}
}

// StationURL builds the executor base URL from a station document.
func StationURL(station store.Document) (string, error) {
	host := station.Str("station_ip")
	if host == "" {
		return "", protocol.Errorf(protocol.KindTransport, "station %s has no address", station.ID())
	}
	raw, ok := station["port"]
	if !ok {
		return "", protocol.Errorf(protocol.KindTransport, "station %s has no port", station.ID())
	}
	var port int
	if err := json.Unmarshal(raw, &port); err != nil || port <= 0 {
		return "", protocol.Errorf(protocol.KindTransport, "station %s has invalid port %s", station.ID(), string(raw))
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))), nil
}

// For returns the connection to the station described by doc.
func (p *Pool) For(station store.Document) (*Conn, error) {
	url, err := StationURL(station)
	if err != nil {
		return nil, err
	}
	id := station.ID()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok && c.baseURL == url {
		return c, nil
	}
	name := station.Name()
	if name == "" {
		name = id
	}
	c := New(name, url, p.cfg)
	p.conns[id] = c
	return c, nil
}

// ProcessOp dispatches op to the station described by station.
func (p *Pool) ProcessOp(ctx context.Context, station store.Document, op *protocol.Operation) (*protocol.ProcessOpResponse, error) {
	c, err := p.For(station)
	if err != nil {
		return nil, err
	}
	return c.ProcessOp(ctx, op)
}
