// Package stationconn is the scheduler's RPC client for station executors.
package stationconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Config tunes the HTTP client and circuit breaker of each connection.
type Config struct {
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	HalfOpenRequests uint32
}

// Conn reaches one station's executor.
type Conn struct {
	name       string
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func New(name, baseURL string, cfg Config) *Conn {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "station:" + name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("stationconn: breaker %s %s -> %s", name, from, to)
		},
	}
	return &Conn{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Conn) BaseURL() string { return c.baseURL }

// BreakerState reports the circuit breaker state for diagnostics.
func (c *Conn) BreakerState() string { return c.cb.State().String() }

// outcome carries an application-level error through the breaker without
// counting it as a transport failure.
type outcome struct {
	data   []byte
	appErr error
}

// do sends one request through the breaker. Transport failures and 5xx
// responses trip the breaker; 4xx responses do not.
func (c *Conn) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("stationconn marshal: %w", err)
		}
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 400 {
			var eb protocol.ErrorBody
			if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
				eb.Error = string(data)
			}
			appErr := protocol.ErrorFromStatus(resp.StatusCode, eb)
			if resp.StatusCode >= 500 && protocol.KindOf(appErr) == protocol.KindTransport {
				return nil, appErr
			}
			return &outcome{appErr: appErr}, nil
		}
		return &outcome{data: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, protocol.Wrap(protocol.KindTransport, err, "station "+c.name+" unavailable")
		}
		return nil, protocol.Wrap(protocol.KindTransport, err, fmt.Sprintf("station %s %s %s (breaker %s)", c.name, method, path, c.BreakerState()))
	}
	out := res.(*outcome)
	return out.data, out.appErr
}

// ProcessOp dispatches an operation and waits for the executor to finish it.
func (c *Conn) ProcessOp(ctx context.Context, op *protocol.Operation) (*protocol.ProcessOpResponse, error) {
	data, err := c.do(ctx, http.MethodPost, "/process_op", op)
	if err != nil {
		return nil, err
	}
	var resp protocol.ProcessOpResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, protocol.Wrap(protocol.KindTransport, err, "decode process_op response")
	}
	return &resp, nil
}

// Ping checks the station is serving.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil)
	return err
}
