package rop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Station is a typed proxy for a station record.
type Station struct{ *Object }

// BindStation returns a writable station proxy.
func (c *Client) BindStation(id string) Station {
	return Station{c.Bind(protocol.CollectionStations, id)}
}

// FindStation binds read-only to a station by name or id.
func (c *Client) FindStation(ctx context.Context, identifier string) (Station, error) {
	obj, err := c.BindReadOnly(ctx, protocol.CollectionStations, identifier)
	if err != nil {
		return Station{}, err
	}
	return Station{obj}, nil
}

func (s Station) Name(ctx context.Context) (string, error) {
	var v string
	err := s.Get(ctx, "name", &v)
	return v, err
}

func (s Station) Type(ctx context.Context) (protocol.StationType, error) {
	var v protocol.StationType
	err := s.Get(ctx, "type", &v)
	return v, err
}

func (s Station) Status(ctx context.Context) (protocol.ActivityStatus, error) {
	var v protocol.ActivityStatus
	err := s.Get(ctx, "status", &v)
	return v, err
}

func (s Station) SetStatus(ctx context.Context, v protocol.ActivityStatus) error {
	return s.Set(ctx, "status", v)
}

func (s Station) LockedBy(ctx context.Context) (string, error) {
	var v string
	err := s.Get(ctx, "locked_by", &v)
	return v, err
}

func (s Station) Devices(ctx context.Context) ([]string, error) {
	var v []string
	err := s.Get(ctx, "devices", &v)
	return v, err
}

// AddDevice appends a device or robot id to the station's device list.
func (s Station) AddDevice(ctx context.Context, id string) error {
	return s.Append(ctx, "devices", id)
}

// Lock checks the station out for the client's session.
func (s Station) Lock(ctx context.Context) error {
	return s.client.LockStation(ctx, s.id)
}

func (s Station) Unlock(ctx context.Context) error {
	return s.client.UnlockStation(ctx, s.id)
}

// WithLock runs fn while the station is locked by the client's session and
// unlocks afterwards, whatever fn returns.
func (s Station) WithLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := s.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unlock station %s: %w", s.id, uerr))
		}
	}()
	return fn(ctx)
}

// Device is a typed proxy for a device record.
type Device struct{ *Object }

func (c *Client) BindDevice(id string) Device {
	return Device{c.Bind(protocol.CollectionDevices, id)}
}

// FindDevice binds read-only to a device by name or id.
func (c *Client) FindDevice(ctx context.Context, identifier string) (Device, error) {
	obj, err := c.BindReadOnly(ctx, protocol.CollectionDevices, identifier)
	if err != nil {
		return Device{}, err
	}
	return Device{obj}, nil
}

func (d Device) Status(ctx context.Context) (protocol.ActivityStatus, error) {
	var v protocol.ActivityStatus
	err := d.Get(ctx, "status", &v)
	return v, err
}

func (d Device) SetStatus(ctx context.Context, v protocol.ActivityStatus) error {
	return d.Set(ctx, "status", v)
}

func (d Device) OwnerStation(ctx context.Context) (string, error) {
	var v string
	err := d.Get(ctx, "owner_station", &v)
	return v, err
}

func (d Device) OperationHistory(ctx context.Context) ([]string, error) {
	var v []string
	err := d.Get(ctx, "operation_history", &v)
	return v, err
}

// Robot is a typed proxy for a robot record.
type Robot struct{ Device }

func (c *Client) BindRobot(id string) Robot {
	return Robot{Device{c.Bind(protocol.CollectionRobots, id)}}
}

// FindRobot binds read-only to a robot by name or id.
func (c *Client) FindRobot(ctx context.Context, identifier string) (Robot, error) {
	obj, err := c.BindReadOnly(ctx, protocol.CollectionRobots, identifier)
	if err != nil {
		return Robot{}, err
	}
	return Robot{Device{obj}}, nil
}

func (r Robot) AvailableTasks(ctx context.Context) ([]string, error) {
	var v []string
	err := r.Get(ctx, "available_tasks", &v)
	return v, err
}

// Execute queues one of the robot's tasks.
func (r Robot) Execute(ctx context.Context, task string, args map[string]any) (*Operation, error) {
	return r.Call(ctx, task, args)
}

// MobileRobot adds the navigation state to a robot.
type MobileRobot struct{ Robot }

func (c *Client) BindMobileRobot(id string) MobileRobot {
	return MobileRobot{c.BindRobot(id)}
}

func (m MobileRobot) State(ctx context.Context) (protocol.MobileRobotState, error) {
	var v protocol.MobileRobotState
	err := m.Get(ctx, "state", &v)
	return v, err
}

func (m MobileRobot) SetState(ctx context.Context, v protocol.MobileRobotState) error {
	return m.Set(ctx, "state", v)
}

// GoTo queues a navigation to a named location.
func (m MobileRobot) GoTo(ctx context.Context, location string) (*Operation, error) {
	return m.Call(ctx, "go_to", map[string]any{"location": location})
}

// Operation is a typed proxy for a queued method call.
type Operation struct{ *Object }

func (o *Operation) Status(ctx context.Context) (protocol.OperationStatus, error) {
	var v protocol.OperationStatus
	err := o.Get(ctx, "status", &v)
	return v, err
}

// ResultID returns the bound OperationResult id, "" until completion.
func (o *Operation) ResultID(ctx context.Context) (string, error) {
	var v string
	err := o.Get(ctx, "result", &v)
	return v, err
}

// Load fetches the whole operation document.
func (o *Operation) Load(ctx context.Context) (*protocol.Operation, error) {
	doc, err := o.Document(ctx)
	if err != nil {
		return nil, err
	}
	var op protocol.Operation
	if err := decodeDocument(doc, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Wait polls until the operation completes and returns its result. A zero
// interval polls every 500ms.
func (o *Operation) Wait(ctx context.Context, interval time.Duration) (*OperationResult, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := o.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status == protocol.OpCompleted {
			id, err := o.ResultID(ctx)
			if err != nil {
				return nil, err
			}
			if id != "" {
				return &OperationResult{o.client.Bind(protocol.CollectionOperationResults, id)}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OperationResult is a typed proxy for the outcome of an operation.
type OperationResult struct{ *Object }

func (r *OperationResult) Load(ctx context.Context) (*protocol.OperationResult, error) {
	doc, err := r.Document(ctx)
	if err != nil {
		return nil, err
	}
	var res protocol.OperationResult
	if err := decodeDocument(doc, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *OperationResult) Success(ctx context.Context) (bool, error) {
	var v bool
	err := r.Get(ctx, "success", &v)
	return v, err
}

func (r *OperationResult) Error(ctx context.Context) (string, error) {
	var v string
	err := r.Get(ctx, "error", &v)
	return v, err
}

func (r *OperationResult) DataStatus(ctx context.Context) (protocol.ResultDataStatus, error) {
	var v protocol.ResultDataStatus
	err := r.Get(ctx, "data_status", &v)
	return v, err
}

// Download writes the file or zipped folder payload to w.
func (r *OperationResult) Download(ctx context.Context, w io.Writer) (string, error) {
	return r.client.GetData(ctx, r.id, w)
}

// Inventory is a typed proxy for an inventory of containers.
type Inventory struct{ *Object }

func (c *Client) BindInventory(id string) Inventory {
	return Inventory{c.Bind(protocol.CollectionInventories, id)}
}

func (i Inventory) Containers(ctx context.Context) ([]string, error) {
	var v []string
	err := i.Get(ctx, "containers", &v)
	return v, err
}

func (i Inventory) AddContainer(ctx context.Context, containerID string) error {
	return i.Append(ctx, "containers", containerID)
}

func (i Inventory) RemoveContainer(ctx context.Context, containerID string) error {
	return i.Remove(ctx, "containers", containerID)
}

// Container is a typed proxy for a vessel holding reagents.
type Container struct{ *Object }

func (c *Client) BindContainer(id string) Container {
	return Container{c.Bind(protocol.CollectionContainers, id)}
}

func (c Container) Reagents(ctx context.Context) ([]string, error) {
	var v []string
	err := c.Get(ctx, "reagents", &v)
	return v, err
}

func (c Container) AddReagent(ctx context.Context, reagentID string) error {
	return c.Append(ctx, "reagents", reagentID)
}

func (c Container) RemoveReagent(ctx context.Context, reagentID string) error {
	return c.Remove(ctx, "reagents", reagentID)
}

// Reagent is a typed proxy for a reagent and its free-form properties.
type Reagent struct{ *Object }

func (c *Client) BindReagent(id string) Reagent {
	return Reagent{c.Bind(protocol.CollectionReagents, id)}
}

func (r Reagent) Properties(ctx context.Context) (map[string]any, error) {
	var v map[string]any
	err := r.Get(ctx, "properties", &v)
	return v, err
}

func (r Reagent) SetProperty(ctx context.Context, key string, value any) error {
	return r.DictInsert(ctx, "properties", key, value)
}

func (r Reagent) DeleteProperty(ctx context.Context, key string) error {
	return r.DictDelete(ctx, "properties", key)
}
