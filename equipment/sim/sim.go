// Package sim provides simulated drivers so a station can run without
// hardware attached.
package sim

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/equipment"
	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Register adds every simulated driver to r.
func Register(r *equipment.Registry) {
	r.Register("sim.heater", func(s map[string]any) (equipment.Driver, error) {
		return NewHeater(floatSetting(s, "max_temperature", 340)), nil
	})
	r.Register("sim.camera", func(s map[string]any) (equipment.Driver, error) {
		return NewCamera(stringSetting(s, "dir", os.TempDir())), nil
	})
	r.Register("sim.arm", func(s map[string]any) (equipment.Driver, error) {
		return NewArm(), nil
	})
	r.Register("sim.mobile", func(s map[string]any) (equipment.Driver, error) {
		return NewMobile(stringSetting(s, "home", "dock")), nil
	})
}

func floatSetting(s map[string]any, key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func stringSetting(s map[string]any, key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// publish writes a field to the bound record, logging failures.
func publish(ctx context.Context, rec equipment.Record, field string, value any) {
	if rec == nil {
		return
	}
	if err := rec.Set(ctx, field, value); err != nil {
		log.Printf("sim: publish %s: %v", field, err)
	}
}

// Heater is a hotplate with a temperature set point.
type Heater struct {
	mu          sync.Mutex
	rec         equipment.Record
	max         float64
	temperature float64
	heating     bool
}

func NewHeater(maxTemperature float64) *Heater {
	return &Heater{max: maxTemperature, temperature: 20}
}

func (h *Heater) Bind(rec equipment.Record) {
	h.mu.Lock()
	h.rec = rec
	h.mu.Unlock()
}

func (h *Heater) Commands() equipment.Commands {
	return equipment.Commands{
		"set_temperature": equipment.Accepts(h.setTemperature, "temperature"),
		"get_temperature": equipment.Accepts(h.getTemperature),
		"start_heat":      equipment.Accepts(h.startHeat),
		"stop_heat":       equipment.Accepts(h.stopHeat),
	}
}

func (h *Heater) setTemperature(ctx context.Context, args equipment.Args) (any, error) {
	t, err := args.Float("temperature")
	if err != nil {
		return nil, err
	}
	if t < 0 || t > h.max {
		return nil, protocol.Errorf(protocol.KindMethod, "temperature %v out of range 0..%v", t, h.max)
	}
	h.mu.Lock()
	h.temperature = t
	rec := h.rec
	h.mu.Unlock()
	publish(ctx, rec, "temperature", t)
	return true, nil
}

func (h *Heater) getTemperature(context.Context, equipment.Args) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.temperature, nil
}

func (h *Heater) startHeat(ctx context.Context, _ equipment.Args) (any, error) {
	return h.setHeating(ctx, true)
}

func (h *Heater) stopHeat(ctx context.Context, _ equipment.Args) (any, error) {
	return h.setHeating(ctx, false)
}

func (h *Heater) setHeating(ctx context.Context, on bool) (any, error) {
	h.mu.Lock()
	h.heating = on
	rec := h.rec
	h.mu.Unlock()
	publish(ctx, rec, "heating", on)
	return true, nil
}

// Camera writes fake images to a directory.
type Camera struct {
	dir string
	seq int
	mu  sync.Mutex
}

func NewCamera(dir string) *Camera {
	return &Camera{dir: dir}
}

func (c *Camera) Commands() equipment.Commands {
	return equipment.Commands{
		"take_picture": equipment.Accepts(c.takePicture),
		"take_series":  equipment.Accepts(c.takeSeries, "count"),
	}
}

func (c *Camera) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Camera) takePicture(context.Context, equipment.Args) (any, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(c.dir, fmt.Sprintf("image_%d.jpg", c.next()))
	if err := writeFrame(path); err != nil {
		return nil, err
	}
	return equipment.Path(path), nil
}

func (c *Camera) takeSeries(_ context.Context, args equipment.Args) (any, error) {
	count, err := args.IntOr("count", 3)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, protocol.Errorf(protocol.KindMethod, "count must be positive")
	}
	dir := filepath.Join(c.dir, fmt.Sprintf("series_%d", c.next()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		if err := writeFrame(filepath.Join(dir, fmt.Sprintf("frame_%03d.jpg", i))); err != nil {
			return nil, err
		}
	}
	return equipment.Path(dir), nil
}

func writeFrame(path string) error {
	data := []byte(fmt.Sprintf("frame %s\n", time.Now().UTC().Format(time.RFC3339Nano)))
	return os.WriteFile(path, data, 0o644)
}

// Arm is a fixed manipulator with pick and place tasks.
type Arm struct {
	mu      sync.Mutex
	holding string
}

func NewArm() *Arm { return &Arm{} }

func (a *Arm) Commands() equipment.Commands {
	return equipment.Commands{
		"pick":  equipment.Accepts(a.pick, "item"),
		"place": equipment.Accepts(a.place, "slot"),
	}
}

func (a *Arm) pick(_ context.Context, args equipment.Args) (any, error) {
	item, err := args.String("item")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holding != "" {
		return nil, protocol.Errorf(protocol.KindMethod, "already holding %s", a.holding)
	}
	a.holding = item
	return true, nil
}

func (a *Arm) place(_ context.Context, args equipment.Args) (any, error) {
	slot, err := args.String("slot")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holding == "" {
		return nil, protocol.Errorf(protocol.KindMethod, "nothing to place")
	}
	placed := map[string]string{"item": a.holding, "slot": slot}
	a.holding = ""
	return placed, nil
}

// Mobile is a mobile manipulator that travels between named locations.
type Mobile struct {
	mu       sync.Mutex
	rec      equipment.Record
	location string
}

func NewMobile(home string) *Mobile {
	return &Mobile{location: home}
}

func (m *Mobile) Bind(rec equipment.Record) {
	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()
}

func (m *Mobile) Commands() equipment.Commands {
	return equipment.Commands{
		"go_to":   equipment.Accepts(m.goTo, "location"),
		"execute": equipment.Accepts(m.execute, "task"),
	}
}

func (m *Mobile) goTo(ctx context.Context, args equipment.Args) (any, error) {
	loc, err := args.String("location")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.location = loc
	rec := m.rec
	m.mu.Unlock()
	publish(ctx, rec, "location", loc)
	return loc, nil
}

func (m *Mobile) execute(_ context.Context, args equipment.Args) (any, error) {
	task, err := args.String("task")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{"task": task, "location": m.location}, nil
}
