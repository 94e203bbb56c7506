// Package station is the process that hosts devices and robots on one
// work-cell. It registers itself and its equipment with the lab server and
// executes operations dispatched to it by the scheduler.
package station

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OChRA-lab/ochra-sub000/config"
	"github.com/OChRA-lab/ochra-sub000/equipment"
	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/rop"
)

// LogFunc is the signature for log output.
type LogFunc func(format string, args ...any)

// entry is one device or robot hosted by the station.
type entry struct {
	id     string
	name   string
	kind   protocol.EntityType
	driver equipment.Driver
	record *rop.Object
	tasks  map[string]bool
	mobile bool
}

// Station executes operations against its registered equipment.
type Station struct {
	cfg     *config.StationConfig
	lab     *rop.Client
	proxy   rop.Station
	metrics *metrics.Executor
	logFn   LogFunc

	// execMu serializes invocations on this station.
	execMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry

	uploads sync.WaitGroup
	started time.Time
}

// Options configures optional collaborators of a Station.
type Options struct {
	Metrics *metrics.Executor
	LogFunc LogFunc
}

func New(cfg *config.StationConfig, lab *rop.Client, opts Options) *Station {
	logFn := opts.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	return &Station{
		cfg:     cfg,
		lab:     lab,
		metrics: opts.Metrics,
		logFn:   logFn,
		entries: make(map[string]*entry),
		started: time.Now(),
	}
}

func (s *Station) ID() string            { return s.proxy.ID() }
func (s *Station) Name() string          { return s.cfg.Name }
func (s *Station) Proxy() rop.Station    { return s.proxy }
func (s *Station) Lab() *rop.Client      { return s.lab }
func (s *Station) Uptime() time.Duration { return time.Since(s.started) }

// stationRecord is the document the station constructs for itself. The
// lab server fills in station_ip from the connection.
type stationRecord struct {
	Class    string                  `json:"cls"`
	Name     string                  `json:"name"`
	Type     protocol.StationType    `json:"type"`
	Location protocol.Location       `json:"location"`
	Port     int                     `json:"port"`
	Status   protocol.ActivityStatus `json:"status"`
}

// Register constructs the station record and every configured device. A
// restarted station rebinds to its previous identifier by name.
func (s *Station) Register(ctx context.Context, drivers *equipment.Registry) error {
	stype, err := protocol.ParseStationType(s.cfg.Type)
	if err != nil {
		return err
	}
	rec := stationRecord{
		Class: "Station",
		Name:  s.cfg.Name,
		Type:  stype,
		Location: protocol.Location{
			Name:  s.cfg.Location.Name,
			Map:   s.cfg.Location.Map,
			MapID: s.cfg.Location.MapID,
		},
		Port:   s.cfg.Port,
		Status: protocol.StatusIdle,
	}
	obj, err := s.lab.Create(ctx, protocol.CollectionStations, rec)
	if err != nil {
		return fmt.Errorf("register station %s: %w", s.cfg.Name, err)
	}
	s.proxy = rop.Station{Object: obj}
	s.logFn("station: registered %s as %s", s.cfg.Name, obj.ID())

	for _, dc := range s.cfg.Devices {
		d, err := drivers.New(dc.Driver, dc.Settings)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.Name, err)
		}
		if _, err := s.AddDevice(ctx, dc, d); err != nil {
			return err
		}
	}
	return nil
}

// deviceRecord is the document constructed for a device or robot.
type deviceRecord struct {
	Class          string                     `json:"cls"`
	Name           string                     `json:"name"`
	OwnerStation   string                     `json:"owner_station"`
	Status         protocol.ActivityStatus    `json:"status"`
	AvailableTasks []string                   `json:"available_tasks,omitempty"`
	State          *protocol.MobileRobotState `json:"state,omitempty"`
}

// AddDevice registers a device or robot under this station and appends it
// to the station's device list.
func (s *Station) AddDevice(ctx context.Context, dc config.DeviceConfig, d equipment.Driver) (string, error) {
	if s.proxy.Object == nil {
		return "", fmt.Errorf("station %s is not registered", s.cfg.Name)
	}
	kind := protocol.EntityDevice
	if dc.Kind == config.KindRobot {
		kind = protocol.EntityRobot
	}

	rec := deviceRecord{
		Class:        dc.Class,
		Name:         dc.Name,
		OwnerStation: s.proxy.ID(),
		Status:       protocol.StatusIdle,
	}
	if rec.Class == "" {
		rec.Class = "Device"
		if kind == protocol.EntityRobot {
			rec.Class = "Robot"
		}
	}
	tasks := map[string]bool{}
	if kind == protocol.EntityRobot {
		rec.AvailableTasks = dc.AvailableTasks
		if len(rec.AvailableTasks) == 0 {
			rec.AvailableTasks = d.Commands().Names()
		}
		for _, t := range rec.AvailableTasks {
			tasks[t] = true
		}
		if dc.Mobile {
			state := protocol.RobotAvailable
			rec.State = &state
		}
	}

	obj, err := s.lab.Create(ctx, kind.Collection(), rec)
	if err != nil {
		return "", fmt.Errorf("register %s %s: %w", kind, dc.Name, err)
	}
	if err := s.proxy.AddDevice(ctx, obj.ID()); err != nil {
		return "", fmt.Errorf("attach %s %s: %w", kind, dc.Name, err)
	}
	if b, ok := d.(equipment.Binder); ok {
		b.Bind(obj)
	}

	s.mu.Lock()
	s.entries[obj.ID()] = &entry{
		id:     obj.ID(),
		name:   dc.Name,
		kind:   kind,
		driver: d,
		record: obj,
		tasks:  tasks,
		mobile: dc.Mobile,
	}
	s.mu.Unlock()
	s.logFn("station: added %s %s (%s)", kind, dc.Name, obj.ID())
	return obj.ID(), nil
}

// Wait blocks until pending payload uploads finish.
func (s *Station) Wait() {
	s.uploads.Wait()
}

func (s *Station) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}
