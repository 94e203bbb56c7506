package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StationConfig configures one station process.
type StationConfig struct {
	mu sync.Mutex `yaml:"-"`

	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"` // "storage", "work" or "mobile_robot"
	Location LocationConfig `yaml:"location"`

	// Host and Port are where the station executor listens. The lab records
	// the address it sees the station connect from, not Host.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LabURL            string        `yaml:"lab_url"`
	APIKey            string        `yaml:"api_key"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WorkDir           string        `yaml:"work_dir"`

	Devices []DeviceConfig `yaml:"devices"`
}

// LocationConfig is the physical placement of the station.
type LocationConfig struct {
	Name  string `yaml:"name"`
	Map   string `yaml:"map"`
	MapID int    `yaml:"map_id"`
}

// Device kinds.
const (
	KindDevice = "device"
	KindRobot  = "robot"
)

// DeviceConfig declares one piece of equipment hosted by the station.
type DeviceConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
	// Kind is "device" or "robot".
	Kind           string         `yaml:"kind"`
	Class          string         `yaml:"class"`
	AvailableTasks []string       `yaml:"available_tasks"`
	Mobile         bool           `yaml:"mobile"`
	Settings       map[string]any `yaml:"settings"`
}

// StationDefaults returns a StationConfig with sane defaults.
func StationDefaults() *StationConfig {
	return &StationConfig{
		Name:              "station",
		Type:              "work",
		Host:              "0.0.0.0",
		Port:              8001,
		LabURL:            "http://localhost:8000",
		RequestTimeout:    30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WorkDir:           "station-data",
	}
}

// LoadStation reads a station YAML file. If the file doesn't exist, defaults are used.
func LoadStation(path string) (*StationConfig, error) {
	cfg := StationDefaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks that device names are unique and kinds are known.
func (c *StationConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("station name is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device with driver %q has no name", d.Driver)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Kind {
		case "", KindDevice, KindRobot:
		default:
			return fmt.Errorf("device %q: unknown kind %q", d.Name, d.Kind)
		}
		if d.Mobile && d.Kind != KindRobot {
			return fmt.Errorf("device %q: only robots can be mobile", d.Name)
		}
	}
	return nil
}

// Save writes the station config to a YAML file.
func (c *StationConfig) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
