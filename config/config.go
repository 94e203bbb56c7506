package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the lab server configuration.
type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Web        WebConfig        `yaml:"web"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Data       DataConfig       `yaml:"data"`
	StationRPC StationRPCConfig `yaml:"station_rpc"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type MongoDBConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RedisConfig locates the lease server. An empty address selects the
// in-process lease.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKeyHash is a bcrypt hash of the shared API key. Empty disables the check.
	APIKeyHash string `yaml:"api_key_hash"`
}

type MessagingConfig struct {
	Kafka               KafkaConfig   `yaml:"kafka"`
	EventsTopic         string        `yaml:"events_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
	NodeID              string        `yaml:"node_id"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	// Partitions is used when the events topic has to be created.
	Partitions int `yaml:"partitions"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	OrphanGrace     time.Duration `yaml:"orphan_grace"`
	OrphanPolicy    string        `yaml:"orphan_policy"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// Orphan policies for operations left IN_PROGRESS by a previous run.
const (
	OrphanFail    = "fail"
	OrphanRequeue = "requeue"
)

type DataConfig struct {
	Folder string `yaml:"folder"`
}

type StationRPCConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`
	BreakerHalfOpenN uint32        `yaml:"breaker_half_open_requests"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "ochralab.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "ochralab",
				User:     "ochralab",
				Password: "",
				SSLMode:  "disable",
			},
			MongoDB: MongoDBConfig{
				URI:            "mongodb://localhost:27017",
				Database:       "ochra",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Redis: RedisConfig{
			Address:  "",
			Password: "",
			DB:       0,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Messaging: MessagingConfig{
			Kafka: KafkaConfig{
				Brokers:    []string{},
				Partitions: 3,
			},
			EventsTopic:         "ochra.lab.events",
			OutboxDrainInterval: 5 * time.Second,
			NodeID:              "lab",
		},
		Scheduler: SchedulerConfig{
			PollInterval:    time.Second,
			LeaseTTL:        10 * time.Minute,
			OrphanGrace:     2 * time.Minute,
			OrphanPolicy:    OrphanFail,
			DispatchTimeout: 0,
		},
		Data: DataConfig{
			Folder: "data",
		},
		StationRPC: StationRPCConfig{
			Timeout:          0,
			BreakerFailures:  5,
			BreakerOpenFor:   30 * time.Second,
			BreakerHalfOpenN: 1,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Defaults()
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
	return cfg, nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Lock()   { c.mu.Lock() }
func (c *Config) Unlock() { c.mu.Unlock() }
