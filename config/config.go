package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	BreakerTrip  uint32        `yaml:"breaker_trip"`
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// MQTTConfig controls the broker connection shared by the command
// dispatcher and the inbound router.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxRetries     uint64        `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	Quiesce        time.Duration `yaml:"quiesce"`
}

// StoreConfig selects the device persistence backend.
//
//	store: { driver: sqlite, path: ./data/infusionrelay.db }
//	store: { driver: dynamodb, table: devices, region: eu-west-1 }
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type TelemetryConfig struct {
	StatusTTL   time.Duration `yaml:"status_ttl"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
	ErrorTTL    time.Duration `yaml:"error_ttl"`
	DegradedTTL time.Duration `yaml:"degraded_ttl"`
}

type BroadcastConfig struct {
	StatusInterval   time.Duration `yaml:"status_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	MaxLoops         int           `yaml:"max_loops"`
	ClientRate       float64       `yaml:"client_rate"`
	ClientBurst      int           `yaml:"client_burst"`
}

// SweepConfig controls the optional background degraded sweep.
// Detection is on-demand only when disabled.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type LoggingConfig struct {
	Level   string     `yaml:"level"`
	Console bool       `yaml:"console"`
	File    FileConfig `yaml:"file"`
}

type FileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			BreakerTrip:  5,
			BreakerReset: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			QoS:            1,
			ConnectTimeout: 4 * time.Second,
			PublishTimeout: 5 * time.Second,
			MaxRetries:     5,
			RetryBase:      time.Second,
			RetryMax:       30 * time.Second,
			Quiesce:        250 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/infusionrelay.db",
			Table:  "devices",
		},
		Telemetry: TelemetryConfig{
			StatusTTL:   10 * time.Second,
			ProgressTTL: 5 * time.Second,
			ErrorTTL:    300 * time.Second,
			DegradedTTL: 30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			StatusInterval:   5 * time.Second,
			ProgressInterval: 2 * time.Second,
			MaxLoops:         1024,
			ClientRate:       20,
			ClientBurst:      60,
		},
		Sweep: SweepConfig{
			Schedule: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File: FileConfig{
				Path:       "log/infusionrelay.log",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(b, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode strictly unmarshals YAML into cfg, rejecting unknown keys.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HTTP_ADDR", &cfg.Server.Addr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_PATH", &cfg.Store.Path)
	str("DYNAMODB_DEVICES_TABLE", &cfg.Store.Table)
	str("AWS_REGION", &cfg.Store.Region)
	str("DYNAMODB_ENDPOINT", &cfg.Store.Endpoint)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := lookup("REDIS_DB"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v, ok := lookup("SWEEP_ENABLED"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Sweep.Enabled = b
		}
	}
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "dynamodb":
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	t := c.Telemetry
	for name, d := range map[string]time.Duration{
		"telemetry.status_ttl":   t.StatusTTL,
		"telemetry.progress_ttl": t.ProgressTTL,
		"telemetry.error_ttl":    t.ErrorTTL,
		"telemetry.degraded_ttl": t.DegradedTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}

	// A live device must be refreshed before its entry expires.
	b := c.Broadcast
	if b.StatusInterval <= 0 || b.StatusInterval >= t.StatusTTL {
		errs = append(errs, errors.New("broadcast.status_interval must be > 0 and < telemetry.status_ttl"))
	}
	if b.ProgressInterval <= 0 || b.ProgressInterval >= t.ProgressTTL {
		errs = append(errs, errors.New("broadcast.progress_interval must be > 0 and < telemetry.progress_ttl"))
	}
	if b.MaxLoops <= 0 {
		errs = append(errs, errors.New("broadcast.max_loops must be > 0"))
	}
	if c.Sweep.Enabled && strings.TrimSpace(c.Sweep.Schedule) == "" {
		errs = append(errs, errors.New("sweep.schedule is required when sweep is enabled"))
	}
	return errors.Join(errs...)
}
