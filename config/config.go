// Package config loads process configuration.
//
// Priority: environment (EXCHANGE_*) > .env file > YAML file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zkim73895/tochka-stock-zhstb/infra/logging"
)

type Server struct {
	HTTPAddr    string   `yaml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Journal struct {
	Driver        string        `yaml:"driver"` // memory | wal | pebble
	Dir           string        `yaml:"dir"`
	SegmentSize   int64         `yaml:"segment_size"`
	AppendTimeout time.Duration `yaml:"append_timeout"`
	MaxRetries    uint64        `yaml:"max_retries"`
}

type Sequencer struct {
	Mode string `yaml:"mode"` // instrument | global
}

type Registry struct {
	DSN string `yaml:"dsn"` // empty keeps instruments in memory
}

type Outbox struct {
	Dir      string        `yaml:"dir"` // empty disables outbound events
	Interval time.Duration `yaml:"interval"`
}

type Publisher struct {
	Driver  string   `yaml:"driver"` // none | log | sarama | kafka-go
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Intake struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type Snapshot struct {
	Dir      string        `yaml:"dir"` // empty disables snapshots
	Interval time.Duration `yaml:"interval"`
}

type Shard struct {
	QueueSize int `yaml:"queue_size"`
}

type Config struct {
	Server    Server         `yaml:"server"`
	Log       logging.Config `yaml:"log"`
	Journal   Journal        `yaml:"journal"`
	Sequencer Sequencer      `yaml:"sequencer"`
	Registry  Registry       `yaml:"registry"`
	Outbox    Outbox         `yaml:"outbox"`
	Publisher Publisher      `yaml:"publisher"`
	Intake    Intake         `yaml:"intake"`
	Snapshot  Snapshot       `yaml:"snapshot"`
	Shard     Shard          `yaml:"shard"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			CORSOrigins: []string{"*"},
		},
		Log: logging.Config{Level: "info", Format: "json"},
		Journal: Journal{
			Driver:        "wal",
			Dir:           "data/journal",
			SegmentSize:   64 << 20,
			AppendTimeout: 2 * time.Second,
			MaxRetries:    3,
		},
		Sequencer: Sequencer{Mode: "instrument"},
		Registry:  Registry{DSN: "data/instruments.db"},
		Outbox:    Outbox{Dir: "data/outbox", Interval: 250 * time.Millisecond},
		Publisher: Publisher{Driver: "log", Topic: "exchange.events"},
		Intake:    Intake{Topic: "exchange.orders", GroupID: "matching"},
		Snapshot:  Snapshot{Dir: "data/snapshots", Interval: time.Minute},
		Shard:     Shard{QueueSize: 1024},
	}
}

// Load reads the optional YAML file at path and the optional .env file at
// envPath, then applies EXCHANGE_* overrides and validates the result.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	} else {
		_ = godotenv.Load() // .env in the working directory, if any
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Journal.Driver {
	case "memory":
	case "wal", "pebble":
		if c.Journal.Dir == "" {
			return errors.New("journal.dir is required")
		}
	default:
		return fmt.Errorf("unknown journal.driver %q", c.Journal.Driver)
	}
	if c.Journal.AppendTimeout <= 0 {
		return errors.New("journal.append_timeout must be positive")
	}

	switch c.Sequencer.Mode {
	case "instrument", "global":
	default:
		return fmt.Errorf("unknown sequencer.mode %q", c.Sequencer.Mode)
	}

	switch c.Publisher.Driver {
	case "none", "log":
	case "sarama", "kafka-go":
		if len(c.Publisher.Brokers) == 0 || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher %s needs brokers and topic", c.Publisher.Driver)
		}
		if c.Outbox.Dir == "" {
			return errors.New("a broker publisher needs outbox.dir")
		}
	default:
		return fmt.Errorf("unknown publisher.driver %q", c.Publisher.Driver)
	}

	if c.Intake.Enabled && (len(c.Intake.Brokers) == 0 || c.Intake.Topic == "" || c.Intake.GroupID == "") {
		return errors.New("intake needs brokers, topic and group_id")
	}
	if c.Outbox.Dir != "" && c.Outbox.Interval <= 0 {
		return errors.New("outbox.interval must be positive")
	}
	if c.Snapshot.Dir != "" && c.Snapshot.Interval <= 0 {
		return errors.New("snapshot.interval must be positive")
	}
	if c.Shard.QueueSize <= 0 {
		return errors.New("shard.queue_size must be positive")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	return nil
}

func overrideWithEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("EXCHANGE_" + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv("EXCHANGE_" + key); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv("EXCHANGE_" + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("EXCHANGE_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, set func(int64)) {
		if v, ok := os.LookupEnv("EXCHANGE_" + key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Errorf("EXCHANGE_%s: invalid number %q", key, v))
				return
			}
			set(n)
		}
	}

	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	list("CORS_ORIGINS", &cfg.Server.CORSOrigins)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	str("JOURNAL_DRIVER", &cfg.Journal.Driver)
	str("JOURNAL_DIR", &cfg.Journal.Dir)
	num("JOURNAL_SEGMENT_SIZE", func(n int64) { cfg.Journal.SegmentSize = n })
	dur("JOURNAL_APPEND_TIMEOUT", &cfg.Journal.AppendTimeout)
	num("JOURNAL_MAX_RETRIES", func(n int64) { cfg.Journal.MaxRetries = uint64(n) })

	str("SEQUENCER_MODE", &cfg.Sequencer.Mode)
	str("REGISTRY_DSN", &cfg.Registry.DSN)

	str("OUTBOX_DIR", &cfg.Outbox.Dir)
	dur("OUTBOX_INTERVAL", &cfg.Outbox.Interval)

	str("PUBLISHER_DRIVER", &cfg.Publisher.Driver)
	list("PUBLISHER_BROKERS", &cfg.Publisher.Brokers)
	str("PUBLISHER_TOPIC", &cfg.Publisher.Topic)

	if v, ok := os.LookupEnv("EXCHANGE_INTAKE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EXCHANGE_INTAKE_ENABLED: %w", err))
		}
		cfg.Intake.Enabled = b
	}
	list("INTAKE_BROKERS", &cfg.Intake.Brokers)
	str("INTAKE_TOPIC", &cfg.Intake.Topic)
	str("INTAKE_GROUP_ID", &cfg.Intake.GroupID)

	str("SNAPSHOT_DIR", &cfg.Snapshot.Dir)
	dur("SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	num("SHARD_QUEUE_SIZE", func(n int64) { cfg.Shard.QueueSize = int(n) })

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
