// Package config loads the settings of the splitgate commands: a YAML file,
// then `.env` files, then SPLITGATE_* environment variables. Command line
// flags are applied last by the commands themselves.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrRead    = errors.New("config: failed to read")
	ErrParse   = errors.New("config: failed to parse")
	ErrEnv     = errors.New("config: failed to decode environment")
	ErrInvalid = errors.New("config: invalid configuration")
)

type Config struct {
	Control Control `yaml:"control"`
	Gateway Gateway `yaml:"gateway"`
	Logic   Logic   `yaml:"logic"`
	Flood   Flood   `yaml:"flood"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Control is the gateway control channel, shared by both sides.
type Control struct {
	Network string `yaml:"network" env:"SPLITGATE_CONTROL_NETWORK"`
	Addr    string `yaml:"addr" env:"SPLITGATE_CONTROL_ADDR"`
	TLS     TLS    `yaml:"tls"`
}

// TLS holds PEM file paths, only used by the QUIC control channel.
type TLS struct {
	CA         string `yaml:"ca" env:"SPLITGATE_TLS_CA"`
	Cert       string `yaml:"cert" env:"SPLITGATE_TLS_CERT"`
	Key        string `yaml:"key" env:"SPLITGATE_TLS_KEY"`
	ServerName string `yaml:"server_name" env:"SPLITGATE_TLS_SERVER_NAME"`
}

type Gateway struct {
	ClientHost  string        `yaml:"client_host" env:"SPLITGATE_CLIENT_HOST"`
	AcceptRate  float64       `yaml:"accept_rate" env:"SPLITGATE_ACCEPT_RATE"`
	AcceptBurst int           `yaml:"accept_burst" env:"SPLITGATE_ACCEPT_BURST"`
	Heartbeat   time.Duration `yaml:"heartbeat" env:"SPLITGATE_HEARTBEAT"`
	SendTimeout time.Duration `yaml:"send_timeout" env:"SPLITGATE_SEND_TIMEOUT"`
}

type Logic struct {
	ClientPort        uint16        `yaml:"client_port" env:"SPLITGATE_CLIENT_PORT"`
	WatchdogThreshold time.Duration `yaml:"watchdog_threshold" env:"SPLITGATE_WATCHDOG_THRESHOLD"`
	WatchdogPoll      time.Duration `yaml:"watchdog_poll" env:"SPLITGATE_WATCHDOG_POLL"`
	// ExitOnWatchdog kills the process instead of returning an error, so
	// that a supervisor restarts it even if the loop is stuck.
	ExitOnWatchdog bool `yaml:"exit_on_watchdog" env:"SPLITGATE_EXIT_ON_WATCHDOG"`
}

// Flood tunes the load generator.
type Flood struct {
	Target    string        `yaml:"target" env:"SPLITGATE_FLOOD_TARGET"`
	Workers   int           `yaml:"workers" env:"SPLITGATE_FLOOD_WORKERS"`
	Rate      float64       `yaml:"rate" env:"SPLITGATE_FLOOD_RATE"`
	BlockSize int           `yaml:"block_size" env:"SPLITGATE_FLOOD_BLOCK_SIZE"`
	Duration  time.Duration `yaml:"duration" env:"SPLITGATE_FLOOD_DURATION"`
}

type Log struct {
	Level  string `yaml:"level" env:"SPLITGATE_LOG_LEVEL"`
	Format string `yaml:"format" env:"SPLITGATE_LOG_FORMAT"`
	// File additionally receives JSON logs when set.
	File string `yaml:"file" env:"SPLITGATE_LOG_FILE"`
}

type Metrics struct {
	// Addr serves /metrics when set.
	Addr string `yaml:"addr" env:"SPLITGATE_METRICS_ADDR"`
}

func Default() *Config {
	return &Config{
		Control: Control{
			Network: "tcp",
			Addr:    "127.0.0.1:3719",
		},
		Gateway: Gateway{
			Heartbeat:   500 * time.Millisecond,
			SendTimeout: 4 * time.Second,
		},
		Logic: Logic{
			ClientPort:        3720,
			WatchdogThreshold: 2 * time.Second,
			WatchdogPoll:      time.Second,
		},
		Flood: Flood{
			Target:    "127.0.0.1:3720",
			Workers:   8,
			Rate:      100,
			BlockSize: 64,
			Duration:  10 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, if not empty, over the defaults, then the environment.
// envFiles are loaded into the environment first, without overriding
// variables already set; missing ones are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrRead, path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w %s: %w", ErrParse, path, err)
		}
	}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w %s: %w", ErrRead, file, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("%w: %w", ErrEnv, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.Control.Network {
	case "tcp":
	case "quic":
		if cfg.Control.TLS.Cert == "" || cfg.Control.TLS.Key == "" {
			return fmt.Errorf("%w: quic control channel needs a certificate and a key", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown control network %q", ErrInvalid, cfg.Control.Network)
	}
	if cfg.Control.Addr == "" {
		return fmt.Errorf("%w: empty control address", ErrInvalid)
	}
	if cfg.Logic.ClientPort == 0 {
		return fmt.Errorf("%w: client port cannot be 0", ErrInvalid)
	}
	if cfg.Gateway.AcceptRate < 0 || cfg.Gateway.AcceptBurst < 0 {
		return fmt.Errorf("%w: negative accept rate", ErrInvalid)
	}
	if cfg.Flood.Workers <= 0 || cfg.Flood.BlockSize <= 0 {
		return fmt.Errorf("%w: flood needs workers and a block size", ErrInvalid)
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, cfg.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return lvl, nil
}
