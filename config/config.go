package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/nightguard/closer"
	"github.com/rustyeddy/nightguard/night"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/rustyeddy/nightguard/scheduler"
	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from the file.
const (
	EnvToken   = "NIGHTGUARD_TOKEN"
	EnvAccount = "NIGHTGUARD_ACCOUNT"
	// EnvOandaToken is honoured when EnvToken is unset.
	EnvOandaToken = "OANDA_TOKEN"
)

// Config is loaded once at startup and not modified afterwards.
type Config struct {
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Night     NightConfig     `json:"night" yaml:"night"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Closer    CloserConfig    `json:"closer" yaml:"closer"`
	RulesFile string          `json:"rules_file" yaml:"rules_file"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type BrokerConfig struct {
	Type      string `json:"type" yaml:"type"` // "sim" or "oanda"
	Env       string `json:"env,omitempty" yaml:"env,omitempty"`
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`
	// Timezone is the broker's server time zone, e.g. "Europe/Athens".
	Timezone      string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	LoginAttempts int      `json:"login_attempts" yaml:"login_attempts"`
	LoginBackoff  Duration `json:"login_backoff" yaml:"login_backoff"`
}

type NightConfig struct {
	Start          rules.TimeOfDay `json:"start" yaml:"start"`
	StartDayOffset int             `json:"start_day_offset" yaml:"start_day_offset"`
	End            rules.TimeOfDay `json:"end" yaml:"end"`
	EndDayOffset   int             `json:"end_day_offset" yaml:"end_day_offset"`
}

type SchedulerConfig struct {
	SafetyMargin     Duration `json:"safety_margin" yaml:"safety_margin"`
	OverdueThreshold Duration `json:"overdue_threshold" yaml:"overdue_threshold"`
	MaxSleep         Duration `json:"max_sleep" yaml:"max_sleep"`
}

type CloserConfig struct {
	DryRun   bool     `json:"dry_run" yaml:"dry_run"`
	Session  string   `json:"session" yaml:"session"`
	Comment  string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	Attempts int      `json:"attempts" yaml:"attempts"`
	Backoff  Duration `json:"backoff" yaml:"backoff"`
	Workers  int      `json:"workers" yaml:"workers"`
}

type JournalConfig struct {
	Type string `json:"type" yaml:"type"` // "csv" or "sqlite"
	Path string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

type MetricsConfig struct {
	// Listen is the address for /metrics; empty disables it.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Duration reads and writes Go duration strings ("1s", "5m").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults, overlays credentials from the environment, then validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides credentials with values found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Broker.Token = v
	} else if v, ok := lookup(EnvOandaToken); ok && v != "" && c.Broker.Token == "" {
		c.Broker.Token = v
	}
	if v, ok := lookup(EnvAccount); ok && v != "" {
		c.Broker.AccountID = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension).
// The token is never written.
func (c *Config) SaveToFile(path string) error {
	out := *c
	out.Broker.Token = ""

	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(&out)
	} else {
		data, err = json.MarshalIndent(&out, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "sim":
	case "oanda":
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required for oanda (or set %s)", EnvAccount)
		}
		if c.Broker.Token == "" {
			return fmt.Errorf("broker.token is required for oanda (set %s)", EnvToken)
		}
	default:
		return fmt.Errorf("broker.type must be 'sim' or 'oanda'")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("broker.timezone: %w", err)
	}
	if c.Broker.LoginAttempts < 1 {
		return fmt.Errorf("broker.login_attempts must be at least 1")
	}
	if c.Broker.LoginBackoff < 0 {
		return fmt.Errorf("broker.login_backoff must not be negative")
	}

	if err := c.NightWindow().Validate(); err != nil {
		return fmt.Errorf("night: %w", err)
	}

	if c.Scheduler.SafetyMargin < 0 {
		return fmt.Errorf("scheduler.safety_margin must not be negative")
	}
	if c.Scheduler.OverdueThreshold <= 0 {
		return fmt.Errorf("scheduler.overdue_threshold must be positive")
	}
	if c.Scheduler.MaxSleep <= 0 {
		return fmt.Errorf("scheduler.max_sleep must be positive")
	}

	if strings.TrimSpace(c.Closer.Session) == "" {
		return fmt.Errorf("closer.session is required")
	}
	if c.Closer.Attempts < 1 {
		return fmt.Errorf("closer.attempts must be at least 1")
	}
	if c.Closer.Backoff < 0 {
		return fmt.Errorf("closer.backoff must not be negative")
	}
	if c.Closer.Workers < 1 {
		return fmt.Errorf("closer.workers must be at least 1")
	}

	if c.RulesFile == "" {
		return fmt.Errorf("rules_file is required")
	}

	if c.Journal.Type != "csv" && c.Journal.Type != "sqlite" {
		return fmt.Errorf("journal.type must be 'csv' or 'sqlite'")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}

	if f := c.Log.Format; f != "" && f != "console" && f != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	nc := night.DefaultConfig()
	so := scheduler.DefaultOptions()
	co := closer.DefaultOptions()

	return &Config{
		Broker: BrokerConfig{
			Type:          "sim",
			Env:           "practice",
			LoginAttempts: night.DefaultLoginAttempts,
			LoginBackoff:  Duration(night.DefaultLoginBackoff),
		},
		Night: NightConfig{
			Start:          nc.Start,
			StartDayOffset: nc.StartDayOffset,
			End:            nc.End,
			EndDayOffset:   nc.EndDayOffset,
		},
		Scheduler: SchedulerConfig{
			SafetyMargin:     Duration(so.SafetyMargin),
			OverdueThreshold: Duration(so.OverdueThreshold),
			MaxSleep:         Duration(so.MaxSleep),
		},
		Closer: CloserConfig{
			Session:  co.Session,
			Comment:  "nightguard",
			Attempts: co.Attempts,
			Backoff:  Duration(co.Backoff),
			Workers:  co.Workers,
		},
		RulesFile: "./rules.csv",
		Journal: JournalConfig{
			Type: "csv",
			Path: "./nightguard-report.csv",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Location is the broker time zone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Broker.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Broker.Timezone)
}

func (c *Config) NightWindow() night.Config {
	return night.Config{
		Start:          c.Night.Start,
		StartDayOffset: c.Night.StartDayOffset,
		End:            c.Night.End,
		EndDayOffset:   c.Night.EndDayOffset,
	}
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		SafetyMargin:     c.Scheduler.SafetyMargin.D(),
		OverdueThreshold: c.Scheduler.OverdueThreshold.D(),
		MaxSleep:         c.Scheduler.MaxSleep.D(),
	}
}

func (c *Config) CloserOptions() closer.Options {
	o := closer.DefaultOptions()
	o.DryRun = c.Closer.DryRun
	o.Session = c.Closer.Session
	o.Comment = c.Closer.Comment
	o.Attempts = c.Closer.Attempts
	o.Backoff = c.Closer.Backoff.D()
	o.Workers = c.Closer.Workers
	return o
}

func (c *Config) SessionOptions() night.Options {
	o := night.DefaultOptions()
	o.Window = c.NightWindow()
	o.Scheduler = c.SchedulerOptions()
	return o
}

func (c *Config) RunnerOptions(once bool) night.RunnerOptions {
	return night.RunnerOptions{
		Session:       c.SessionOptions(),
		LoginAttempts: c.Broker.LoginAttempts,
		LoginBackoff:  c.Broker.LoginBackoff.D(),
		Once:          once,
	}
}
