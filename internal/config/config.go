// Package config loads host configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenehost/internal/permission"
)

// Config is the full host configuration. Zero fields in a file keep their
// defaults.
type Config struct {
	Realm      string           `yaml:"realm"`
	Start      StartConfig      `yaml:"start"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Permission PermissionConfig `yaml:"permission"`
	Content    ContentConfig    `yaml:"content"`
	Engine     EngineConfig     `yaml:"engine"`
	Comms      CommsConfig      `yaml:"comms"`
	Store      StoreConfig      `yaml:"store"`
}

// StartConfig is where the player starts.
type StartConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

type SchedulerConfig struct {
	LoadRadius       int           `yaml:"load_radius"`
	KeepWarmRadius   int           `yaml:"keep_warm_radius"`
	TeleportDistance int           `yaml:"teleport_distance"`
	FrameBudget      time.Duration `yaml:"frame_budget"`
	MinTickBudget    time.Duration `yaml:"min_tick_budget"`
	FrameRate        int           `yaml:"frame_rate"`
}

type SandboxConfig struct {
	HardLimit    time.Duration `yaml:"hard_limit"`
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`
	DebtDecay    float64       `yaml:"debt_decay"`
	InboxSize    int           `yaml:"inbox_size"`
}

type PermissionConfig struct {
	Timeout     time.Duration         `yaml:"timeout"`
	Interactive *bool                 `yaml:"interactive"`
	Rules       []permission.RuleSpec `yaml:"rules"`
}

// IsInteractive reports whether prompts are shown. Unset means yes.
func (p PermissionConfig) IsInteractive() bool {
	return p.Interactive == nil || *p.Interactive
}

type ContentConfig struct {
	Root    string        `yaml:"root"`
	Retries uint64        `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type EngineConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MessageQuota int           `yaml:"message_quota"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

type CommsConfig struct {
	Listen   string   `yaml:"listen"`
	Peers    []string `yaml:"peers"`
	Compress *bool    `yaml:"compress"`
}

// Compression reports whether peer frames are compressed. Unset means yes.
func (c CommsConfig) Compression() bool {
	return c.Compress == nil || *c.Compress
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Realm: "main",
		Scheduler: SchedulerConfig{
			LoadRadius:       2,
			KeepWarmRadius:   4,
			TeleportDistance: 16,
			FrameBudget:      10 * time.Millisecond,
			MinTickBudget:    500 * time.Microsecond,
			FrameRate:        30,
		},
		Sandbox: SandboxConfig{
			HardLimit:    5 * time.Second,
			SpawnTimeout: 10 * time.Second,
			DebtDecay:    0.8,
			InboxSize:    64,
		},
		Permission: PermissionConfig{
			Timeout: 30 * time.Second,
		},
		Content: ContentConfig{
			Root:    "scenes",
			Retries: 3,
			Backoff: 200 * time.Millisecond,
		},
		Engine: EngineConfig{
			QueueSize: 256,
			OpTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path: "scenehost.db",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config: %d problems: %v", len(e.Problems), e.Problems)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	s := c.Scheduler
	if s.LoadRadius < 0 {
		add("scheduler.load_radius must not be negative")
	}
	if s.KeepWarmRadius < s.LoadRadius {
		add("scheduler.keep_warm_radius (%d) must be at least load_radius (%d)", s.KeepWarmRadius, s.LoadRadius)
	}
	if s.TeleportDistance <= 0 {
		add("scheduler.teleport_distance must be positive")
	}
	if s.FrameBudget <= 0 {
		add("scheduler.frame_budget must be positive")
	}
	if s.MinTickBudget <= 0 || s.MinTickBudget > s.FrameBudget {
		add("scheduler.min_tick_budget must be positive and at most frame_budget")
	}
	if s.FrameRate <= 0 || s.FrameRate > 240 {
		add("scheduler.frame_rate must be between 1 and 240")
	}

	if c.Sandbox.HardLimit <= s.FrameBudget {
		add("sandbox.hard_limit must exceed scheduler.frame_budget")
	}
	if c.Sandbox.SpawnTimeout <= 0 {
		add("sandbox.spawn_timeout must be positive")
	}
	if c.Sandbox.DebtDecay <= 0 || c.Sandbox.DebtDecay >= 1 {
		add("sandbox.debt_decay must be between 0 and 1 exclusive")
	}
	if c.Sandbox.InboxSize <= 0 {
		add("sandbox.inbox_size must be positive")
	}

	if c.Permission.Timeout <= 0 {
		add("permission.timeout must be positive")
	}
	if _, err := permission.CompileRules(c.Permission.Rules); err != nil {
		add("permission.rules: %v", err)
	}

	if c.Content.Backoff < 0 {
		add("content.backoff must not be negative")
	}
	if c.Engine.QueueSize <= 0 {
		add("engine.queue_size must be positive")
	}
	if c.Engine.MessageQuota < 0 {
		add("engine.message_quota must not be negative")
	}
	if c.Store.Path == "" {
		add("store.path is required")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
