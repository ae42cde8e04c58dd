package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultMarker is the literal an agent prints when a story is finished.
const DefaultMarker = "<promise>COMPLETE</promise>"

// Config is the root configuration for a storyloop project.
type Config struct {
	Version  int    `yaml:"version" mapstructure:"version"`
	Backlog  string `yaml:"backlog" mapstructure:"backlog"`     // Backlog document path
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"` // Events, records, counter, ledger
	Agent    Agent  `yaml:"agent" mapstructure:"agent"`
	Loop     Loop   `yaml:"loop" mapstructure:"loop"`
}

// Agent describes the executor process and how to hand it a prompt.
type Agent struct {
	Cmd        string   `yaml:"cmd" mapstructure:"cmd"`                           // CLI command to spawn
	Args       []string `yaml:"args,omitempty" mapstructure:"args"`               // CLI arguments
	PromptVia  string   `yaml:"prompt_via,omitempty" mapstructure:"prompt_via"`   // "arg" (default) or "stdin"
	TimeoutSec int      `yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"` // Timeout in seconds (0 = default 1800)
	AutoAccept bool     `yaml:"auto_accept,omitempty" mapstructure:"auto_accept"` // Auto-accept all agent actions (skip permissions)
}

// Loop holds the knobs of the iteration loop.
type Loop struct {
	MaxIterations    int    `yaml:"max_iterations" mapstructure:"max_iterations"`
	StaleSeconds     int    `yaml:"stale_seconds" mapstructure:"stale_seconds"` // 0 disables the reaper
	NoCommit         bool   `yaml:"no_commit" mapstructure:"no_commit"`
	CompletionMarker string `yaml:"completion_marker" mapstructure:"completion_marker"`
	Mode             string `yaml:"mode" mapstructure:"mode"`
}

// StaleAfter returns the reaper threshold.
func (l Loop) StaleAfter() time.Duration {
	return time.Duration(l.StaleSeconds) * time.Second
}

// EffectiveArgs returns the final args for the agent, injecting
// non-interactive and auto-accept flags for known CLI tools.
//
// Known tools and their flags:
//   - claude: --print --dangerously-skip-permissions
//   - gemini: --yolo
//   - codex:  --full-auto
//
// Permission flags only apply when auto_accept: true.
func (a Agent) EffectiveArgs() []string {
	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch filepath.Base(a.Cmd) {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// DefaultTimeout returns the effective timeout for the agent in seconds.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 1800
}

// State file layout under StateDir.

func (c *Config) EventsPath() string   { return filepath.Join(c.StateDir, "events.jsonl") }
func (c *Config) CounterPath() string  { return filepath.Join(c.StateDir, "counter.json") }
func (c *Config) PausePath() string    { return filepath.Join(c.StateDir, "pause") }
func (c *Config) LedgerPath() string   { return filepath.Join(c.StateDir, "ledger.db") }
func (c *Config) SnapshotPath() string { return filepath.Join(c.StateDir, "snapshot.json") }

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config driving claude.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Backlog:  "backlog.json",
		StateDir: ".storyloop",
		Agent: Agent{
			Cmd:        "claude",
			PromptVia:  "arg",
			AutoAccept: true,
		},
		Loop: Loop{
			MaxIterations:    10,
			CompletionMarker: DefaultMarker,
			Mode:             "build",
		},
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"backlog":        "backlog",
	"state-dir":      "state_dir",
	"agent":          "agent.cmd",
	"max-iterations": "loop.max_iterations",
	"stale-seconds":  "loop.stale_seconds",
	"no-commit":      "loop.no_commit",
	"mode":           "loop.mode",
}

// Resolve builds the single effective config: defaults, then the YAML file
// at path if it exists, then STORYLOOP_* environment variables, then any
// flags in flags that were set explicitly.
func Resolve(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := DefaultConfig()
	v.SetDefault("version", def.Version)
	v.SetDefault("backlog", def.Backlog)
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("agent.cmd", def.Agent.Cmd)
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.prompt_via", def.Agent.PromptVia)
	v.SetDefault("agent.timeout_sec", def.Agent.TimeoutSec)
	v.SetDefault("agent.auto_accept", def.Agent.AutoAccept)
	v.SetDefault("loop.max_iterations", def.Loop.MaxIterations)
	v.SetDefault("loop.stale_seconds", def.Loop.StaleSeconds)
	v.SetDefault("loop.no_commit", def.Loop.NoCommit)
	v.SetDefault("loop.completion_marker", def.Loop.CompletionMarker)
	v.SetDefault("loop.mode", def.Loop.Mode)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("STORYLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backlog == "" {
		return fmt.Errorf("backlog: path is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir: path is required")
	}
	if c.Agent.Cmd == "" {
		return fmt.Errorf("agent.cmd: command is required")
	}
	if c.Agent.PromptVia != "" && c.Agent.PromptVia != "arg" && c.Agent.PromptVia != "stdin" {
		return fmt.Errorf("agent.prompt_via: must be 'arg' or 'stdin', got %q", c.Agent.PromptVia)
	}
	if c.Agent.TimeoutSec < 0 {
		return fmt.Errorf("agent.timeout_sec: must not be negative, got %d", c.Agent.TimeoutSec)
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations: must be at least 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.StaleSeconds < 0 {
		return fmt.Errorf("loop.stale_seconds: must not be negative, got %d", c.Loop.StaleSeconds)
	}
	if c.Loop.CompletionMarker == "" {
		return fmt.Errorf("loop.completion_marker: must not be empty")
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
