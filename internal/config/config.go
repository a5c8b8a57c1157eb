// Package config handles the .flowstate directory every project gets and the
// config.yaml inside it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/flowstate/internal/state"
)

const (
	// ProjectDirName is the directory created in each project root.
	ProjectDirName = ".flowstate"

	defaultDataDir     = "data"
	defaultFlowsDir    = "flows"
	defaultConcurrency = 4
)

const defaultProjectConfigYAML = `# flowstate project configuration
version: 1

# Where executions, logs, metrics and task files are kept. Relative paths are
# resolved against the project directory.
data_dir: .flowstate/data

# Directory searched for flow definitions by "flowstate run <name>".
flows_dir: flows

workers:
  # Task runs executed in parallel by "flowstate run".
  concurrency: 4

# HTTP bridge accepting task run state reports from external runners.
bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765
  # Reports buffered per execution until "serve" starts following it.
  backlog: 50
  # Recently seen event ids remembered for deduplication.
  dedupe_window: 1024

purge:
  # States purged by "flowstate purge" when --states is not given.
  default_states: [SUCCESS, WARNING, FAILED, KILLED]
`

// WorkersConfig tunes the local worker pool.
type WorkersConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// BridgeConfig is the raw bridge section; eventbridge.SettingsFromConfig
// applies defaults and environment overrides.
type BridgeConfig struct {
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty"`
	QueueSize    int           `yaml:"queue_size,omitempty"`
	Backlog      int           `yaml:"backlog,omitempty"`
	DedupeWindow int           `yaml:"dedupe_window,omitempty"`
}

// PurgeConfig holds purge defaults.
type PurgeConfig struct {
	DefaultStates []string `yaml:"default_states,omitempty"`
}

// ProjectConfig models .flowstate/config.yaml.
type ProjectConfig struct {
	Version  int           `yaml:"version"`
	DataDir  string        `yaml:"data_dir"`
	FlowsDir string        `yaml:"flows_dir"`
	Workers  WorkersConfig `yaml:"workers"`
	Bridge   BridgeConfig  `yaml:"bridge"`
	Purge    PurgeConfig   `yaml:"purge"`
}

// Config holds the runtime configuration of one project.
type Config struct {
	// ProjectDir is the directory flowstate was started from.
	ProjectDir string
	// StateDir is ProjectDir/.flowstate.
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .flowstate directory and a commented default config
// if none exists yet.
func InitDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, ProjectDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", stateDir, err)
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// Load reads the project config, falling back to defaults when the file is
// missing, then applies FLOWSTATE_WORKERS.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.Project.normalize(cfg.ProjectDir)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ConfigPath returns the on-disk location of the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// DataDir returns the absolute data directory.
func (c *Config) DataDir() string {
	return c.Project.DataDir
}

// FlowsDir returns the absolute flow definition directory.
func (c *Config) FlowsDir() string {
	return c.Project.FlowsDir
}

// Concurrency returns the worker pool size.
func (c *Config) Concurrency() int {
	return c.Project.Workers.Concurrency
}

// PurgeStates returns the parsed default purge states.
func (c *Config) PurgeStates() ([]state.State, error) {
	return state.ParseList(c.Project.Purge.DefaultStates)
}

// Save writes the project config back to disk.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.Project = parsed
	return nil
}

func (c *Config) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("FLOWSTATE_WORKERS")); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			c.Project.Workers.Concurrency = n
		}
	}
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.DataDir) == "" {
		pc.DataDir = filepath.Join(ProjectDirName, defaultDataDir)
	}
	if strings.TrimSpace(pc.FlowsDir) == "" {
		pc.FlowsDir = defaultFlowsDir
	}
	if pc.Workers.Concurrency == 0 {
		pc.Workers.Concurrency = defaultConcurrency
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.DataDir = resolvePath(base, pc.DataDir)
	pc.FlowsDir = resolvePath(base, pc.FlowsDir)
	for i, raw := range pc.Purge.DefaultStates {
		pc.Purge.DefaultStates[i] = strings.ToUpper(strings.TrimSpace(raw))
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Workers.Concurrency < 1 {
		return fmt.Errorf("workers.concurrency must be >= 1")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 1 and 65535")
	}
	states, err := state.ParseList(pc.Purge.DefaultStates)
	if err != nil {
		return fmt.Errorf("purge.default_states: %w", err)
	}
	for _, s := range states {
		if !s.IsTerminal() {
			return fmt.Errorf("purge.default_states: %s is not a terminal state", s)
		}
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
