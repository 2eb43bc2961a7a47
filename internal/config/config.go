// Package config loads the harness's YAML configuration tree. It owns the
// struct shape, defaulting, and config-file discovery (Load); project-type
// detection and the broader dotfile ecosystem live outside the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for the harness core.
type Config struct {
	LM         LMConfig         `yaml:"lm"`
	Policy     PolicyConfig     `yaml:"policy"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LMConfig configures the LM client, including tier resolution.
type LMConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Tiers   map[string]string `yaml:"tiers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PolicyConfig selects the budget preset and extra writable paths.
type PolicyConfig struct {
	Preset        string   `yaml:"preset"` // safe | balanced | full
	WritablePaths []string `yaml:"writable_paths"`
}

// WorkspaceConfig points at the source tree the harness operates on.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	ShellTimeout  time.Duration `yaml:"shell_timeout"`
}

// TasksConfig configures the background task queue's storage location.
type TasksConfig struct {
	DBPath  string `yaml:"db_path"`
	LogDir  string `yaml:"log_dir"`
}

// LoggingConfig selects the slog handler and verbosity.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".open_harness")
	return &Config{
		LM: LMConfig{
			BaseURL: "http://localhost:8080/v1",
			Tiers: map[string]string{
				"small":  "small-local",
				"medium": "medium-local",
				"large":  "large-local",
			},
			RequestTimeout: 120 * time.Second,
		},
		Policy: PolicyConfig{
			Preset: "safe",
		},
		Workspace: WorkspaceConfig{
			Root:         ".",
			ShellTimeout: 30 * time.Second,
		},
		Tasks: TasksConfig{
			DBPath: filepath.Join(base, "tasks.db"),
			LogDir: filepath.Join(base, "logs"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// sanitize fills in zero-valued fields with defaults, the way the teacher's
// sanitizeLoopConfig pass does for the agentic loop.
func sanitize(cfg *Config) *Config {
	d := Default()
	if cfg.LM.BaseURL == "" {
		cfg.LM.BaseURL = d.LM.BaseURL
	}
	if len(cfg.LM.Tiers) == 0 {
		cfg.LM.Tiers = d.LM.Tiers
	}
	if cfg.LM.RequestTimeout <= 0 {
		cfg.LM.RequestTimeout = d.LM.RequestTimeout
	}
	if cfg.Policy.Preset == "" {
		cfg.Policy.Preset = d.Policy.Preset
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = d.Workspace.Root
	}
	if cfg.Workspace.ShellTimeout <= 0 {
		cfg.Workspace.ShellTimeout = d.Workspace.ShellTimeout
	}
	if cfg.Tasks.DBPath == "" {
		cfg.Tasks.DBPath = d.Tasks.DBPath
	}
	if cfg.Tasks.LogDir == "" {
		cfg.Tasks.LogDir = d.Tasks.LogDir
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	return cfg
}

// Load resolves the configuration file using the precedence order:
// explicit path > ./open_harness.yaml > ~/.open_harness/open_harness.yaml >
// built-in defaults. The legacy name config.yaml is also accepted at each
// location.
func Load(explicitPath string) (*Config, error) {
	candidates := []string{}
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	candidates = append(candidates, "open_harness.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".open_harness", "open_harness.yaml"),
			filepath.Join(home, ".open_harness", "config.yaml"),
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				if explicitPath != "" && path == explicitPath {
					return nil, fmt.Errorf("config file not found: %s", explicitPath)
				}
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg := &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		return sanitize(cfg), nil
	}

	if explicitPath != "" {
		return nil, fmt.Errorf("config file not found: %s", explicitPath)
	}
	return Default(), nil
}
