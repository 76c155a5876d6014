package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/flow"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, BUS_URL, FLOW_THRESHOLD, ...)
//  2. YAML config file (~/.config/taskd/config.yaml)
//  3. Defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/taskd/config.yaml is used.
//
// Configuration files must live under ~/.config/taskd/ or /etc/taskd/,
// carry 0600 or 0400 permissions, and stay under 1MB. Environment
// variables map SECTION_FIELD_NAME to section.field_name, splitting on
// the first underscore only.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "taskd", "config.yaml")
	}

	// Path validation runs even if the file doesn't exist.
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables override file values. SECTION_FIELD_NAME maps
	// to section.field_name: split on the first underscore only so field
	// names keep theirs.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the taskd config directory if it doesn't exist,
// with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "taskd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories; keep
	// the absolute path when the file doesn't exist yet.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "taskd"),
		"/etc/taskd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/taskd/ or /etc/taskd/")
}

// validateConfigFileProperties checks permissions and size of an existing
// file, using FileInfo from the already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills missing values section by section.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Bus.Name == "" {
		cfg.Bus.Name = "taskd"
	}
	if cfg.Bus.RequestTimeout == 0 {
		cfg.Bus.RequestTimeout = 30 * time.Second
	}
	if cfg.Bus.DedupWindow == 0 {
		cfg.Bus.DedupWindow = 5 * time.Minute
	}

	if cfg.Engine.PipelineDir == "" {
		cfg.Engine.PipelineDir = "pipelines"
	}
	if cfg.Engine.DefaultStepTimeout == 0 {
		cfg.Engine.DefaultStepTimeout = engine.NewDefaultConfig().DefaultStepTimeout
	}
	if cfg.Engine.Retry.MaxRetries == 0 && cfg.Engine.Retry.Base == 0 {
		cfg.Engine.Retry = agent.DefaultRetryPolicy()
	}

	if cfg.Flow.MaxAttempts == 0 {
		cfg.Flow.MaxAttempts = flow.NewDefaultConfig().MaxAttempts
	}
	if cfg.Flow.Threshold == 0 {
		cfg.Flow.Threshold = flow.NewDefaultConfig().Threshold
	}

	// Checkpoint.DefaultTTL stays zero unless configured: gates without
	// their own ttl wait indefinitely.
	if cfg.Checkpoint.SweepInterval == 0 {
		cfg.Checkpoint.SweepInterval = checkpoint.NewDefaultConfig().SweepInterval
	}

	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = orchestrator.NewDefaultPoolConfig().Workers
	}
	if cfg.Pool.QueueDepth == 0 {
		cfg.Pool.QueueDepth = orchestrator.NewDefaultPoolConfig().QueueDepth
	}

	defaults := logging.NewDefaultConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Format
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "taskd"
	}
}
