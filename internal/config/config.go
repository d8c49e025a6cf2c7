// Package config loads the bridge configuration and the downstream MCP
// server records the bridge proxies.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment override key.
	EnvPrefix = "BRIDGE_"
	// DefaultStateDir holds per-invocation IPC directories.
	DefaultStateDir = ".mcp-bridge"
)

// Config captures all tunable settings for the code-execution bridge.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Servers ServersConfig `yaml:"servers"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// SandboxConfig controls the container sandbox every run_python call spawns.
type SandboxConfig struct {
	// Runtime forces a container runtime ("podman" or "docker"). Empty means
	// probe podman first, then docker.
	Runtime string `yaml:"runtime"`
	// Image is the container image the sandbox runs. Must carry a python3.
	Image string `yaml:"image"`
	// DefaultTimeout (seconds) applies when run_python omits timeout.
	DefaultTimeout int `yaml:"timeout"`
	// MaxTimeout (seconds) caps any requested timeout.
	MaxTimeout int `yaml:"max_timeout"`
	// Memory limit passed to the runtime (e.g. "512m").
	Memory string `yaml:"memory"`
	// Pids caps the number of processes inside the sandbox.
	Pids int `yaml:"pids"`
	// CPUs limit (e.g. "1.5"). Empty means host default.
	CPUs string `yaml:"cpus"`
	// ContainerUser is the uid:gid the sandbox process runs as.
	ContainerUser string `yaml:"container_user"`
	// RuntimeIdleTimeout (seconds) before an idle Podman machine is stopped.
	RuntimeIdleTimeout int `yaml:"runtime_idle_timeout"`
	// StateDir holds per-invocation IPC directories.
	StateDir string `yaml:"state_dir"`
	// OutputMode selects the text rendering: "compact" or "token-oriented".
	OutputMode string `yaml:"output_mode"`
	// PassEnv lists host environment variables forwarded into the sandbox.
	// Everything else is withheld.
	PassEnv []string `yaml:"pass_env"`
}

// ServersConfig points at the mcp.json-style files that enumerate
// downstream servers.
type ServersConfig struct {
	Paths []string `yaml:"paths"`
}

// DefaultConfig provides the documented defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "codebridge-mcp",
			Version:  "0.1.0",
			LogFile:  "codebridge-mcp.log",
			LogLevel: "info",
		},
		Sandbox: SandboxConfig{
			Image:              "python:3.12-slim",
			DefaultTimeout:     30,
			MaxTimeout:         120,
			Memory:             "512m",
			Pids:               128,
			ContainerUser:      "65534:65534",
			RuntimeIdleTimeout: 300,
			StateDir:           DefaultStateDir,
			OutputMode:         "compact",
		},
		Servers: ServersConfig{
			Paths: []string{"mcp.json"},
		},
	}
}

// Load reads YAML config from disk, overlays defaults, then applies
// BRIDGE_* environment overrides. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overlays BRIDGE_* environment variables onto the config.
// Unparseable numeric values are ignored in favor of the existing value.
func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("RUNTIME", &c.Sandbox.Runtime)
	str("IMAGE", &c.Sandbox.Image)
	num("TIMEOUT", &c.Sandbox.DefaultTimeout)
	num("MAX_TIMEOUT", &c.Sandbox.MaxTimeout)
	str("MEMORY", &c.Sandbox.Memory)
	num("PIDS", &c.Sandbox.Pids)
	str("CPUS", &c.Sandbox.CPUs)
	str("CONTAINER_USER", &c.Sandbox.ContainerUser)
	num("RUNTIME_IDLE_TIMEOUT", &c.Sandbox.RuntimeIdleTimeout)
	str("STATE_DIR", &c.Sandbox.StateDir)
	str("OUTPUT_MODE", &c.Sandbox.OutputMode)
	str("LOG_LEVEL", &c.Server.LogLevel)
	str("LOG_FILE", &c.Server.LogFile)
}

// Validate ensures the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return errors.New("sandbox.timeout must be positive")
	}
	if c.Sandbox.MaxTimeout < c.Sandbox.DefaultTimeout {
		return errors.New("sandbox.max_timeout must be >= sandbox.timeout")
	}
	if c.Sandbox.Image == "" {
		return errors.New("sandbox.image is required")
	}
	switch c.Sandbox.OutputMode {
	case "", "compact", "token-oriented":
	default:
		return fmt.Errorf("sandbox.output_mode %q is not compact or token-oriented", c.Sandbox.OutputMode)
	}
	switch c.Sandbox.Runtime {
	case "", "podman", "docker":
	default:
		return fmt.Errorf("sandbox.runtime %q is not podman or docker", c.Sandbox.Runtime)
	}
	return nil
}

// Timeout returns the default invocation deadline.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.DefaultTimeout) * time.Second
}

// MaxDeadline returns the hard cap on any invocation deadline.
func (s SandboxConfig) MaxDeadline() time.Duration {
	return time.Duration(s.MaxTimeout) * time.Second
}

// IdleTimeout returns how long a Podman machine may sit idle before the
// selector stops it.
func (s SandboxConfig) IdleTimeout() time.Duration {
	if s.RuntimeIdleTimeout <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.RuntimeIdleTimeout) * time.Second
}

// StatePath resolves the state directory to an absolute path.
func (s SandboxConfig) StatePath() (string, error) {
	dir := s.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolve state dir %q: %w", dir, err)
	}
	return abs, nil
}

// DebugEnabled reports whether debug-level log lines should be emitted.
func (s ServerConfig) DebugEnabled() bool {
	return s.LogLevel == "debug"
}
