package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stageline/internal/telemetry"
)

// FileName is the config file looked up in the root directory.
const FileName = "stageline.yml"

// Config models stageline.yml.
type Config struct {
	Root        string        `yaml:"root"`
	StacksDir   string        `yaml:"stacks_dir"`
	MaxAttempts int           `yaml:"max_attempts"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Index       struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"index"`
	Server  ServerConfig            `yaml:"server"`
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
	Stages  map[string]StageConfig  `yaml:"stages"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// StageConfig binds a stage id to a shell command. A fallback command, when set, runs if
// the primary command fails and marks the stage output degraded.
type StageConfig struct {
	Command         string        `yaml:"command"`
	Timeout         time.Duration `yaml:"timeout"`
	FallbackCommand string        `yaml:"fallback_command"`
	Dir             string        `yaml:"dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Root:        ".",
		StacksDir:   "stacks",
		MaxAttempts: 5,
		LockTimeout: 10 * time.Second,
		Server: ServerConfig{
			Addr:     "127.0.0.1:8080",
			BasePath: "/v0",
		},
		Logging: telemetry.DefaultLogging(),
		Metrics: telemetry.MetricsConfig{Enabled: true, Namespace: "stageline"},
	}
	cfg.Index.Enabled = true
	return cfg
}

// Path returns the config file path for a root directory.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, FileName)
}

// Load reads the config file from root. A missing file yields Default with Root set.
func Load(root string) (*Config, error) {
	cfg, err := FromFile(Path(root))
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if root != "" {
			cfg.Root = root
		}
		return cfg, nil
	}
	return cfg, err
}

// FromFile reads YAML config from the given path. Relative root and stacks_dir values
// are taken relative to the file's directory.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}
	return cfg, nil
}

// FromYAML parses YAML over the defaults and validates the result. Unknown keys are rejected.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("config.root is required")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("config.max_attempts must be >= 0 (0 means unbounded)")
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("config.lock_timeout must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for id, sc := range c.Stages {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.stages contains an empty stage id")
		}
		if strings.TrimSpace(sc.Command) == "" {
			return fmt.Errorf("stage %s has no command", id)
		}
		if sc.Timeout < 0 {
			return fmt.Errorf("stage %s has a negative timeout", id)
		}
	}
	return nil
}

// StacksDirs returns the directories searched for named stacks.
func (c *Config) StacksDirs() []string {
	dir := c.StacksDir
	if dir == "" {
		dir = "stacks"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Root, dir)
	}
	return []string{dir}
}

// IndexPath returns the location of the run index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Root, "index.db")
}

// GenerateDefault returns a commented starter config.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# stageline configuration
root: .
stacks_dir: stacks
max_attempts: 5      # 0 disables the retry bound
lock_timeout: 10s

index:
  enabled: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret: change-me

logging:
  level: info
  format: console
  output: stderr

metrics:
  enabled: true
  namespace: stageline

tracing:
  stdout: false

stages: {}
#  research:
#    command: ./bin/research.sh
#    timeout: 5m
#    fallback_command: ./bin/research-cached.sh
`
