// internal/config/config.go
//
// This package handles configuration and the .appfactory directory.
// Every project that runs the factory gets a .appfactory/ folder in its root
// holding config.yaml, the pipeline lock and the JSON log.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/logging"
)

// Environment variables that override config.yaml.
const (
	EnvEngine          = "APPFACTORY_ENGINE"
	EnvLogLevel        = "APPFACTORY_LOG_LEVEL"
	EnvExecutor        = "APPFACTORY_EXECUTOR"
	EnvMirrorAccessKey = "APPFACTORY_MIRROR_ACCESS_KEY"
	EnvMirrorSecretKey = "APPFACTORY_MIRROR_SECRET_KEY"
)

const (
	defaultEngine     = "claude-sonnet-4"
	defaultIdeas      = 10
	defaultExecutor   = "command"
	defaultTimeout    = 30 * time.Minute
	defaultStaleAfter = 6 * time.Hour
	defaultLogLevel   = "info"
	defaultPrefix     = "builds"
)

const defaultProjectConfigYAML = `# appfactory project configuration
version: 1

# Model/engine id recorded on every run.
engine: claude-sonnet-4

research:
  ideas: 10

# The stage executor. kind: command runs the program below once per stage,
# writing the request to stdin as JSON and reading the response from stdout.
executor:
  kind: command
  command: ["factory-agent"]
  timeout: 30m

lock:
  # Locks older than this are reported as stale. They are never broken
  # automatically; use "appfactory unlock --force".
  stale_after: 6h

layout:
  runs: runs
  builds: builds
  leaderboards: leaderboards

logging:
  level: info

# Optional S3-compatible publication of builds. Credentials come from
# APPFACTORY_MIRROR_ACCESS_KEY and APPFACTORY_MIRROR_SECRET_KEY.
mirror:
  enabled: false
  endpoint: ""
  bucket: ""
  prefix: builds
  use_ssl: true
`

// ResearchConfig tunes the research stage.
type ResearchConfig struct {
	Ideas int `yaml:"ideas"`
}

// ExecutorConfig selects and configures the stage executor.
type ExecutorConfig struct {
	Kind    string            `yaml:"kind"`
	Command []string          `yaml:"command,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// LockConfig tunes stale-lock detection.
type LockConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LayoutConfig renames the top-level project directories.
type LayoutConfig struct {
	Runs         string `yaml:"runs"`
	Builds       string `yaml:"builds"`
	Leaderboards string `yaml:"leaderboards"`
}

// LoggingConfig controls the structured log.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MirrorConfig configures build publication.
type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region,omitempty"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	UseSSL   bool   `yaml:"use_ssl"`
}

// ProjectConfig models .appfactory/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	Engine   string         `yaml:"engine"`
	Research ResearchConfig `yaml:"research"`
	Executor ExecutorConfig `yaml:"executor"`
	Lock     LockConfig     `yaml:"lock"`
	Layout   LayoutConfig   `yaml:"layout"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mirror   MirrorConfig   `yaml:"mirror"`
}

// Config holds the runtime configuration of one project.
type Config struct {
	// ProjectDir is the directory the factory operates on.
	ProjectDir string

	// FactoryDir is ProjectDir/.appfactory
	FactoryDir string

	Project ProjectConfig

	// Mirror credentials are only read from the environment.
	MirrorAccessKey string
	MirrorSecretKey string
}

// InitProjectDir creates the .appfactory directory and a commented default
// config.yaml when none exists.
//
// Structure created:
// .appfactory/
// ├── config.yaml
// └── logs/
func InitProjectDir(projectDir string) error {
	factoryDir := filepath.Join(projectDir, layout.FactoryDir)
	if err := os.MkdirAll(filepath.Join(factoryDir, layout.LogsDir), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", factoryDir, err)
	}
	return ensureProjectConfig(filepath.Join(factoryDir, layout.FileConfig))
}

// Load reads the project configuration. Values are layered: defaults,
// config.yaml, the project .env file (never overriding variables already
// set), then the process environment.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		FactoryDir: filepath.Join(abs, layout.FactoryDir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := loadDotEnv(filepath.Join(abs, ".env")); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.FactoryDir, layout.FileConfig)
}

// Layout returns the path resolver for the project.
func (c *Config) Layout() *layout.Layout {
	return layout.New(c.ProjectDir, layout.Dirs{
		Runs:         c.Project.Layout.Runs,
		Builds:       c.Project.Layout.Builds,
		Leaderboards: c.Project.Layout.Leaderboards,
	})
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Project.Logging.Level)
	return level
}

// ExecutorEnv returns the executor environment as sorted KEY=VALUE pairs.
func (c *Config) ExecutorEnv() []string {
	env := make([]string, 0, len(c.Project.Executor.Env))
	for k, v := range c.Project.Executor.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// SetEngine overrides the engine id, e.g. from a command-line flag.
func (c *Config) SetEngine(engine string) {
	if engine = strings.TrimSpace(engine); engine != "" {
		c.Project.Engine = engine
	}
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	c.Project = parsed
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := lookupEnv(EnvEngine); ok {
		c.Project.Engine = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		c.Project.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookupEnv(EnvExecutor); ok {
		c.Project.Executor.Kind = strings.ToLower(v)
	}
	if v, ok := lookupEnv(EnvMirrorAccessKey); ok {
		c.MirrorAccessKey = v
	}
	if v, ok := lookupEnv(EnvMirrorSecretKey); ok {
		c.MirrorSecretKey = v
	}
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:  1,
		Engine:   defaultEngine,
		Research: ResearchConfig{Ideas: defaultIdeas},
		Executor: ExecutorConfig{
			Kind:    defaultExecutor,
			Command: []string{"factory-agent"},
			Timeout: defaultTimeout,
		},
		Lock: LockConfig{StaleAfter: defaultStaleAfter},
		Layout: LayoutConfig{
			Runs:         layout.RunsDir,
			Builds:       layout.BuildsDir,
			Leaderboards: layout.LeaderboardDir,
		},
		Logging: LoggingConfig{Level: defaultLogLevel},
		Mirror:  MirrorConfig{Prefix: defaultPrefix, UseSSL: true},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Research.Ideas == 0 {
		pc.Research.Ideas = defaultIdeas
	}
	if pc.Executor.Kind == "" {
		pc.Executor.Kind = defaultExecutor
	}
	if pc.Executor.Timeout == 0 {
		pc.Executor.Timeout = defaultTimeout
	}
	if pc.Lock.StaleAfter == 0 {
		pc.Lock.StaleAfter = defaultStaleAfter
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = defaultLogLevel
	}
	if pc.Mirror.Prefix == "" {
		pc.Mirror.Prefix = defaultPrefix
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Engine = strings.TrimSpace(pc.Engine)
	pc.Executor.Kind = strings.ToLower(strings.TrimSpace(pc.Executor.Kind))
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Layout.Runs = cleanDirName(pc.Layout.Runs, layout.RunsDir)
	pc.Layout.Builds = cleanDirName(pc.Layout.Builds, layout.BuildsDir)
	pc.Layout.Leaderboards = cleanDirName(pc.Layout.Leaderboards, layout.LeaderboardDir)
	pc.Mirror.Endpoint = strings.TrimSpace(pc.Mirror.Endpoint)
	pc.Mirror.Bucket = strings.TrimSpace(pc.Mirror.Bucket)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Research.Ideas < 1 {
		return fmt.Errorf("research.ideas must be >= 1")
	}
	if pc.Executor.Kind == "command" && len(pc.Executor.Command) == 0 {
		return fmt.Errorf("executor.command is required for command executors")
	}
	if pc.Executor.Timeout < 0 {
		return fmt.Errorf("executor.timeout must not be negative")
	}
	if pc.Lock.StaleAfter < 0 {
		return fmt.Errorf("lock.stale_after must not be negative")
	}
	if _, err := logging.ParseLevel(pc.Logging.Level); err != nil {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", pc.Logging.Level)
	}
	for name, dir := range map[string]string{
		"layout.runs":         pc.Layout.Runs,
		"layout.builds":       pc.Layout.Builds,
		"layout.leaderboards": pc.Layout.Leaderboards,
	} {
		if dir == layout.FactoryDir || strings.ContainsAny(dir, `/\`) || dir == ".." {
			return fmt.Errorf("%s must be a plain directory name, got %q", name, dir)
		}
	}
	if pc.Mirror.Enabled {
		if pc.Mirror.Endpoint == "" {
			return fmt.Errorf("mirror.endpoint is required when the mirror is enabled")
		}
		if pc.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required when the mirror is enabled")
		}
	}
	return nil
}

func cleanDirName(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
