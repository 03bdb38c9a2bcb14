// Package config resolves engine configuration from the environment and from
// optional YAML policy files. All numeric knobs are clamped into safe bounds so
// a hostile or typo'd environment cannot disable limits.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide engine configuration.
type Config struct {
	Port   int
	DBPath string

	// WorkspaceRoot confines terminal-session working directories.
	WorkspaceRoot string

	LogLevel slog.Level

	MaxRequestSizeBytes int64
	MaxWSConnections    int
	MaxWSPerIP          int

	AgentTimeout   time.Duration // per-run budget
	CommandTimeout time.Duration // per run_command invocation
	APITimeout     time.Duration // per LLM call
	APIMaxRetries  int

	// PTY limits.
	PTYOutputRingBytes int
	PTYDetachRetention time.Duration
	PTYExitRetention   time.Duration

	// Tool limits.
	ReadFileMaxBytes  int
	EditFileMaxBytes  int
	ListFilesMaxItems int
	ListFilesMaxDepth int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 4670
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath()
	}
	if c.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkspaceRoot = wd
		} else {
			c.WorkspaceRoot = "."
		}
	}
	if c.MaxRequestSizeBytes <= 0 {
		c.MaxRequestSizeBytes = 10 << 20
	}
	if c.MaxWSConnections <= 0 {
		c.MaxWSConnections = 100
	}
	if c.MaxWSPerIP <= 0 {
		c.MaxWSPerIP = 10
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 30 * time.Minute
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Minute
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 60 * time.Second
	}
	if c.APIMaxRetries <= 0 {
		c.APIMaxRetries = 3
	}
	if c.PTYOutputRingBytes <= 0 {
		c.PTYOutputRingBytes = 50_000
	}
	if c.PTYDetachRetention <= 0 {
		c.PTYDetachRetention = 30 * time.Minute
	}
	if c.PTYExitRetention <= 0 {
		c.PTYExitRetention = 60 * time.Second
	}
	if c.ReadFileMaxBytes <= 0 {
		c.ReadFileMaxBytes = 50_000
	}
	if c.EditFileMaxBytes <= 0 {
		c.EditFileMaxBytes = 10 << 20
	}
	if c.ListFilesMaxItems <= 0 {
		c.ListFilesMaxItems = 500
	}
	if c.ListFilesMaxDepth <= 0 {
		c.ListFilesMaxDepth = 10
	}
}

// Normalized returns c with defaults filled in for any zero field.
func (c Config) Normalized() Config {
	c.applyDefaults()
	return c
}

// FromEnv builds a Config from environment variables. Unset or malformed values
// fall back to defaults; out-of-range values are clamped.
func FromEnv() Config {
	c := Config{
		Port:                envInt("PORT", 0, 1, 65535),
		DBPath:              strings.TrimSpace(os.Getenv("SUPERVISOR_DB_PATH")),
		WorkspaceRoot:       strings.TrimSpace(os.Getenv("WORKSPACE_ROOT")),
		LogLevel:            parseLogLevel(os.Getenv("LOG_LEVEL")),
		MaxRequestSizeBytes: int64(envInt("MAX_REQUEST_SIZE_BYTES", 0, 1024, 100<<20)),
		MaxWSConnections:    envInt("MAX_WEBSOCKET_CONNECTIONS", 0, 1, 1000),
		MaxWSPerIP:          envInt("MAX_WEBSOCKET_CONNECTIONS_PER_IP", 0, 1, 100),
		AgentTimeout:        envDurationMS("AGENT_TIMEOUT_MS", 0, time.Second, 24*time.Hour),
		CommandTimeout:      envDurationMS("COMMAND_TIMEOUT_MS", 0, time.Second, time.Hour),
		APITimeout:          envDurationMS("API_TIMEOUT_MS", 0, time.Second, 10*time.Minute),
		APIMaxRetries:       envInt("API_MAX_RETRIES", 0, 0, 10),
		PTYOutputRingBytes:  envInt("PTY_OUTPUT_RING_BYTES", 0, 1024, 10<<20),
		PTYDetachRetention:  envDurationMS("PTY_DETACH_RETENTION_MS", 0, time.Second, 24*time.Hour),
		PTYExitRetention:    envDurationMS("PTY_EXIT_RETENTION_MS", 0, time.Second, time.Hour),
		ReadFileMaxBytes:    envInt("TOOL_READ_FILE_MAX_BYTES", 0, 1024, 10<<20),
		EditFileMaxBytes:    envInt("TOOL_EDIT_FILE_MAX_BYTES", 0, 1024, 100<<20),
		ListFilesMaxItems:   envInt("TOOL_LIST_FILES_MAX_ITEMS", 0, 10, 10_000),
		ListFilesMaxDepth:   envInt("TOOL_LIST_FILES_MAX_DEPTH", 0, 1, 64),
	}
	c.applyDefaults()
	return c
}

func defaultDBPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = home + "/.local/state"
		}
	}
	return base + "/supervisord/supervisor.db"
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envInt reads an int env var. Zero def means "caller applies its own default
// downstream"; non-zero values outside [min, max] are clamped.
func envInt(key string, def, min, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envDurationMS(key string, def, min, max time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	d := time.Duration(n) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// RunPolicy is the optional per-run policy file (YAML). It covers model routing
// for the planner and executors plus extra command-policy entries.
type RunPolicy struct {
	Models struct {
		Planner  string `yaml:"planner"`
		Executor string `yaml:"executor"` // "alpha" | "beta" | specific model id
	} `yaml:"models"`
	Security struct {
		AllowedCommands []string `yaml:"allowed_commands"`
		DeniedCommands  []string `yaml:"denied_commands"`
	} `yaml:"security"`
}

// LoadRunPolicy reads and parses a YAML policy file.
func LoadRunPolicy(path string) (*RunPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRunPolicy(b)
}

// ParseRunPolicy parses YAML policy bytes. Unknown fields are rejected so a
// misspelled key fails loudly instead of silently applying defaults.
func ParseRunPolicy(b []byte) (*RunPolicy, error) {
	var p RunPolicy
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse run policy: %w", err)
	}
	return &p, nil
}
