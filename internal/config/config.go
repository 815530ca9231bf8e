package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Status sources for the running-container query.
const (
	StatusSourceCLI = "cli"
	StatusSourceAPI = "api"
)

// Config holds all application configuration
type Config struct {
	Port        string // HTTP port
	DataDir     string // Data directory root
	StacksDir   string // One stack_<id>/ directory per stack
	TemplateDir string // .env + compose.yaml template, embedded default when empty

	DockerBin          string        // Container runtime CLI
	DockerSocket       string        // Engine API socket, used when StatusSource is "api"
	StatusSource       string        // "cli" or "api"
	MaxStacks          int           // Admission bound, CPU count by default
	RuntimeTimeout     time.Duration // Bound for compose and volume commands
	StatusTimeout      time.Duration // Bound for the running-container query
	RuntimeConcurrency int           // Runtime commands allowed in flight at once

	PublicAddress        string // Static public address, skips the lookup when set
	PublicAddressURL     string
	PublicAddressTTL     time.Duration
	PublicAddressTimeout time.Duration

	AuditDB  string // SQLite path for the audit trail, "off" disables it
	HooksDir string // <event>.sh scripts run after lifecycle events
	WebDir   string // Static web UI, served with SPA fallback when set

	ExposeStderr  bool    // Include runtime stderr in API error bodies
	MutationRate  float64 // Mutating requests per second, per client
	MutationBurst int
	LogLevel      string
	LogFormat     string // "text" or "json"
}

// AuditEnabled reports whether the audit trail is on.
func (c *Config) AuditEnabled() bool {
	return c.AuditDB != "" && !strings.EqualFold(c.AuditDB, "off")
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	dataDir := envOrDefault("MCSTACK_DATA_DIR", "./data")

	cfg := &Config{
		Port:        envOrDefault("MCSTACK_PORT", "8080"),
		DataDir:     dataDir,
		StacksDir:   envOrDefault("MCSTACK_STACKS_DIR", filepath.Join(dataDir, "stacks")),
		TemplateDir: os.Getenv("MCSTACK_TEMPLATE_DIR"),

		DockerBin:          envOrDefault("MCSTACK_DOCKER_BIN", "docker"),
		DockerSocket:       envOrDefault("MCSTACK_DOCKER_SOCKET", "/var/run/docker.sock"),
		StatusSource:       envOrDefault("MCSTACK_STATUS_SOURCE", StatusSourceCLI),
		MaxStacks:          envInt("MCSTACK_MAX_STACKS", runtime.NumCPU()),
		RuntimeTimeout:     envDuration("MCSTACK_RUNTIME_TIMEOUT", 3*time.Minute),
		StatusTimeout:      envDuration("MCSTACK_STATUS_TIMEOUT", 10*time.Second),
		RuntimeConcurrency: envInt("MCSTACK_RUNTIME_CONCURRENCY", 4),

		PublicAddress:        os.Getenv("MCSTACK_PUBLIC_ADDRESS"),
		PublicAddressURL:     envOrDefault("MCSTACK_PUBLIC_ADDRESS_URL", "https://ipinfo.io/ip"),
		PublicAddressTTL:     envDuration("MCSTACK_PUBLIC_ADDRESS_TTL", 10*time.Minute),
		PublicAddressTimeout: envDuration("MCSTACK_PUBLIC_ADDRESS_TIMEOUT", 1500*time.Millisecond),

		AuditDB:  envOrDefault("MCSTACK_AUDIT_DB", filepath.Join(dataDir, "audit.db")),
		HooksDir: os.Getenv("MCSTACK_HOOKS_DIR"),
		WebDir:   os.Getenv("MCSTACK_WEB_DIR"),

		ExposeStderr:  envBool("MCSTACK_EXPOSE_STDERR", false),
		MutationRate:  envFloat("MCSTACK_MUTATION_RATE", 2),
		MutationBurst: envInt("MCSTACK_MUTATION_BURST", 5),
		LogLevel:      envOrDefault("MCSTACK_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("MCSTACK_LOG_FORMAT", "text"),
	}

	if cfg.StatusSource != StatusSourceCLI && cfg.StatusSource != StatusSourceAPI {
		slog.Warn("unknown status source, using cli", "value", cfg.StatusSource)
		cfg.StatusSource = StatusSourceCLI
	}

	// Ensure directories exist
	os.MkdirAll(dataDir, 0755)

	return cfg
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		slog.Warn("invalid number in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return b
}
