package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/justinmoon/playground/internal/terminal"
)

// stripANSI removes ANSI escape codes from a string
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

const (
	SystemConfigPath = "/etc/playground/config.toml"
	envPrefix        = "PLAYGROUND_"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Terminal TerminalConfig `toml:"terminal"`
	Docker   DockerConfig   `toml:"docker"`
	Client   ClientConfig   `toml:"client"`
}

type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
	NatsURL     string `toml:"nats_url"`
	CatalogDir  string `toml:"catalog_dir"` // empty = <data_dir>/catalog
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"` // "console" or "json"

	// AllowedOrigins lists extra origins allowed to open terminal WebSockets.
	// Same-origin requests are always allowed.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// TerminalConfig tunes the WebSocket terminal bridge.
type TerminalConfig struct {
	MaxSessions   int           `toml:"max_sessions"`
	PollTimeout   time.Duration `toml:"poll_timeout"`
	BackoffMin    time.Duration `toml:"backoff_min"`
	BackoffMax    time.Duration `toml:"backoff_max"`
	BackoffFactor float64       `toml:"backoff_factor"`
	ReadBuffer    int           `toml:"read_buffer"`
	FlushBytes    int           `toml:"flush_bytes"`
}

type DockerConfig struct {
	ContainerPrefix string        `toml:"container_prefix"`
	StopTimeout     time.Duration `toml:"stop_timeout"`
	Parallelism     int           `toml:"parallelism"`
	LogTail         int           `toml:"log_tail"`
}

type ClientConfig struct {
	ServerURL string `toml:"server_url"`
}

func DefaultConfig() *Config {
	dataDir := "/var/lib/playground"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "playground")
	}

	opts := terminal.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      7430,
			DataDir:   dataDir,
			LogLevel:  "info",
			LogFormat: "console",

			AllowedOrigins: []string{},
		},
		Terminal: TerminalConfig{
			MaxSessions:   opts.MaxSessions,
			PollTimeout:   opts.PollTimeout,
			BackoffMin:    opts.BackoffMin,
			BackoffMax:    opts.BackoffMax,
			BackoffFactor: opts.BackoffFactor,
			ReadBuffer:    opts.ReadBuffer,
			FlushBytes:    opts.FlushBytes,
		},
		Docker: DockerConfig{
			ContainerPrefix: "playground-",
			StopTimeout:     10 * time.Second,
			Parallelism:     4,
			LogTail:         200,
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:7430",
		},
	}
}

// Load reads the system config, then the user config, then applies
// PLAYGROUND_* environment overrides.
func Load() (*Config, error) {
	paths := []string{SystemConfigPath}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "playground", "config.toml"))
	}
	return load(paths, os.Getenv)
}

func load(paths []string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	// Later files override earlier ones
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	env := func(key string) string { return getenv(envPrefix + key) }

	if serverURL := env("SERVER"); serverURL != "" {
		c.Client.ServerURL = serverURL
	}
	if dataDir := env("DATA_DIR"); dataDir != "" {
		c.Server.DataDir = dataDir
	}
	if dbURL := env("DATABASE_URL"); dbURL != "" {
		c.Server.DatabaseURL = dbURL
	} else if dbURL := getenv("DATABASE_URL"); dbURL != "" {
		c.Server.DatabaseURL = dbURL
	}
	if natsURL := env("NATS_URL"); natsURL != "" {
		c.Server.NatsURL = natsURL
	}
	if dir := env("CATALOG_DIR"); dir != "" {
		c.Server.CatalogDir = dir
	}
	if level := env("LOG_LEVEL"); level != "" {
		c.Server.LogLevel = level
	}
	if format := env("LOG_FORMAT"); format != "" {
		c.Server.LogFormat = format
	}
	if origins := env("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if host := env("HOST"); host != "" {
		c.Server.Host = host
	}

	if portStr := env("PORT"); portStr != "" {
		portStr = stripANSI(portStr) // Handle ANSI codes from colored shell output
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %sPORT: %q", envPrefix, portStr)
		}
		c.Server.Port = port
		// Keep CLI default aligned unless PLAYGROUND_SERVER explicitly set.
		if env("SERVER") == "" {
			c.Client.ServerURL = c.LocalURL()
		}
	}

	if v := env("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %sMAX_SESSIONS: %q", envPrefix, v)
		}
		c.Terminal.MaxSessions = n
	}
	if v := env("PARALLELISM"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %sPARALLELISM: %q", envPrefix, v)
		}
		c.Docker.Parallelism = n
	}
	if v := env("STOP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sSTOP_TIMEOUT: %w", envPrefix, err)
		}
		c.Docker.StopTimeout = d
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Server.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format %q (want console or json)", c.Server.LogFormat)
	}
	if c.Terminal.MaxSessions < 0 {
		return fmt.Errorf("invalid terminal.max_sessions %d", c.Terminal.MaxSessions)
	}
	if c.Terminal.BackoffMax > 0 && c.Terminal.BackoffMax < c.Terminal.BackoffMin {
		return fmt.Errorf("terminal.backoff_max (%s) is below backoff_min (%s)", c.Terminal.BackoffMax, c.Terminal.BackoffMin)
	}
	if c.Docker.Parallelism <= 0 {
		return fmt.Errorf("invalid docker.parallelism %d", c.Docker.Parallelism)
	}
	return nil
}

// LocalURL is the URL a client on this machine uses to reach the server.
func (c *Config) LocalURL() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// CatalogPath returns the catalog directory.
func (c *Config) CatalogPath() string {
	if c.Server.CatalogDir != "" {
		return c.Server.CatalogDir
	}
	return filepath.Join(c.Server.DataDir, "catalog")
}

// TerminalOptions converts the [terminal] section for the bridge.
func (c *Config) TerminalOptions() terminal.Options {
	return terminal.Options{
		MaxSessions:   c.Terminal.MaxSessions,
		PollTimeout:   c.Terminal.PollTimeout,
		BackoffMin:    c.Terminal.BackoffMin,
		BackoffMax:    c.Terminal.BackoffMax,
		BackoffFactor: c.Terminal.BackoffFactor,
		ReadBuffer:    c.Terminal.ReadBuffer,
		FlushBytes:    c.Terminal.FlushBytes,
	}
}

func (c *Config) EnsureDataDir() error {
	dirs := []string{
		c.Server.DataDir,
		c.CatalogPath(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Write encodes the effective configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
