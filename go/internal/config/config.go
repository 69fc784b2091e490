// Package config loads relay settings from defaults, an optional YAML file and
// DEADEYE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/deadeye/go/internal/darts/mirror"
	"github.com/mcdev12/deadeye/go/internal/darts/upstream"
)

// EnvConfigPath names the YAML file when --config is not given
const EnvConfigPath = "DEADEYE_CONFIG"

type Config struct {
	LogLevel string         `yaml:"log_level"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
}

type UpstreamConfig struct {
	URL                string        `yaml:"url"`
	Path               string        `yaml:"path"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Transports         []string      `yaml:"transports"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ClientName         string        `yaml:"client_name"`
	EventName          string        `yaml:"event_name"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	StaticDir       string        `yaml:"static_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig enables the event mirror when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Stream        string `yaml:"stream"`
}

// Default returns the settings used when nothing overrides them
func Default() Config {
	up := upstream.DefaultConfig()
	return Config{
		LogLevel: "info",
		Upstream: UpstreamConfig{
			URL:              up.URL,
			Path:             up.Path,
			Transports:       append([]string(nil), up.Transports...),
			MaxAttempts:      up.MaxAttempts,
			RetryDelay:       up.RetryDelay,
			HandshakeTimeout: up.HandshakeTimeout,
			ClientName:       up.ClientName,
			EventName:        up.EventName,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: mirror.DefaultConfig().SubjectPrefix,
		},
	}
}

// Load builds the configuration. An empty path falls back to DEADEYE_CONFIG;
// when neither is set only defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	env := &envReader{}

	c.LogLevel = getEnv("DEADEYE_LOG_LEVEL", c.LogLevel)

	c.Upstream.URL = getEnv("DEADEYE_UPSTREAM_URL", c.Upstream.URL)
	c.Upstream.Path = getEnv("DEADEYE_UPSTREAM_PATH", c.Upstream.Path)
	c.Upstream.Transports = getEnvAsList("DEADEYE_UPSTREAM_TRANSPORTS", c.Upstream.Transports)
	c.Upstream.ClientName = getEnv("DEADEYE_CLIENT_NAME", c.Upstream.ClientName)
	c.Upstream.EventName = getEnv("DEADEYE_EVENT_NAME", c.Upstream.EventName)
	c.Upstream.InsecureSkipVerify = env.asBool("DEADEYE_INSECURE_SKIP_VERIFY", c.Upstream.InsecureSkipVerify)
	c.Upstream.MaxAttempts = env.asInt("DEADEYE_MAX_ATTEMPTS", c.Upstream.MaxAttempts)
	c.Upstream.RetryDelay = env.asDuration("DEADEYE_RETRY_DELAY", c.Upstream.RetryDelay)
	c.Upstream.HandshakeTimeout = env.asDuration("DEADEYE_HANDSHAKE_TIMEOUT", c.Upstream.HandshakeTimeout)

	c.Server.Host = getEnv("DEADEYE_HOST", c.Server.Host)
	c.Server.Port = env.asInt("DEADEYE_PORT", c.Server.Port)
	c.Server.AllowedOrigins = getEnvAsList("DEADEYE_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.StaticDir = getEnv("DEADEYE_STATIC_DIR", c.Server.StaticDir)
	c.Server.ShutdownTimeout = env.asDuration("DEADEYE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.NATS.URL = getEnv("DEADEYE_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("DEADEYE_NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.NATS.Stream = getEnv("DEADEYE_NATS_STREAM", c.NATS.Stream)

	return errors.Join(env.errs...)
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if err := c.UpstreamClient().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout))
	}
	if c.MirrorEnabled() {
		if err := c.Mirror().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpstreamClient converts the upstream section into client settings
func (c Config) UpstreamClient() upstream.Config {
	return upstream.Config{
		URL:                c.Upstream.URL,
		Path:               c.Upstream.Path,
		Transports:         append([]string(nil), c.Upstream.Transports...),
		HandshakeTimeout:   c.Upstream.HandshakeTimeout,
		InsecureSkipVerify: c.Upstream.InsecureSkipVerify,
		MaxAttempts:        c.Upstream.MaxAttempts,
		RetryDelay:         c.Upstream.RetryDelay,
		ClientName:         c.Upstream.ClientName,
		EventName:          c.Upstream.EventName,
	}
}

func (c Config) MirrorEnabled() bool {
	return c.NATS.URL != ""
}

// Mirror converts the nats section into publisher settings
func (c Config) Mirror() mirror.Config {
	m := mirror.DefaultConfig()
	m.URL = c.NATS.URL
	m.SubjectPrefix = c.NATS.SubjectPrefix
	m.StreamName = c.NATS.Stream
	return m
}

// Addr is the listen address of the HTTP server
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Level returns the parsed log level, info when unset
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// envReader parses typed variables and keeps every parse error
type envReader struct {
	errs []error
}

func (r *envReader) asInt(key string, defaultValue int) int {
	v, err := getEnvAsInt(key, defaultValue)
	r.track(err)
	return v
}

func (r *envReader) asBool(key string, defaultValue bool) bool {
	v, err := getEnvAsBool(key, defaultValue)
	r.track(err)
	return v
}

func (r *envReader) asDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := getEnvAsDuration(key, defaultValue)
	r.track(err)
	return v
}

func (r *envReader) track(err error) {
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return intValue, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	return boolValue, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
