// Package config provides configuration management for agentrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentrelay.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	DataDir  string            `mapstructure:"dataDir"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Budget   BudgetConfig      `mapstructure:"budget"`
	Rate     RateLimitConfig   `mapstructure:"rateLimit"`
	Sessions SessionsConfig    `mapstructure:"sessions"`
	Worker   WorkerConfig      `mapstructure:"worker"`
	Agents   []AgentDefinition `mapstructure:"agents"`
	Events   EventsConfig      `mapstructure:"events"`
	Tracing  TracingConfig     `mapstructure:"tracing"`
	Logging  LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	ReadTimeout     int      `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int      `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int      `mapstructure:"shutdownTimeout"` // in seconds
	CORSOrigins     []string `mapstructure:"corsOrigins"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	MasterKey       string `mapstructure:"masterKey"`
	JWTSecret       string `mapstructure:"jwtSecret"`
	JWTAlgorithm    string `mapstructure:"jwtAlgorithm"`   // HS256, HS384, HS512
	AccessTokenTTL  int    `mapstructure:"accessTokenTtl"` // in seconds
	RefreshEnabled  bool   `mapstructure:"refreshEnabled"`
	RefreshTokenTTL int    `mapstructure:"refreshTokenTtl"` // in seconds
	TokenDebug      bool   `mapstructure:"tokenDebug"`
}

// BudgetConfig holds daily spend cap configuration.
type BudgetConfig struct {
	DefaultClientDailyLimitUSD float64 `mapstructure:"defaultClientDailyLimitUsd"`
	GlobalDailyLimitUSD        float64 `mapstructure:"globalDailyLimitUsd"`
}

// RateLimitConfig holds per-client request rate configuration.
type RateLimitConfig struct {
	DefaultRPM int `mapstructure:"defaultRpm"`
	Burst      int `mapstructure:"burst"`
}

// SessionsConfig holds worker session pool configuration.
type SessionsConfig struct {
	MaxConcurrent  int `mapstructure:"maxConcurrent"`
	MaxPerClient   int `mapstructure:"maxPerClient"`
	MaxIdleSec     int `mapstructure:"maxIdleSec"`
	MaxLifetimeSec int `mapstructure:"maxLifetimeSec"`
	SweepSec       int `mapstructure:"sweepSec"`
	RequestTimeout int `mapstructure:"requestTimeoutSec"`
}

// WorkerConfig holds worker CLI subprocess configuration.
type WorkerConfig struct {
	Binary         string `mapstructure:"binary"`
	WorkDir        string `mapstructure:"workDir"`        // default worker cwd; empty means <dataDir>/workdir
	NestedGuardEnv string `mapstructure:"nestedGuardEnv"` // env var unset before spawn so the worker accepts a nested invocation
	BufferMaxBytes int    `mapstructure:"bufferMaxBytes"` // stdout line-buffer cap before the session is destroyed
	KillGraceSec   int    `mapstructure:"killGraceSec"`
}

// AgentDefinition describes one named logical agent exposed by the server.
// Definitions are immutable at runtime; declaration order is preserved.
type AgentDefinition struct {
	Name               string   `mapstructure:"name"`
	Description        string   `mapstructure:"description"`
	Enabled            bool     `mapstructure:"enabled"`
	Model              string   `mapstructure:"model"`
	SystemPromptSuffix string   `mapstructure:"systemPromptSuffix"`
	SettingsFile       string   `mapstructure:"settingsFile"`
	PermissionMode     string   `mapstructure:"permissionMode"`
	AllowedTools       []string `mapstructure:"allowedTools"`
	MaxCostUSD         float64  `mapstructure:"maxCostUsd"`
	RequiredScopes     []string `mapstructure:"requiredScopes"`
	WorkDir            string   `mapstructure:"workDir"`
}

// EventsConfig holds event bus configuration. Empty URL means in-memory bus.
type EventsConfig struct {
	NATSUrl string `mapstructure:"natsUrl"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown deadline as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// Addr returns the host:port bind address.
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// AccessTokenTTLDuration returns the access token lifetime as a time.Duration.
func (a *AuthConfig) AccessTokenTTLDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// RefreshTokenTTLDuration returns the refresh token lifetime as a time.Duration.
func (a *AuthConfig) RefreshTokenTTLDuration() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// Configured reports whether any authentication credential is set.
func (a *AuthConfig) Configured() bool {
	return a.MasterKey != "" || a.JWTSecret != ""
}

// RequestTimeoutDuration returns the per-message worker timeout.
func (s *SessionsConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// MaxIdle returns the idle eviction threshold.
func (s *SessionsConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleSec) * time.Second
}

// MaxLifetime returns the lifetime eviction threshold.
func (s *SessionsConfig) MaxLifetime() time.Duration {
	return time.Duration(s.MaxLifetimeSec) * time.Second
}

// SweepInterval returns the sweeper tick interval.
func (s *SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepSec) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL escalation grace period.
func (w *WorkerConfig) KillGrace() time.Duration {
	return time.Duration(w.KillGraceSec) * time.Second
}

// DatabasePath returns the path of the embedded database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "agentrelay.db")
}

// DefaultWorkDir returns the default worker working directory.
func (c *Config) DefaultWorkDir() string {
	if c.Worker.WorkDir != "" {
		return c.Worker.WorkDir
	}
	return filepath.Join(c.DataDir, "workdir")
}

// LegacyStatePath returns the pre-SQLite JSON state file location.
func (c *Config) LegacyStatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// AgentByName returns the agent definition with the given name.
func (c *Config) AgentByName(name string) (*AgentDefinition, bool) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// FirstEnabledAgent returns the first enabled agent in declaration order.
func (c *Config) FirstEnabledAgent() (*AgentDefinition, bool) {
	for i := range c.Agents {
		if c.Agents[i].Enabled {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// EnabledAgents returns all enabled agents in declaration order.
func (c *Config) EnabledAgents() []AgentDefinition {
	out := make([]AgentDefinition, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8035)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 600)
	v.SetDefault("server.shutdownTimeout", 10)
	v.SetDefault("server.corsOrigins", []string{})

	v.SetDefault("dataDir", defaultDataDir())

	// Auth defaults: no credentials configured means loopback-only
	v.SetDefault("auth.masterKey", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.jwtAlgorithm", "HS256")
	v.SetDefault("auth.accessTokenTtl", 3600)
	v.SetDefault("auth.refreshEnabled", false)
	v.SetDefault("auth.refreshTokenTtl", 30*24*3600)
	v.SetDefault("auth.tokenDebug", false)

	// Budget defaults
	v.SetDefault("budget.defaultClientDailyLimitUsd", 10.0)
	v.SetDefault("budget.globalDailyLimitUsd", 100.0)

	// Rate limit defaults
	v.SetDefault("rateLimit.defaultRpm", 60)
	v.SetDefault("rateLimit.burst", 10)

	// Session pool defaults
	v.SetDefault("sessions.maxConcurrent", 10)
	v.SetDefault("sessions.maxPerClient", 3)
	v.SetDefault("sessions.maxIdleSec", 3600)
	v.SetDefault("sessions.maxLifetimeSec", 24*3600)
	v.SetDefault("sessions.sweepSec", 60)
	v.SetDefault("sessions.requestTimeoutSec", 300)

	// Worker defaults
	v.SetDefault("worker.binary", "claude")
	v.SetDefault("worker.workDir", "")
	v.SetDefault("worker.nestedGuardEnv", "CLAUDECODE")
	v.SetDefault("worker.bufferMaxBytes", 10*1024*1024)
	v.SetDefault("worker.killGraceSec", 5)

	// Events: empty URL means in-memory bus
	v.SetDefault("events.natsUrl", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentrelay")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// /etc/agentrelay/, or the directory named by AGENTRELAY_CONFIG.
func Load() (*Config, error) {
	return LoadWithPath(os.Getenv("AGENTRELAY_CONFIG"))
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("auth.masterKey", "AGENTRELAY_MASTER_KEY")
	_ = v.BindEnv("auth.jwtSecret", "AGENTRELAY_JWT_SECRET")
	_ = v.BindEnv("server.port", "AGENTRELAY_PORT")
	_ = v.BindEnv("dataDir", "AGENTRELAY_DATA_DIR")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "AGENTRELAY_LOGGING_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Hard invariant: with no authentication configured the server must not
	// bind to a non-loopback address.
	if !cfg.Auth.Configured() && !isLoopbackHost(cfg.Server.Host) {
		errs = append(errs, fmt.Sprintf(
			"no authentication configured: refusing to bind to non-loopback address %q (set AGENTRELAY_MASTER_KEY or AGENTRELAY_JWT_SECRET, or bind to 127.0.0.1)",
			cfg.Server.Host))
	}

	switch cfg.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, "auth.jwtAlgorithm must be one of: HS256, HS384, HS512")
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.RefreshEnabled && cfg.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refreshTokenTtl must be positive when refresh is enabled")
	}

	if cfg.Budget.GlobalDailyLimitUSD <= 0 {
		errs = append(errs, "budget.globalDailyLimitUsd must be positive")
	}
	if cfg.Budget.DefaultClientDailyLimitUSD <= 0 {
		errs = append(errs, "budget.defaultClientDailyLimitUsd must be positive")
	}

	if cfg.Rate.DefaultRPM <= 0 {
		errs = append(errs, "rateLimit.defaultRpm must be positive")
	}
	if cfg.Rate.Burst < 0 {
		errs = append(errs, "rateLimit.burst must not be negative")
	}

	if cfg.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, "sessions.maxConcurrent must be positive")
	}
	if cfg.Sessions.MaxPerClient <= 0 {
		errs = append(errs, "sessions.maxPerClient must be positive")
	}
	if cfg.Sessions.RequestTimeout <= 0 {
		errs = append(errs, "sessions.requestTimeoutSec must be positive")
	}

	if cfg.Worker.Binary == "" {
		errs = append(errs, "worker.binary is required")
	}
	if cfg.Worker.BufferMaxBytes <= 0 {
		errs = append(errs, "worker.bufferMaxBytes must be positive")
	}

	seen := map[string]bool{}
	for _, a := range cfg.Agents {
		if a.Name == "" {
			errs = append(errs, "agents[].name is required")
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Sprintf("duplicate agent name %q", a.Name))
		}
		seen[a.Name] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
