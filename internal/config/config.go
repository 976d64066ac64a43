// Package config provides Viper-based configuration loading for the relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry export settings. Tracing is disabled
// when Endpoint is empty.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// WorldConfig holds settings for the world-side session.
type WorldConfig struct {
	// Transport selects the world adapter: "telnet" or "gateway".
	Transport string `mapstructure:"transport"`
	// Host and Port address a telnet world.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// GatewayURL is the websocket URL of a JSON event gateway.
	GatewayURL string `mapstructure:"gateway_url"`
	// Username and Password are the world login credentials.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout is the per-write timeout on the world connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// WhisperCommand is the outbound whisper template; {target} and {text}
	// are substituted.
	WhisperCommand string `mapstructure:"whisper_command"`
	// Patterns holds the line patterns used by the telnet adapter.
	Patterns WorldPatterns `mapstructure:"patterns"`
}

// Addr returns the "host:port" address of a telnet world.
func (w WorldConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// WorldPatterns are the regular expressions the telnet adapter uses to turn
// raw lines into events. Chat and whisper patterns must define the named
// groups "sender" and "text"; kick must define "reason".
type WorldPatterns struct {
	LoginPrompt    string `mapstructure:"login_prompt"`
	PasswordPrompt string `mapstructure:"password_prompt"`
	Spawn          string `mapstructure:"spawn"`
	Chat           string `mapstructure:"chat"`
	Whisper        string `mapstructure:"whisper"`
	Kick           string `mapstructure:"kick"`
}

// PlatformConfig holds messaging-platform settings.
type PlatformConfig struct {
	Token string `mapstructure:"token"`
	// GuildID is the server that owns every channel the relay touches.
	GuildID string `mapstructure:"guild_id"`
	// RelayChannelID receives public world chat.
	RelayChannelID string `mapstructure:"relay_channel_id"`
	// ClaimChannelID receives claim prompts for unclaimed whispers.
	ClaimChannelID string `mapstructure:"claim_channel_id"`
	// DialogCategoryID is the parent group for dialog channels.
	DialogCategoryID string `mapstructure:"dialog_category_id"`
}

// ReconnectConfig holds the reconnect policy of the world session.
type ReconnectConfig struct {
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	RestartWindowStart string        `mapstructure:"restart_window_start"`
	RestartWindowEnd   string        `mapstructure:"restart_window_end"`
	Timezone           string        `mapstructure:"timezone"`
	ThrottlePattern    string        `mapstructure:"throttle_pattern"`
	GenericKickReason  string        `mapstructure:"generic_kick_reason"`
}

// RelayConfig holds classifier timings and relay presentation settings.
type RelayConfig struct {
	Prefix                 string        `mapstructure:"prefix"`
	PublicGrace            time.Duration `mapstructure:"public_grace"`
	WhisperSuppressionTTL  time.Duration `mapstructure:"whisper_suppression_ttl"`
	OutboundSuppressionTTL time.Duration `mapstructure:"outbound_suppression_ttl"`
	// DefaultIgnored is used whenever the ignore list cannot be read.
	DefaultIgnored []string `mapstructure:"default_ignored"`
	// DefaultKeywords maps platform user IDs to keywords and is used
	// whenever keyword subscriptions cannot be read.
	DefaultKeywords map[string][]string `mapstructure:"default_keywords"`
}

// AttributionConfig holds the automation re-attribution heuristic.
type AttributionConfig struct {
	AutomationName   string        `mapstructure:"automation_name"`
	Window           time.Duration `mapstructure:"window"`
	MaxCommandLength int           `mapstructure:"max_command_length"`
	// PatternsFile optionally points at a YAML pattern set.
	PatternsFile string `mapstructure:"patterns_file"`
	// Script optionally points at a Lua file defining is_reply(text).
	Script string `mapstructure:"script"`
}

// DialogConfig holds dialog channel lifetimes.
type DialogConfig struct {
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	CountdownInterval time.Duration `mapstructure:"countdown_interval"`
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
}

// StatusConfig holds the gRPC health endpoint settings.
type StatusConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.GRPCHost, s.GRPCPort)
}

// ServerConfig holds process supervision settings.
type ServerConfig struct {
	// RestartDelay is the wait before services are restarted after a fault.
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	World       WorldConfig       `mapstructure:"world"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	Dialog      DialogConfig      `mapstructure:"dialog"`
	Status      StatusConfig      `mapstructure:"status"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateDatabase(c.Database),
		validateLogging(c.Logging),
		validateWorld(c.World),
		validatePlatform(c.Platform),
		validateReconnect(c.Reconnect),
		validateRelay(c.Relay),
		validateAttribution(c.Attribution),
		validateDialog(c.Dialog),
		validateStatus(c.Status),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	switch w.Transport {
	case "telnet":
		if w.Host == "" {
			errs = append(errs, "world.host must not be empty for telnet transport")
		}
		if w.Port < 1 || w.Port > 65535 {
			errs = append(errs, fmt.Sprintf("world.port must be 1-65535, got %d", w.Port))
		}
	case "gateway":
		if w.GatewayURL == "" {
			errs = append(errs, "world.gateway_url must not be empty for gateway transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("world.transport must be one of [telnet, gateway], got %q", w.Transport))
	}
	if w.Username == "" {
		errs = append(errs, "world.username must not be empty")
	}
	if !strings.Contains(w.WhisperCommand, "{target}") || !strings.Contains(w.WhisperCommand, "{text}") {
		errs = append(errs, "world.whisper_command must contain {target} and {text}")
	}
	if w.DialTimeout <= 0 {
		errs = append(errs, "world.dial_timeout must be positive")
	}
	return joinErrs(errs)
}

func validatePlatform(p PlatformConfig) error {
	var errs []string
	if p.GuildID == "" {
		errs = append(errs, "platform.guild_id must not be empty")
	}
	if p.RelayChannelID == "" {
		errs = append(errs, "platform.relay_channel_id must not be empty")
	}
	return joinErrs(errs)
}

func validateReconnect(r ReconnectConfig) error {
	var errs []string
	if r.BaseDelay <= 0 {
		errs = append(errs, "reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, "reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if r.RestartDelay <= 0 {
		errs = append(errs, "reconnect.restart_delay must be positive")
	}
	if _, err := ParseClock(r.RestartWindowStart); err != nil {
		errs = append(errs, fmt.Sprintf("reconnect.restart_window_start: %v", err))
	}
	if _, err := ParseClock(r.RestartWindowEnd); err != nil {
		errs = append(errs, fmt.Sprintf("reconnect.restart_window_end: %v", err))
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("reconnect.timezone %q: %v", r.Timezone, err))
	}
	return joinErrs(errs)
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Prefix == "" {
		errs = append(errs, "relay.prefix must not be empty")
	}
	if r.PublicGrace <= 0 {
		errs = append(errs, "relay.public_grace must be positive")
	}
	if r.WhisperSuppressionTTL <= 0 {
		errs = append(errs, "relay.whisper_suppression_ttl must be positive")
	}
	if r.OutboundSuppressionTTL <= 0 {
		errs = append(errs, "relay.outbound_suppression_ttl must be positive")
	}
	return joinErrs(errs)
}

func validateAttribution(a AttributionConfig) error {
	var errs []string
	if a.AutomationName == "" {
		errs = append(errs, "attribution.automation_name must not be empty")
	}
	if a.Window <= 0 {
		errs = append(errs, "attribution.window must be positive")
	}
	if a.MaxCommandLength < 1 {
		errs = append(errs, fmt.Sprintf("attribution.max_command_length must be >= 1, got %d", a.MaxCommandLength))
	}
	return joinErrs(errs)
}

func validateDialog(d DialogConfig) error {
	var errs []string
	if d.DefaultTTL <= 0 {
		errs = append(errs, "dialog.default_ttl must be positive")
	}
	if d.CountdownInterval <= 0 {
		errs = append(errs, "dialog.countdown_interval must be positive")
	}
	if d.ClaimTTL <= 0 {
		errs = append(errs, "dialog.claim_ttl must be positive")
	}
	return joinErrs(errs)
}

func validateStatus(s StatusConfig) error {
	if s.GRPCPort < 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("status.grpc_port must be 0-65535, got %d", s.GRPCPort)
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ParseClock parses a "HH:MM" wall-clock time into minutes past midnight.
//
// Postcondition: Returns a value in [0, 1440) or a non-nil error.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with WORLDRELAY_ prefix
	v.SetEnvPrefix("WORLDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.restart_delay", "5s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "worldrelay")
	v.SetDefault("database.password", "worldrelay")
	v.SetDefault("database.name", "worldrelay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.service_name", "worldrelay")

	v.SetDefault("world.transport", "telnet")
	v.SetDefault("world.host", "127.0.0.1")
	v.SetDefault("world.port", 4000)
	v.SetDefault("world.username", "")
	v.SetDefault("world.password", "")
	v.SetDefault("world.dial_timeout", "15s")
	v.SetDefault("world.write_timeout", "10s")
	v.SetDefault("world.whisper_command", "/msg {target} {text}")
	v.SetDefault("world.patterns.login_prompt", `(?i)^(login|username|name)\s*:`)
	v.SetDefault("world.patterns.password_prompt", `(?i)^password\s*:`)
	v.SetDefault("world.patterns.spawn", `(?i)^welcome\b`)
	v.SetDefault("world.patterns.chat", `^<(?P<sender>[A-Za-z0-9_]{1,32})> (?P<text>.*)$`)
	v.SetDefault("world.patterns.whisper", `^(?P<sender>[A-Za-z0-9_]{1,32}) whispers(?: to you)?: (?P<text>.*)$`)
	v.SetDefault("world.patterns.kick", `^(?i:kicked|you were kicked)(?: from the server)?: (?P<reason>.*)$`)

	v.SetDefault("reconnect.base_delay", "15s")
	v.SetDefault("reconnect.max_delay", "5m")
	v.SetDefault("reconnect.restart_delay", "5m")
	v.SetDefault("reconnect.restart_window_start", "09:00")
	v.SetDefault("reconnect.restart_window_end", "09:30")
	v.SetDefault("reconnect.timezone", "UTC")
	v.SetDefault("reconnect.throttle_pattern", `(?i)(connection throttled|logged in too fast|too many connections)`)
	v.SetDefault("reconnect.generic_kick_reason", "You have been disconnected from the server.")

	v.SetDefault("relay.prefix", "[D] ")
	v.SetDefault("relay.public_grace", "400ms")
	v.SetDefault("relay.whisper_suppression_ttl", "3s")
	v.SetDefault("relay.outbound_suppression_ttl", "5s")

	v.SetDefault("attribution.automation_name", "Automation")
	v.SetDefault("attribution.window", "4s")
	v.SetDefault("attribution.max_command_length", 30)

	v.SetDefault("dialog.default_ttl", "10m")
	v.SetDefault("dialog.countdown_interval", "3s")
	v.SetDefault("dialog.claim_ttl", "10m")

	v.SetDefault("platform.token", "")
	v.SetDefault("platform.guild_id", "")
	v.SetDefault("platform.relay_channel_id", "")
	v.SetDefault("platform.claim_channel_id", "")
	v.SetDefault("platform.dialog_category_id", "")

	v.SetDefault("status.grpc_host", "127.0.0.1")
	v.SetDefault("status.grpc_port", 50061)
}

// Defaults returns a Config holding only default values. It is not
// validated: platform identifiers and the world username are empty.
func Defaults() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("unmarshalling defaults: %v", err))
	}
	return cfg
}

// LoadDatabase reads only the database section of the file at path, with
// the same defaults and environment overrides as Load. Administrative tools
// use it so they run without platform or world settings.
//
// Postcondition: Returns a validated DatabaseConfig or a non-nil error.
func LoadDatabase(path string) (DatabaseConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WORLDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return DatabaseConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := validateDatabase(cfg.Database); err != nil {
		return DatabaseConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg.Database, nil
}
