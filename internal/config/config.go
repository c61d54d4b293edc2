// Package config provides Viper-based configuration loading for the matchmaking server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Identity store backends.
const (
	IdentityBackendMemory   = "memory"
	IdentityBackendPostgres = "postgres"
)

// Host departure policies.
const (
	HostPolicyPromote = "promote"
	HostPolicyDestroy = "destroy"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this server instance in logs.
	Name string `mapstructure:"name"`
}

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

// TCPConfig holds settings for the length-prefixed TCP acceptor.
type TCPConfig struct {
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port. Zero picks a random port.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-frame read timeout. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameSize is the largest accepted frame body in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// Enabled turns the acceptor on.
	Enabled bool `mapstructure:"enabled"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// UDPConfig holds settings for the datagram endpoint.
type UDPConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	MaxDatagramSize int    `mapstructure:"max_datagram_size"`
	Enabled         bool   `mapstructure:"enabled"`
}

// Addr returns the "host:port" listen address.
func (u UDPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// WebSocketConfig holds settings for the WebSocket endpoint.
type WebSocketConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP path the upgrade handler is mounted on.
	Path string `mapstructure:"path"`
	// AllowedOrigins lists the Origin header values accepted for upgrades.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AllowAllOrigins disables the origin check.
	AllowAllOrigins bool `mapstructure:"allow_all_origins"`
	// MaxMessageSize is the read limit per message in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait time.Duration `mapstructure:"pong_wait"`
	Enabled  bool          `mapstructure:"enabled"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// GRPCConfig holds settings for the streaming gRPC endpoint.
type GRPCConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Enabled bool   `mapstructure:"enabled"`
}

// Addr returns the "host:port" listen address.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// IdentityConfig selects the identity store backend.
type IdentityConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// HashCost is the bcrypt cost for persisted secrets.
	HashCost int `mapstructure:"hash_cost"`
	// MaxAge expires persisted identities older than this. Zero keeps them forever.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// RoomsConfig holds room registry policy.
type RoomsConfig struct {
	// DefaultMaxSize applies to rooms created without an explicit maximum. Zero means unlimited.
	DefaultMaxSize int `mapstructure:"default_max_size"`
	// HostPolicy decides what happens when the host leaves: "promote" or "destroy".
	HostPolicy string `mapstructure:"host_policy"`
	// AdmissionScript is an optional Lua file defining can_join.
	AdmissionScript string `mapstructure:"admission_script"`
	// ScriptInstructionLimit caps opcodes per admission call. Zero uses the default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
	// SessionBufferSize is the push queue length per session.
	SessionBufferSize int `mapstructure:"session_buffer_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	TCP       TCPConfig       `mapstructure:"tcp"`
	UDP       UDPConfig       `mapstructure:"udp"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if err := validateTransports(c); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateIdentity(c.Identity); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Identity.Backend == IdentityBackendPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func validateTransports(c Config) error {
	var errs []string
	if !c.TCP.Enabled && !c.UDP.Enabled && !c.WebSocket.Enabled && !c.GRPC.Enabled {
		errs = append(errs, "at least one of tcp, udp, websocket, grpc must be enabled")
	}
	if !validPort(c.TCP.Port) {
		errs = append(errs, fmt.Sprintf("tcp.port must be 0-65535, got %d", c.TCP.Port))
	}
	if c.TCP.ReadTimeout < 0 {
		errs = append(errs, "tcp.read_timeout must not be negative")
	}
	if c.TCP.WriteTimeout < 0 {
		errs = append(errs, "tcp.write_timeout must not be negative")
	}
	if c.TCP.MaxFrameSize < 1 {
		errs = append(errs, fmt.Sprintf("tcp.max_frame_size must be >= 1, got %d", c.TCP.MaxFrameSize))
	}
	if !validPort(c.UDP.Port) {
		errs = append(errs, fmt.Sprintf("udp.port must be 0-65535, got %d", c.UDP.Port))
	}
	if c.UDP.MaxDatagramSize < 1 || c.UDP.MaxDatagramSize > 65507 {
		errs = append(errs, fmt.Sprintf("udp.max_datagram_size must be 1-65507, got %d", c.UDP.MaxDatagramSize))
	}
	if !validPort(c.WebSocket.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", c.WebSocket.Port))
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", c.WebSocket.Path))
	}
	if c.WebSocket.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", c.WebSocket.MaxMessageSize))
	}
	if c.WebSocket.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if !validPort(c.GRPC.Port) {
		errs = append(errs, fmt.Sprintf("grpc.port must be 0-65535, got %d", c.GRPC.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateIdentity(i IdentityConfig) error {
	switch i.Backend {
	case IdentityBackendMemory, IdentityBackendPostgres:
	default:
		return fmt.Errorf("identity.backend must be one of [memory, postgres], got %q", i.Backend)
	}
	if i.HashCost != 0 && (i.HashCost < 4 || i.HashCost > 31) {
		return fmt.Errorf("identity.hash_cost must be 4-31, got %d", i.HashCost)
	}
	if i.MaxAge < 0 {
		return fmt.Errorf("identity.max_age must not be negative")
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
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.DefaultMaxSize < 0 {
		errs = append(errs, fmt.Sprintf("rooms.default_max_size must be >= 0, got %d", r.DefaultMaxSize))
	}
	if r.HostPolicy != HostPolicyPromote && r.HostPolicy != HostPolicyDestroy {
		errs = append(errs, fmt.Sprintf("rooms.host_policy must be one of [promote, destroy], got %q", r.HostPolicy))
	}
	if r.ScriptInstructionLimit < 0 {
		errs = append(errs, "rooms.script_instruction_limit must not be negative")
	}
	if r.SessionBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("rooms.session_buffer_size must be >= 1, got %d", r.SessionBufferSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
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

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MATCHMAKING_ prefix
	v.SetEnvPrefix("MATCHMAKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

// Defaults returns a Viper instance carrying only the built-in defaults.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "matchmaking")

	v.SetDefault("tcp.enabled", true)
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 1024)
	v.SetDefault("tcp.read_timeout", "5m")
	v.SetDefault("tcp.write_timeout", "30s")
	v.SetDefault("tcp.max_frame_size", 1<<20)

	v.SetDefault("udp.enabled", false)
	v.SetDefault("udp.host", "0.0.0.0")
	v.SetDefault("udp.port", 1025)
	v.SetDefault("udp.max_datagram_size", 8192)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/matchmaking")
	v.SetDefault("websocket.allow_all_origins", false)
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.pong_wait", "60s")

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("identity.backend", IdentityBackendMemory)
	v.SetDefault("identity.hash_cost", 10)
	v.SetDefault("identity.max_age", "0s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "matchmaking")
	v.SetDefault("database.password", "matchmaking")
	v.SetDefault("database.name", "matchmaking")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("rooms.default_max_size", 0)
	v.SetDefault("rooms.host_policy", HostPolicyPromote)
	v.SetDefault("rooms.session_buffer_size", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
