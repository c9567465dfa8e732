package types

import (
	"errors"
	"time"
)

// Config holds the settings read from config.yaml.
type Config struct {
	DataDir string       `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	Log     LogConfig    `json:"log" yaml:"log" mapstructure:"log"`
	Sync    SyncConfig   `json:"sync" yaml:"sync" mapstructure:"sync"`
	Server  ServerConfig `json:"server" yaml:"server" mapstructure:"server"`
}

// LogConfig selects log level, format and destination.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
	File   string `json:"file,omitempty" yaml:"file,omitempty" mapstructure:"file"`
}

// SyncConfig holds the client side of the sync.
type SyncConfig struct {
	ServerURL      string        `json:"server_url" yaml:"server_url" mapstructure:"server_url"`
	Username       string        `json:"username" yaml:"username" mapstructure:"username"`
	ClientID       string        `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	ClockTolerance time.Duration `json:"clock_tolerance" yaml:"clock_tolerance" mapstructure:"clock_tolerance"`
	TieBreak       string        `json:"tie_break" yaml:"tie_break" mapstructure:"tie_break"`
	MaxPayloadRows int           `json:"max_payload_rows" yaml:"max_payload_rows" mapstructure:"max_payload_rows"`
	HTTPTimeout    time.Duration `json:"http_timeout" yaml:"http_timeout" mapstructure:"http_timeout"`
}

// ServerConfig holds the settings of decksync serve. Users maps an account
// name to its bcrypt hash.
type ServerConfig struct {
	Addr      string            `json:"addr" yaml:"addr" mapstructure:"addr"`
	DataDir   string            `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	JWTSecret string            `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Users     map[string]string `json:"users,omitempty" yaml:"users,omitempty" mapstructure:"users"`
}

// Tie-break policies for rows edited at the same millisecond on both sides.
const (
	TieBreakRemote = "remote"
	TieBreakLocal  = "local"
)

// Defaults.
const (
	DefaultClockTolerance = 300 * time.Second
	DefaultMaxPayloadRows = 1000
	DefaultHTTPTimeout    = 60 * time.Second
	DefaultServerAddr     = "127.0.0.1:8787"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Config validation errors.
var (
	ErrDataDirEmpty          = errors.New("data_dir must not be empty")
	ErrLogLevelUnknown       = errors.New("unknown log level")
	ErrLogFormatUnknown      = errors.New("unknown log format")
	ErrTieBreakUnknown       = errors.New("unknown tie break policy")
	ErrClockToleranceInvalid = errors.New("clock tolerance must be positive")
	ErrMaxPayloadInvalid     = errors.New("max payload rows must be positive")
	ErrHTTPTimeoutInvalid    = errors.New("http timeout must be positive")
)

var (
	knownLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	knownLogFormats = map[string]bool{"text": true, "json": true}
	knownTieBreaks  = map[string]bool{TieBreakRemote: true, TieBreakLocal: true}
)

// DefaultConfig returns a config with every default filled in.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Log:     LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Sync: SyncConfig{
			ClockTolerance: DefaultClockTolerance,
			TieBreak:       TieBreakRemote,
			MaxPayloadRows: DefaultMaxPayloadRows,
			HTTPTimeout:    DefaultHTTPTimeout,
		},
		Server: ServerConfig{Addr: DefaultServerAddr},
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure. Server settings are checked by the server
// itself when it starts.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if !knownLogLevels[c.Log.Level] {
		return ErrLogLevelUnknown
	}
	if !knownLogFormats[c.Log.Format] {
		return ErrLogFormatUnknown
	}
	if !knownTieBreaks[c.Sync.TieBreak] {
		return ErrTieBreakUnknown
	}
	if c.Sync.ClockTolerance <= 0 {
		return ErrClockToleranceInvalid
	}
	if c.Sync.MaxPayloadRows <= 0 {
		return ErrMaxPayloadInvalid
	}
	if c.Sync.HTTPTimeout <= 0 {
		return ErrHTTPTimeoutInvalid
	}
	return nil
}
