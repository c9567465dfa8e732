package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/decksync/internal/paths"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
)

// defaultConfigYAML is written on first run.
const defaultConfigYAML = `# decksync configuration

# Collection directory (overridable by --data-dir)
# data_dir:

log:
  level: info
  format: text
  # file: /var/log/decksync.log

sync:
  # server_url: https://sync.example.com
  # username:
  tie_break: remote
`

// loadConfig reads config.yaml from configDir, creating the directory and a
// default file on first run. Keys missing from the file keep their defaults.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(configDir, paths.ConfigFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o600); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	def := types.DefaultConfig("")
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("sync.clock_tolerance", def.Sync.ClockTolerance)
	v.SetDefault("sync.tie_break", def.Sync.TieBreak)
	v.SetDefault("sync.max_payload_rows", def.Sync.MaxPayloadRows)
	v.SetDefault("sync.http_timeout", def.Sync.HTTPTimeout)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetEnvPrefix("decksync")
	v.AutomaticEnv()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// decodeConfig turns v into a validated Config. dataFlag overrides the
// collection directory from the file.
func decodeConfig(v *viper.Viper, dataFlag string) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	dir, err := paths.ResolveDataDir(dataFlag, cfg.DataDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = dir
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
