package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Ning0612/robomirror/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// ROBOMIRROR_ROBOCOPY_BACKUP_MODE=true
const EnvPrefix = "ROBOMIRROR"

// DefaultConfigPaths returns the default paths to search for config files
func DefaultConfigPaths() []string {
	paths := []string{
		".",
		"./configs",
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "robomirror"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".robomirror"))
	}

	return paths
}

// DefaultDataDir is the per-user application data folder
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "robomirror")
	}
	return filepath.Join(os.TempDir(), "robomirror")
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("tools.dir", executableDir())
	v.SetDefault("robocopy.switches", DefaultSwitches)
	v.SetDefault("robocopy.backup_mode", false)
	v.SetDefault("robocopy.encoding", "oem")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("daemon.interval", "24h")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads the configuration. An explicit path must exist; without one
// the default locations are searched and a missing config.yaml simply
// yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		// no config.yaml anywhere: defaults only
	}

	return decode(v)
}

// LoadFromString parses configuration from a YAML string on top of the
// defaults
func LoadFromString(yamlContent string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(strings.NewReader(yamlContent)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	cfg.DataDir = ExpandPath(cfg.DataDir)
	cfg.Tools.Dir = ExpandPath(cfg.Tools.Dir)
	cfg.Tools.Robocopy = ExpandPath(cfg.Tools.Robocopy)
	cfg.Tools.VShadow = ExpandPath(cfg.Tools.VShadow)
	cfg.Log.File = ExpandPath(cfg.Log.File)
	cfg.Daemon.PIDFile = ExpandPath(cfg.Daemon.PIDFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
