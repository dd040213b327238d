package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/process"
)

// DefaultSwitches are passed to every robocopy run before the task's own
// switches
const DefaultSwitches = "/e /dcopy:t /r:1 /w:5 /ndl /np /xj"

// MinDaemonInterval guards against a scheduler hammering the disks
const MinDaemonInterval = time.Minute

// Config represents the complete configuration for robomirror
type Config struct {
	// DataDir holds tasks.yaml, the outcome log and lock files
	DataDir string `mapstructure:"data_dir"`

	Tools    ToolsConfig    `mapstructure:"tools"`
	Robocopy RobocopyConfig `mapstructure:"robocopy"`
	Log      LogConfig      `mapstructure:"log"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
}

// ToolsConfig locates the external executables
type ToolsConfig struct {
	// Dir contains bundled tools such as vshadow64.exe
	Dir string `mapstructure:"dir"`

	// Robocopy and VShadow override the discovered executables
	Robocopy string `mapstructure:"robocopy"`
	VShadow  string `mapstructure:"vshadow"`
}

// RobocopyConfig holds the options shared by every invocation
type RobocopyConfig struct {
	Switches   string `mapstructure:"switches"`
	BackupMode bool   `mapstructure:"backup_mode"`

	// Encoding of robocopy's console output: oem, utf-8 or cpNNN
	Encoding string `mapstructure:"encoding"`

	// Locale is a BCP 47 tag used to group summary numbers
	Locale string `mapstructure:"locale"`
}

// LogConfig configures the application log (not the outcome log)
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	MaskPaths  bool   `mapstructure:"mask_paths"`
}

// DaemonConfig configures scheduled headless runs
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PIDFile  string        `mapstructure:"pid_file"`

	// Tasks restricts the daemon to these task ids; empty means all
	Tasks []string `mapstructure:"tasks"`
}

// Validate checks if the configuration is complete and consistent
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: data_dir cannot be empty", domain.ErrConfigInvalid)
	}
	if _, err := process.ConsoleEncoding(c.Robocopy.Encoding); err != nil {
		return fmt.Errorf("%w: robocopy.encoding: %v", domain.ErrConfigInvalid, err)
	}
	if c.Robocopy.Locale != "" {
		if _, err := language.Parse(c.Robocopy.Locale); err != nil {
			return fmt.Errorf("%w: robocopy.locale %q: %v", domain.ErrConfigInvalid, c.Robocopy.Locale, err)
		}
	}
	if c.Daemon.Interval < MinDaemonInterval {
		return fmt.Errorf("%w: daemon.interval must be at least %v", domain.ErrConfigInvalid, MinDaemonInterval)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: log.max_size_mb must be positive", domain.ErrConfigInvalid)
	}
	return nil
}

// TasksFile is the YAML task store
func (c *Config) TasksFile() string {
	return filepath.Join(c.DataDir, "tasks.yaml")
}

// OutcomeDB is the sqlite outcome log
func (c *Config) OutcomeDB() string {
	return filepath.Join(c.DataDir, "outcomes.db")
}

// SnapshotDir is the parent of shadow copy mount points
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// PIDFile returns the daemon PID file, defaulting into DataDir
func (c *Config) PIDFile() string {
	if c.Daemon.PIDFile != "" {
		return c.Daemon.PIDFile
	}
	return filepath.Join(c.DataDir, "daemon.pid")
}

// Locale returns the parsed robocopy.locale, language.Und when unset
func (c *Config) Locale() language.Tag {
	tag, err := language.Parse(c.Robocopy.Locale)
	if err != nil {
		return language.Und
	}
	return tag
}

// LoggerConfig converts the log section. Records go to stderr; a file
// output is added when log.file is set.
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:     logger.ParseLevel(c.Log.Level),
		Format:    logger.ParseFormat(c.Log.Format),
		Outputs:   []logger.OutputConfig{{Type: logger.OutputStderr}},
		MaskPaths: c.Log.MaskPaths,
	}
	if c.Log.File != "" {
		cfg.Outputs = append(cfg.Outputs, logger.OutputConfig{Type: logger.OutputFile})
		cfg.File = logger.FileConfig{
			Enabled:    true,
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxAgeDays: c.Log.MaxAgeDays,
			MaxBackups: c.Log.MaxBackups,
			Compress:   c.Log.Compress,
		}
	}
	return cfg
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/' || path[1] == filepath.Separator:
				path = filepath.Join(home, path[2:])
			}
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
