package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoggingConfig selects where engine logs go. Console writes to stderr; File
// and Faults write rotating files under Dir. The faults sink only ever sees
// warnings and errors: storage faults, dropped batches, skipped workflows.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Dir      string         `yaml:"dir"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  SinkConfig     `yaml:"console"`
	File     SinkConfig     `yaml:"file"`
	Faults   SinkConfig     `yaml:"faults"`
}

// RotationConfig is handed to lumberjack as is.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
}

// SinkConfig is one log output. Level and Format fall back to the top-level
// values; Name is the file name inside Dir and is ignored for the console.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Name    string `yaml:"name"`
}

func (s SinkConfig) isZero() bool {
	return s == SinkConfig{}
}

// DefaultLoggingConfig logs text to stderr at info and keeps file output off.
// Faults is left zero so ApplyDefaults can tie it to the file sink.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: SinkConfig{Enabled: true, Level: "info", Format: "text"},
		File:    SinkConfig{Level: "info", Format: "json", Name: "beacon.log"},
	}
}

const (
	faultsLevel = "warn"
	faultsName  = "faults.log"
)

func (c *LoggingConfig) ApplyDefaults() {
	def := DefaultLoggingConfig()
	if c.Level == "" {
		c.Level = def.Level
	}
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = def.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = def.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = def.Rotation.MaxAge
	}

	// A console section that was never written keeps stderr on.
	if c.Console.isZero() {
		c.Console.Enabled = true
	}
	// Faults follow the file sink unless configured on their own.
	if c.Faults.isZero() {
		c.Faults.Enabled = c.File.Enabled
	}

	c.Console.inherit(c.Level, c.Format, "")
	c.File.inherit(c.Level, c.Format, def.File.Name)
	c.Faults.inherit(faultsLevel, c.Format, faultsName)
}

func (s *SinkConfig) inherit(level, format, name string) {
	if s.Level == "" {
		s.Level = level
	}
	if s.Format == "" {
		s.Format = format
	}
	if s.Name == "" {
		s.Name = name
	}
}

func (c *LoggingConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		c.Level = v
		c.Console.Level = v
		c.File.Level = v
	}
	if v := os.Getenv("BEACON_LOG_DIR"); v != "" {
		c.Dir = v
	}
}

// ResolvePaths anchors a relative log dir at the data directory.
func (c *LoggingConfig) ResolvePaths(_, dataDir string) {
	c.Dir = resolvePath(dataDir, c.Dir)
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogLevel maps a configured level name to slog. Unknown names map to info.
func LogLevel(name string) slog.Level {
	if l, ok := logLevels[strings.ToLower(name)]; ok {
		return l
	}
	return slog.LevelInfo
}

func (c *LoggingConfig) Validate() error {
	if _, ok := logLevels[c.Level]; !ok {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
	if !validLogFormat(c.Format) {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}
	if c.Dir == "" {
		return fmt.Errorf("log directory cannot be empty")
	}

	sinks := []struct {
		name string
		sink SinkConfig
		file bool
	}{
		{"console", c.Console, false},
		{"file", c.File, true},
		{"faults", c.Faults, true},
	}
	for _, s := range sinks {
		if !s.sink.Enabled {
			continue
		}
		if _, ok := logLevels[s.sink.Level]; s.sink.Level != "" && !ok {
			return fmt.Errorf("invalid %s log level: %s", s.name, s.sink.Level)
		}
		if s.sink.Format != "" && !validLogFormat(s.sink.Format) {
			return fmt.Errorf("invalid %s log format: %s", s.name, s.sink.Format)
		}
		if s.file && strings.ContainsRune(s.sink.Name, filepath.Separator) {
			return fmt.Errorf("%s log name must be a bare file name: %s", s.name, s.sink.Name)
		}
	}
	return nil
}

func validLogFormat(f string) bool {
	return f == "text" || f == "json"
}
