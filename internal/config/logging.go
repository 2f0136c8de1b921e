package config

import "browsernerd/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no category files
	Dir        string          `yaml:"logs_dir"`
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// Settings converts the section for logging.Initialize.
func (c *LoggingConfig) Settings() logging.Config {
	return logging.Config{
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSONFormat: c.Format == "json",
		Dir:        c.Dir,
		Categories: c.Categories,
	}
}
