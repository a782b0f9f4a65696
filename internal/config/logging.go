package config

// LoggingConfig configures the categorized file logger. The logging package
// reads this section directly from .mopkit/config.yaml to avoid an import
// cycle; it is mirrored here so the full config round-trips through Save.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}
