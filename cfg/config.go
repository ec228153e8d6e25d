package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// DatabaseConfiguration names the database sqlsh operates on.
type DatabaseConfiguration struct {
	URI string `toml:"uri"` // [scheme:]path, scheme sqlite3 or file
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Database   DatabaseConfiguration   `toml:"database"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "", "Path to configuration file")
	URIFlag        = flag.String("db", "", "Database URI (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Database: DatabaseConfiguration{
		URI: "sqlsh.db",
	},
	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},
	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "127.0.0.1:9090",
	},
}

// Load reads the configuration file, when present, and applies CLI
// overrides on top of it.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *URIFlag != "" {
		Config.Database.URI = *URIFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	return nil
}

// Validate rejects configurations sqlsh cannot run with.
func Validate() error {
	if Config.Database.URI == "" {
		return fmt.Errorf("database uri must not be empty")
	}
	if f := Config.Logging.Format; f != "console" && f != "json" {
		return fmt.Errorf("invalid logging format: %q", f)
	}
	return nil
}
