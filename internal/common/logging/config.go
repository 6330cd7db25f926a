package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type LogFormat string

const (
	FormatText      LogFormat = "text"
	FormatColourful LogFormat = "colourful"
	FormatJSON      LogFormat = "json"
)

var validLogFormats = map[LogFormat]bool{
	FormatText:      true,
	FormatColourful: true,
	FormatJSON:      true,
}

// Config defines logging configuration.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. INFO, ERROR etc
		Level string `yaml:"level"`
		// Logging format, one of text, colourful or json
		Format LogFormat `yaml:"format"`
	} `yaml:"console"`
	// Defines configuration for file logging
	File struct {
		// Whether file logging is enabled.
		Enabled bool `yaml:"enabled"`
		// Log level, e.g. INFO, ERROR etc
		Level string `yaml:"level"`
		// Logging format, one of text, colourful or json
		Format LogFormat `yaml:"format"`
		// The Location of the logfile on disk
		LogFile string `yaml:"logfile"`
		// Log Rotation Options
		Rotation struct {
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb int `yaml:"maxSizeMb"`
			// Maximum number of old log files to retain
			MaxBackups int `yaml:"maxBackups"`
			// Maximum number of days to retain old log files
			MaxAgeDays int `yaml:"maxAgeDays"`
			// Whether to compress rotated log files
			Compress bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"file"`
}

// DefaultConfig logs at info level in text format to the console only.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = FormatText
	return c
}

func validate(c Config) error {
	if _, err := parseLogLevel(c.Console.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}

	if c.File.Enabled {
		if _, err := parseLogLevel(c.File.Level); err != nil {
			return err
		}
		if err := validateLogFormat(c.File.Format); err != nil {
			return err
		}
		if c.File.LogFile == "" {
			return errors.New("file.logfile must be set when file logging is enabled")
		}
		rotation := c.File.Rotation
		if rotation.MaxSizeMb < 0 || rotation.MaxBackups < 0 || rotation.MaxAgeDays < 0 {
			return errors.New("rotation limits must not be negative")
		}
	}
	return nil
}

func validateLogFormat(f LogFormat) error {
	if !validLogFormats[f] {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	l, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return log.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
