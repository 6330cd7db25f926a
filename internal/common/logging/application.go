package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// MustConfigureLogging applies config to the standard logger, exiting the process if config is invalid.
func MustConfigureLogging(config Config) {
	if err := ConfigureLogging(config); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

// ConfigureLogging sets up the standard logger to write to stdout and, if enabled, to a rotated log file. The
// console and the file each have their own level and format.
func ConfigureLogging(config Config) error {
	return configure(log.StandardLogger(), config, os.Stdout)
}

func configure(logger *log.Logger, config Config, stdout io.Writer) error {
	if err := validate(config); err != nil {
		return err
	}

	consoleLevel, _ := parseLogLevel(config.Console.Level)
	hooks := []*writerHook{newWriterHook(stdout, consoleLevel, config.Console.Format)}
	maxLevel := consoleLevel

	if config.File.Enabled {
		fileLevel, _ := parseLogLevel(config.File.Level)
		rotation := config.File.Rotation
		hooks = append(hooks, newWriterHook(&lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    rotation.MaxSizeMb,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		}, fileLevel, config.File.Format))
		if fileLevel > maxLevel {
			maxLevel = fileLevel
		}
	}

	// The logger itself only filters at the most verbose level any writer wants; each hook then applies its own.
	levelHooks := make(log.LevelHooks)
	for _, h := range hooks {
		levelHooks.Add(h)
	}
	logger.ReplaceHooks(levelHooks)
	logger.SetOutput(io.Discard)
	logger.SetLevel(maxLevel)
	return nil
}

// writerHook writes entries at or above a level to a writer using its own formatter.
type writerHook struct {
	writer    io.Writer
	levels    []log.Level
	formatter log.Formatter
}

func newWriterHook(w io.Writer, level log.Level, format LogFormat) *writerHook {
	return &writerHook{
		writer:    w,
		levels:    log.AllLevels[:level+1],
		formatter: newFormatter(format),
	}
}

func (h *writerHook) Levels() []log.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *log.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = h.writer.Write(b)
	return errors.WithStack(err)
}

func newFormatter(format LogFormat) log.Formatter {
	switch format {
	case FormatJSON:
		return &log.JSONFormatter{TimestampFormat: RFC3339Milli}
	case FormatColourful:
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli}
	default:
		return &log.TextFormatter{DisableColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli}
	}
}
