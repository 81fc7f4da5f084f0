package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

var validLogFormats = map[string]bool{
	FormatText: true,
	FormatJson: true,
}

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, warn etc
	Level string
	// Logging format, either text or json
	Format string
}

// Configure replaces the formatter, level and output of the standard logrus logger.
func Configure(c Config, out io.Writer) error {
	level, err := parseLogLevel(c.Level)
	if err != nil {
		return err
	}
	if err := validateLogFormat(c.Format); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	if c.Format == FormatJson {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}
	log.SetLevel(level)
	log.SetOutput(out)
	return nil
}

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

func validateLogFormat(f string) error {
	if f == "" {
		return nil
	}
	_, ok := validLogFormats[f]
	if !ok {
		err := errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
		return err
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	l, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return log.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
