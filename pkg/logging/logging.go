// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text", "json" or "auto" (text on a terminal).
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	WithCaller bool   `mapstructure:"with-caller" yaml:"with-caller"`
	// MaxSizeMB, MaxBackups and MaxAgeDays control rotation of File.
	MaxSizeMB  int `mapstructure:"max-size-mb" yaml:"max-size-mb"`
	MaxBackups int `mapstructure:"max-backups" yaml:"max-backups"`
	MaxAgeDays int `mapstructure:"max-age-days" yaml:"max-age-days"`
}

func DefaultSettings() Settings {
	return Settings{
		Level:      "info",
		Format:     "auto",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Init replaces the global logger. The returned closer flushes the log file,
// if any.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if name := strings.ToLower(strings.TrimSpace(s.Level)); name != "" {
		parsed, err := zerolog.ParseLevel(name)
		if err != nil {
			return nil, errors.Errorf("unknown log level %q", s.Level)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	if s.File != "" {
		lj := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			MaxAge:     s.MaxAgeDays,
		}
		out, closer = lj, lj
	} else {
		out = os.Stderr
	}

	switch format := strings.ToLower(strings.TrimSpace(s.Format)); format {
	case "json":
	case "text":
		out = consoleWriter(out, s.File == "")
	case "", "auto":
		if s.File == "" && isatty.IsTerminal(os.Stderr.Fd()) {
			out = consoleWriter(out, true)
		}
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

func consoleWriter(out io.Writer, color bool) io.Writer {
	return zerolog.ConsoleWriter{Out: out, NoColor: !color, TimeFormat: time.TimeOnly}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
