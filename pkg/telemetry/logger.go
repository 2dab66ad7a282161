package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with runner-specific field helpers. Every
// With* method returns a child; the receiver is never modified.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds a logger from cfg. Output is stderr, stdout or a file
// path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return NewLoggerWithWriter(w, cfg), nil
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewLoggerWithWriter creates a JSON logger writing to w. Format and Output
// of cfg are ignored.
func NewLoggerWithWriter(w io.Writer, cfg LoggingConfig) *Logger {
	zctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		// Sampling only thins debug and info; warnings and errors always pass.
		zlog = zlog.Sample(zerolog.LevelSampler{
			DebugSampler: burstSampler(cfg),
			InfoSampler:  burstSampler(cfg),
		})
	}
	return &Logger{zlog: zlog}
}

func burstSampler(cfg LoggingConfig) zerolog.Sampler {
	return &zerolog.BurstSampler{
		Burst:       uint32(cfg.SamplingInitial),
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
	}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// ParseLevel converts a level name to a zerolog level. Unknown or empty
// names mean info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithResource tags lines with the resource being reconciled.
func (l *Logger) WithResource(kind, id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("resource_kind", kind).Str("resource_id", id)
	})
}

// WithRunner tags lines with the runner identity.
func (l *Logger) WithRunner(workspaceID, runnerID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("workspace_id", workspaceID).Str("runner_id", runnerID)
	})
}

// WithError attaches err to every line.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any) { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any) { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }
