package log

import (
	"bytes"
	"fmt"
	stdlog "log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerWriter struct {
	logFunc func(msg string, fields ...zap.Field)
}

func (w *loggerWriter) Write(p []byte) (int, error) {
	p = bytes.TrimSpace(p)
	w.logFunc(string(p))
	return len(p), nil
}

// Logger is a logger which writes structured logs to stderr formatted as
// JSON.
//
// Records are filtered by level, though the level filter can be overridden
// for a set of enabled subsystems, which is useful to debug a single
// component without enabling debug logs node wide.
type Logger interface {
	Subsystem() string
	// WithSubsystem creates a new logger with the given subsystem.
	WithSubsystem(s string) Logger
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
	// StdLogger returns a standard library log.Logger that writes records
	// at the given level.
	StdLogger(level zapcore.Level) *stdlog.Logger
}

type logger struct {
	// root is the unnamed logger, which carries any bound fields. zap is
	// root named with the current subsystem.
	root *zap.Logger
	zap  *zap.Logger

	level zapcore.Level

	subsystem         string
	enabledSubsystems []string
}

// NewLogger creates a logger filtering using the given minimum level and
// enabled subsystems.
func NewLogger(lvl string, enabledSubsystems []string) (Logger, error) {
	zapLevel, err := zapLevelFromString(lvl)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	// Use the logger name for 'subsystem'.
	encoderConfig.NameKey = "subsystem"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(
		"2006-01-02T15:04:05.999Z07:00",
	)

	enc := zapcore.NewJSONEncoder(encoderConfig)
	sink, _, err := zap.Open("stderr")
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}

	// The core is unfiltered. Level filtering happens in enabled so the
	// enabled subsystems can bypass it.
	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(zapcore.DebugLevel))
	root := zap.New(core)
	return &logger{
		root:              root,
		zap:               root.Named("main"),
		level:             zapLevel,
		subsystem:         "main",
		enabledSubsystems: enabledSubsystems,
	}, nil
}

func (l *logger) Subsystem() string {
	return l.subsystem
}

func (l *logger) WithSubsystem(s string) Logger {
	if s == l.subsystem {
		return l
	}
	clone := *l
	clone.subsystem = s
	clone.zap = clone.root.Named(s)
	return &clone
}

func (l *logger) With(fields ...zap.Field) Logger {
	if len(fields) == 0 {
		return l
	}
	clone := *l
	clone.root = clone.root.With(fields...)
	clone.zap = clone.zap.With(fields...)
	return &clone
}

func (l *logger) Debug(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.DebugLevel) {
		l.zap.Debug(msg, fields...)
	}
}

func (l *logger) Info(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.InfoLevel) {
		l.zap.Info(msg, fields...)
	}
}

func (l *logger) Warn(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.WarnLevel) {
		l.zap.Warn(msg, fields...)
	}
}

func (l *logger) Error(msg string, fields ...zap.Field) {
	if l.enabled(zapcore.ErrorLevel) {
		l.zap.Error(msg, fields...)
	}
}

func (l *logger) Sync() error {
	return l.zap.Sync()
}

func (l *logger) StdLogger(level zapcore.Level) *stdlog.Logger {
	return stdlog.New(&loggerWriter{
		logFunc: func(msg string, fields ...zap.Field) {
			if l.enabled(level) {
				l.zap.Log(level, msg, fields...)
			}
		},
	}, "", 0)
}

func (l *logger) enabled(lvl zapcore.Level) bool {
	if lvl >= l.level {
		return true
	}
	return subsystemMatch(l.subsystem, l.enabledSubsystems)
}

type nopLogger struct {
}

func NewNopLogger() Logger {
	return &nopLogger{}
}

func (l *nopLogger) Subsystem() string {
	return ""
}

func (l *nopLogger) WithSubsystem(_ string) Logger {
	return l
}

func (l *nopLogger) With(_ ...zap.Field) Logger {
	return l
}

func (l *nopLogger) Debug(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Info(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Warn(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Error(_ string, _ ...zap.Field) {
}

func (l *nopLogger) Sync() error {
	return nil
}

func (l *nopLogger) StdLogger(_ zapcore.Level) *stdlog.Logger {
	return stdlog.New(nopWriter{}, "", 0)
}

type nopWriter struct {
}

func (nopWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

func subsystemMatch(subsystem string, enabled []string) bool {
	for _, s := range enabled {
		if subsystem == s {
			return true
		}
	}
	return false
}

func zapLevelFromString(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zapcore.Level(0), fmt.Errorf("unsupported level: %s", s)
	}
}
