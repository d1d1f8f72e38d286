// Package logger defines the logging contract used throughout the daemon,
// a Logger with a chainable Field builder, backed by go.uber.org/zap. The
// zap core emits structured fields natively so a long-lived daemon logging
// to journald or a file gets machine-readable records.
package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the severities the rest of the daemon logs at.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Field is a single structured logging field. Field() on Logger returns a
// stateless builder; each method call produces a new, independent Field.
type Field interface {
	Bool(key string, val bool) Field
	Int(key string, val int) Field
	Int64(key string, val int64) Field
	Uint8(key string, val uint8) Field
	Uint16(key string, val uint16) Field
	Uint32(key string, val uint32) Field
	Uint64(key string, val uint64) Field
	Float64(key string, val float64) Field
	String(key string, val string) Field
	Time(key string, val time.Time) Field
	Error(key string, val error) Field
	Duration(key string, val time.Duration) Field
}

// Logger is the logging contract every package in the daemon depends on,
// instead of calling a concrete logging library directly.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	Field() Field
	SetLevel(level Level)
	With(fields ...Field) Logger
}

type zapField struct {
	raw zap.Field
}

func (zapField) Bool(key string, val bool) Field         { return zapField{zap.Bool(key, val)} }
func (zapField) Int(key string, val int) Field            { return zapField{zap.Int(key, val)} }
func (zapField) Int64(key string, val int64) Field        { return zapField{zap.Int64(key, val)} }
func (zapField) Uint8(key string, val uint8) Field        { return zapField{zap.Uint8(key, val)} }
func (zapField) Uint16(key string, val uint16) Field       { return zapField{zap.Uint16(key, val)} }
func (zapField) Uint32(key string, val uint32) Field       { return zapField{zap.Uint32(key, val)} }
func (zapField) Uint64(key string, val uint64) Field       { return zapField{zap.Uint64(key, val)} }
func (zapField) Float64(key string, val float64) Field     { return zapField{zap.Float64(key, val)} }
func (zapField) String(key string, val string) Field       { return zapField{zap.String(key, val)} }
func (zapField) Time(key string, val time.Time) Field       { return zapField{zap.Time(key, val)} }
func (zapField) Error(key string, val error) Field          { return zapField{zap.NamedError(key, val)} }
func (zapField) Duration(key string, val time.Duration) Field {
	return zapField{zap.Duration(key, val)}
}

// zapLogger implements Logger on top of a *zap.Logger.
type zapLogger struct {
	logger *zap.Logger
	level  *zap.AtomicLevel
}

// New builds a production-style zap logger (JSON to stderr, caller info,
// ISO8601 timestamps), suitable for the daemon's own lifetime logging.
func New() Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stderr), level)
	return &zapLogger{
		logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		level:  &level,
	}
}

func (z *zapLogger) Field() Field {
	return zapField{}
}

func (z *zapLogger) SetLevel(level Level) {
	z.level.SetLevel(level.zapLevel())
}

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{logger: z.logger.With(toZap(fields)...), level: z.level}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if zf, ok := f.(zapField); ok {
			out = append(out, zf.raw)
		}
	}
	return out
}

func (z *zapLogger) Debug(msg string, fields ...Field) { z.logger.Debug(msg, toZap(fields)...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.logger.Info(msg, toZap(fields)...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.logger.Warn(msg, toZap(fields)...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.logger.Error(msg, toZap(fields)...) }
func (z *zapLogger) Fatal(msg string, fields ...Field) { z.logger.Fatal(msg, toZap(fields)...) }

// nopLogger discards everything; used by tests that need a Logger but not
// its output.
type nopLogger struct{}

// NewNop returns a Logger that discards all output.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)    {}
func (nopLogger) Info(string, ...Field)     {}
func (nopLogger) Warn(string, ...Field)     {}
func (nopLogger) Error(string, ...Field)    {}
func (nopLogger) Fatal(string, ...Field)    {}
func (nopLogger) Field() Field              { return zapField{} }
func (nopLogger) SetLevel(Level)            {}
func (nopLogger) With(...Field) Logger      { return nopLogger{} }
