package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to the engine Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a production zap logger at the given level. Unknown
// level strings fall back to info.
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base}, nil
}

// WrapZap adapts an existing zap logger, used by tests.
func WrapZap(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// Debug logs at debug level.
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, zapFields(fields)...)
}

// Info logs at info level.
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, zapFields(fields)...)
}

// Warn logs at warn level.
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, zapFields(fields)...)
}

// Error logs at error level.
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, zapFields(fields)...)
}

func zapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
