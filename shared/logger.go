package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerAdapter interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	With(fields ...zap.Field) LoggerAdapter
	Sync() error
}

// FileLogConfig describes a rotating log file.
type FileLogConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      string
}

type zapLogger struct {
	logger *zap.Logger
}

var _ LoggerAdapter = (*zapLogger)(nil)

func (l *zapLogger) Error(msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.logger.Error(msg, fields...)
}

func (l *zapLogger) Warn(msg string, fields ...zap.Field) {
	l.logger.Warn(msg, fields...)
}

func (l *zapLogger) Info(msg string, fields ...zap.Field) {
	l.logger.Info(msg, fields...)
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

// Trace maps to zap's debug level; zap has no finer level.
func (l *zapLogger) Trace(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

func (l *zapLogger) With(fields ...zap.Field) LoggerAdapter {
	return &zapLogger{logger: l.logger.With(fields...)}
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}

// NewLogger wraps an existing zap logger. The caller skip is adjusted so
// reported callers point at the adapter's callers.
func NewLogger(logger *zap.Logger) LoggerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func NewNopLogger() LoggerAdapter {
	return &zapLogger{logger: zap.NewNop()}
}

func NewStdLogger(level string) (LoggerAdapter, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewLogger(logger), nil
}

func NewFileLogger(cfg FileLogConfig) (LoggerAdapter, error) {
	lvl := zapcore.DebugLevel
	if cfg.Level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	hook := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(hook),
		lvl,
	)
	return NewLogger(zap.New(core, zap.AddCaller())), nil
}
