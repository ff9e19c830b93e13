// Package structured is a JSON logging backend built on zap, meant for
// deployments where logs are shipped to a collector.
package structured

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type StructuredLogger struct {
	logger *zap.SugaredLogger
}

type StructuredLoggerParams struct {
	Debug   bool
	Service string
}

func NewStructuredLogger(params StructuredLoggerParams) (*StructuredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if params.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	base, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	if params.Service != "" {
		base = base.With(zap.String("service", params.Service))
	}
	return &StructuredLogger{logger: base.Sugar()}, nil
}

func (s *StructuredLogger) Log(message string, keyvals ...any) {
	s.logger.Infow(message, keyvals...)
}

func (s *StructuredLogger) Info(message string, keyvals ...any) {
	s.logger.Infow(message, keyvals...)
}

func (s *StructuredLogger) Warn(message string, keyvals ...any) {
	s.logger.Warnw(message, keyvals...)
}

func (s *StructuredLogger) Error(message string, keyvals ...any) {
	s.logger.Errorw(message, keyvals...)
}

func (s *StructuredLogger) Debug(message string, keyvals ...any) {
	s.logger.Debugw(message, keyvals...)
}

func (s *StructuredLogger) Fatal(message string, keyvals ...any) {
	s.logger.Fatalw(message, keyvals...)
}

func (s *StructuredLogger) Sync() error {
	return s.logger.Sync()
}
