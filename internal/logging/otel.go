package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore tees the redacting writer core with the OTEL bridge when a
// provider is given, then applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}
	core := zapcore.NewCore(encoder, cfg.writer(), cfg.Level)

	if cfg.Output.OTEL && otelProvider != nil {
		core = zapcore.NewTee(core, otelzap.NewCore("github.com/fyrsmithlabs/agentmem",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	return newSampledCore(core, cfg.Sampling), nil
}
