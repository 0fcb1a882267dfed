// Package logging wraps zap with context-aware helpers, secret redaction,
// sampling and an optional OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/agentmem/internal/config"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug and is meant for per-vector and per-chunk detail.
const TraceLevel = zapcore.Level(-2)

// Config holds logger configuration.
type Config struct {
	Level     zapcore.Level
	Format    string // json or console
	Output    OutputConfig
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string
	Redaction RedactionConfig
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	// Writer receives encoded entries. Nil means stderr so that stdout stays
	// free for command output.
	Writer io.Writer
	OTEL   bool
}

// SamplingConfig controls log volume for entries below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns that must never be
// written verbatim.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns info-level JSON logging to stderr with redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Sampling: SamplingConfig{
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{
			"service": "agentmem",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"api_key", "apikey", "token", "secret", "password", "authorization",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// FromSettings builds a Config from the file/env level settings. verbose
// forces debug level regardless of the configured level.
func FromSettings(s config.LoggingConfig, verbose bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Sampling.Enabled = s.Sampling
	if verbose && cfg.Level > zapcore.DebugLevel {
		cfg.Level = zapcore.DebugLevel
	}
	return cfg, cfg.Validate()
}

// LevelFromString parses a level name, accepting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}

func (c *Config) writer() zapcore.WriteSyncer {
	if c.Output.Writer == nil {
		return zapcore.Lock(os.Stderr)
	}
	if ws, ok := c.Output.Writer.(zapcore.WriteSyncer); ok {
		return zapcore.Lock(ws)
	}
	return zapcore.AddSync(c.Output.Writer)
}
