// Package config provides configuration loading for agentmem.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then AGENTMEM_* environment variables. Only the CLI loads configuration;
// the adapter packages take explicit config structs and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Backend names.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config holds the complete agentmem configuration.
type Config struct {
	Backend     string            `koanf:"backend"`
	Metric      string            `koanf:"metric"`
	OutputDir   string            `koanf:"output_dir"`
	LimitTokens int               `koanf:"limit_tokens"`
	NResults    int               `koanf:"n_results"`
	DocsFolder  string            `koanf:"docs_folder"`
	Verbose     bool              `koanf:"verbose"`
	Timeout     Duration          `koanf:"timeout"`
	Remote      RemoteConfig      `koanf:"remote"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	Preprocess  PreprocessConfig  `koanf:"preprocess"`
	Postprocess PostprocessConfig `koanf:"postprocess"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// RemoteConfig holds the managed vector service settings.
type RemoteConfig struct {
	APIKey       Secret   `koanf:"api_key"`
	Environment  string   `koanf:"environment"`
	IndexName    string   `koanf:"index_name"`
	Cluster      string   `koanf:"cluster"`
	Host         string   `koanf:"host"`
	Port         int      `koanf:"port"`
	UseTLS       bool     `koanf:"use_tls"`
	MaxAttempts  int      `koanf:"max_attempts"`
	RetryBackoff Duration `koanf:"retry_backoff"`
	RateLimit    float64  `koanf:"rate_limit"` // requests per second, 0 = unlimited
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `koanf:"provider"` // hash, fastembed, tei, openai
	Model      string `koanf:"model"`
	BaseURL    string `koanf:"base_url"`
	APIKey     Secret `koanf:"api_key"`
	Dimensions int    `koanf:"dimensions"`
	CacheDir   string `koanf:"cache_dir"`
	CacheSize  int    `koanf:"cache_size"`
}

// PreprocessConfig toggles built-in preprocessing hooks.
type PreprocessConfig struct {
	RedactSecrets bool `koanf:"redact_secrets"`
}

// PostprocessConfig toggles built-in postprocessing hooks.
type PostprocessConfig struct {
	// MaxDistance drops results whose normalized distance exceeds it. 0 disables.
	MaxDistance float64 `koanf:"max_distance"`
}

// IngestConfig controls directory traversal.
type IngestConfig struct {
	Extensions       []string `koanf:"extensions"`
	Workers          int      `koanf:"workers"`
	RespectGitignore bool     `koanf:"respect_gitignore"`
	Tokenizer        string   `koanf:"tokenizer"` // words, tiktoken
}

// LoggingConfig is the subset of logger settings exposed through config files.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// IngestRoots are directories, besides docs_folder, that
	// POST /api/v1/ingest may traverse.
	IngestRoots []string `koanf:"ingest_roots"`
}

// TelemetryConfig controls OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc, http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	SampleRate      float64  `koanf:"sample_rate"`
	Metrics         bool     `koanf:"metrics"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Backend:     BackendLocal,
		Metric:      "cosine",
		OutputDir:   "results",
		LimitTokens: 1000,
		NResults:    2,
		Timeout:     Duration(30 * time.Second),
		Remote: RemoteConfig{
			Port:         6334,
			UseTLS:       true,
			MaxAttempts:  3,
			RetryBackoff: Duration(500 * time.Millisecond),
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Dimensions: 384,
			CacheSize:  1024,
		},
		Ingest: IngestConfig{
			Workers:          4,
			RespectGitignore: true,
			Tokenizer:        "words",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "agentmem",
			ServiceVersion:  "0.1.0",
			SampleRate:      1.0,
			Metrics:         true,
			ExportInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendLocal, BackendRemote:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendLocal, BackendRemote, c.Backend))
	}
	switch c.Metric {
	case "cosine", "l2", "ip":
	default:
		errs = append(errs, fmt.Errorf("metric must be cosine, l2 or ip, got %q", c.Metric))
	}
	if c.OutputDir == "" && c.Backend == BackendLocal {
		errs = append(errs, errors.New("output_dir is required for the local backend"))
	}
	if c.LimitTokens <= 0 {
		errs = append(errs, fmt.Errorf("limit_tokens must be > 0, got %d", c.LimitTokens))
	}
	if c.NResults < 1 {
		errs = append(errs, fmt.Errorf("n_results must be >= 1, got %d", c.NResults))
	}
	if c.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}

	if c.Backend == BackendRemote {
		if !c.Remote.APIKey.IsSet() {
			errs = append(errs, errors.New("remote.api_key is required"))
		}
		if c.Remote.Environment == "" {
			errs = append(errs, errors.New("remote.environment is required"))
		}
		if c.Remote.IndexName == "" {
			errs = append(errs, errors.New("remote.index_name is required"))
		}
		if c.Remote.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("remote.max_attempts must be >= 1, got %d", c.Remote.MaxAttempts))
		}
	}

	switch c.Embedding.Provider {
	case "hash", "fastembed", "tei", "openai":
	default:
		errs = append(errs, fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be >= 0, got %d", c.Embedding.Dimensions))
	}

	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be >= 1, got %d", c.Ingest.Workers))
	}
	switch c.Ingest.Tokenizer {
	case "words", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("ingest.tokenizer must be words or tiktoken, got %q", c.Ingest.Tokenizer))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the telemetry settings. Disabled telemetry is always valid.
func (t TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	var errs []error
	if t.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if t.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name is required when telemetry is enabled"))
	}
	switch t.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", t.Protocol))
	}
	if t.Insecure && !IsLocalEndpoint(t.Endpoint) {
		errs = append(errs, errors.New("telemetry.insecure is only allowed for local endpoints"))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", t.SampleRate))
	}
	if t.Metrics && t.ExportInterval.Duration() <= 0 {
		errs = append(errs, errors.New("telemetry.export_interval must be > 0 when metrics are exported"))
	}
	return errors.Join(errs...)
}

// IsLocalEndpoint reports whether a host[:port] endpoint is a loopback address.
func IsLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
