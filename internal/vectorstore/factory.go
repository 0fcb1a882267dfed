package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/agentmem/internal/config"
	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
	"github.com/fyrsmithlabs/agentmem/internal/redact"
)

// NewAdapter builds the adapter selected by cfg.Backend:
//   - "local" (default): LocalAdapter persisted under cfg.OutputDir
//   - "remote": RemoteAdapter on Qdrant Cloud
//
// Built-in hooks enabled in cfg (secret redaction, max distance) are wired
// unless hooks already sets the corresponding field.
func NewAdapter(cfg *config.Config, embedder Embedder, hooks Hooks, logger *logging.Logger) (Adapter, error) {
	metric, err := ParseMetric(cfg.Metric)
	if err != nil {
		return nil, newError(cfg.Backend, "open", ErrConfig, err)
	}
	hooks, err = withConfiguredHooks(cfg, hooks, logger)
	if err != nil {
		return nil, newError(cfg.Backend, "open", ErrConfig, err)
	}
	opts, err := IngestOptions(cfg, logger)
	if err != nil {
		return nil, newError(cfg.Backend, "open", ErrConfig, err)
	}

	switch cfg.Backend {
	case config.BackendLocal, "":
		a, err := NewLocalAdapter(LocalConfig{
			OutputDir: cfg.OutputDir,
			Metric:    metric,
			Timeout:   cfg.Timeout.Duration(),
			Hooks:     hooks,
			Ingest:    opts,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return a, nil

	case config.BackendRemote:
		r := cfg.Remote
		a, err := NewRemoteAdapter(RemoteConfig{
			APIKey:       r.APIKey.Value(),
			Environment:  r.Environment,
			IndexName:    r.IndexName,
			Cluster:      r.Cluster,
			Host:         r.Host,
			Port:         r.Port,
			UseTLS:       r.UseTLS,
			Metric:       metric,
			MaxAttempts:  r.MaxAttempts,
			RetryBackoff: r.RetryBackoff.Duration(),
			RateLimit:    r.RateLimit,
			Timeout:      cfg.Timeout.Duration(),
			Hooks:        hooks,
			Ingest:       opts,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, newError(cfg.Backend, "open", ErrConfig, fmt.Errorf("unsupported backend %q", cfg.Backend))
	}
}

// IngestOptions maps the ingest settings in cfg to traverser options.
func IngestOptions(cfg *config.Config, logger *logging.Logger) (ingest.Options, error) {
	tok, err := ingest.NewTokenizer(cfg.Ingest.Tokenizer)
	if err != nil {
		return ingest.Options{}, err
	}
	return ingest.Options{
		LimitTokens:      cfg.LimitTokens,
		Extensions:       cfg.Ingest.Extensions,
		Workers:          cfg.Ingest.Workers,
		RespectGitignore: cfg.Ingest.RespectGitignore,
		Tokenizer:        tok,
		Logger:           logger,
	}, nil
}

func withConfiguredHooks(cfg *config.Config, hooks Hooks, logger *logging.Logger) (Hooks, error) {
	if cfg.Preprocess.RedactSecrets && hooks.Preprocess == nil {
		r, err := redact.New(redact.Options{Logger: logger})
		if err != nil {
			return hooks, err
		}
		hooks.Preprocess = r
	}
	if d := cfg.Postprocess.MaxDistance; d > 0 && hooks.Postprocess == nil {
		hooks.Postprocess = MaxDistance(float32(d))
	}
	return hooks, nil
}
