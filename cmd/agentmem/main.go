// Agentmem stores text in a vector index and retrieves it by similarity.
//
// Usage:
//
//	# Add a document and query it back
//	agentmem add "Swarms agents collaborate." --meta source=notes
//	agentmem query "agents" -n 2
//
//	# Chunk and store every text file under a folder
//	agentmem ingest ./docs
//
//	# Serve the HTTP API, ingesting docs_folder first
//	AGENTMEM_DOCS_FOLDER=./docs agentmem serve
//
// Configuration comes from an optional YAML file (--config) and AGENTMEM_*
// environment variables. See internal/config for the keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/config"
	"github.com/fyrsmithlabs/agentmem/internal/embeddings"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
	"github.com/fyrsmithlabs/agentmem/internal/telemetry"
	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
	backend    string
	outputDir  string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "agentmem",
		Short: "Vector memory for agents",
		Long: `agentmem stores text with metadata in a local or remote vector index and
retrieves the most similar entries for a query.

The local backend persists under output_dir. The remote backend uses a
managed Qdrant cluster and needs remote.api_key, remote.environment and
remote.index_name.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&flags.backend, "backend", "", "override backend (local or remote)")
	pf.StringVar(&flags.outputDir, "output-dir", "", "override the local index directory")

	root.AddCommand(
		newAddCmd(&flags),
		newQueryCmd(&flags),
		newIngestCmd(&flags),
		newCountCmd(&flags),
		newDeleteCmd(&flags),
		newWatchCmd(&flags),
		newServeCmd(&flags),
	)
	return root
}

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	embedder  embeddings.Provider
	adapter   vectorstore.Adapter
}

// loadConfig applies flag overrides on top of file and environment settings.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.backend != "" {
		cfg.Backend = flags.backend
	}
	if flags.outputDir != "" {
		cfg.OutputDir = flags.outputDir
	}
	if flags.verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging, cfg.Verbose)
	if err != nil {
		return nil, err
	}
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	e := cfg.Embedding
	a.embedder, err = embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:   e.Provider,
		Model:      e.Model,
		BaseURL:    e.BaseURL,
		APIKey:     e.APIKey.Value(),
		Dimensions: e.Dimensions,
		CacheDir:   e.CacheDir,
		CacheSize:  e.CacheSize,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	a.adapter, err = vectorstore.NewAdapter(cfg, a.embedder, vectorstore.Hooks{}, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	logger.Debug(ctx, "agentmem ready",
		zap.String("backend", a.adapter.Backend()),
		zap.String("metric", cfg.Metric),
		zap.String("embedding_provider", e.Provider),
	)
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.adapter != nil {
		errs = append(errs, a.adapter.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp builds the app, runs fn and releases the app.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}
