package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentmem/internal/http"
	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host  string
		port  int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the adapter over HTTP until interrupted.

When docs_folder is set it is ingested before the server starts, and with
--watch it is kept in sync while the server runs.

Endpoints:
  GET    /health
  GET    /metrics
  POST   /api/v1/documents
  DELETE /api/v1/documents/:id
  POST   /api/v1/query
  POST   /api/v1/ingest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if host != "" {
					a.cfg.Server.Host = host
				}
				if port != 0 {
					a.cfg.Server.Port = port
				}
				return serve(ctx, a, watch)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default server.port)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-ingest docs_folder files as they change")
	return cmd
}

func serve(ctx context.Context, a *app, watch bool) error {
	if dir := a.cfg.DocsFolder; dir != "" {
		report, err := a.adapter.TraverseDirectory(ctx, dir)
		if err != nil {
			return fmt.Errorf("ingesting docs_folder: %w", err)
		}
		a.logger.Info(ctx, "docs_folder ingested",
			zap.String("path", dir),
			zap.Int("files", report.Files),
			zap.Int("chunks", report.Chunks),
			zap.Int("warnings", len(report.Warnings)),
		)
	}

	server, err := http.NewServer(a.adapter, a.logger, &http.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		NResults:    a.cfg.NResults,
		IngestRoots: append([]string{a.cfg.DocsFolder}, a.cfg.Server.IngestRoots...),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if watch && a.cfg.DocsFolder != "" {
		g.Go(func() error {
			return vectorstore.Watch(ctx, a.adapter, a.cfg.DocsFolder, ingest.WatchOptions{})
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Keep the index in sync with a directory",
		Long: `Ingest dir, then re-ingest files as they are created or modified and
forget the chunks of files that are removed. Runs until interrupted.
Defaults to docs_folder.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				dir := a.cfg.DocsFolder
				if len(args) == 1 {
					dir = args[0]
				}
				if dir == "" {
					return errors.New("no directory given and docs_folder is not set")
				}
				report, err := a.adapter.TraverseDirectory(ctx, dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %d chunks from %d files, watching %s\n", report.Chunks, report.Files, dir)

				return vectorstore.Watch(ctx, a.adapter, dir, ingest.WatchOptions{
					OnSync: func(ev ingest.SyncEvent) {
						switch {
						case ev.Err != nil:
							fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", ev.Source, ev.Err)
						case ev.Removed:
							fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", ev.Source)
						default:
							fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%d chunks)\n", ev.Source, ev.Chunks)
						}
					},
				})
			})
		},
	}
}
