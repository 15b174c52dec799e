package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/subscriptiondb/internal/harvest"
	"github.com/bryan-buckman/subscriptiondb/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	NoHarvest bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, engine and harvester",
		Long: `Start the engine, the HTTP API and, when sources are configured, the feed
harvester. Runs until interrupted; queued writes are drained before exit.

Example:
  subscriptiondb serve --config subscriptiondb.yaml
  SUBSCRIPTIONDB_ADDR=:8080 subscriptiondb serve -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoHarvest, "no-harvest", false, "do not poll feed sources")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("close", "error", err)
		}
	}()

	addr := a.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	sources := harvest.ConfiguredSources(a.cfg.Harvest.Sources, a.cfg.Harvest.OPMLFile)
	srv := server.New(a.engine, server.Options{
		RestrictMode: a.cfg.Server.RestrictMode,
		Whitelist:    a.cfg.Server.Whitelist,
		Logger:       a.logger,
		Sources:      sources,
	})

	// The engine outlives the server so requests accepted during shutdown are drained.
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(engineCtx) }()
	select {
	case <-a.engine.Ready():
	case err := <-engineDone:
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, addr)
	})
	if !opts.NoHarvest && (len(a.cfg.Harvest.Sources) > 0 || a.cfg.Harvest.OPMLFile != "") {
		h := harvest.New(a.engine, harvest.WithLogger(a.logger))
		p := harvest.NewPoller(h, sources, a.cfg.Harvest.Interval)
		g.Go(func() error {
			return p.Run(gctx)
		})
	}
	serveErr := g.Wait()

	a.logger.Info("shutting down")
	a.engine.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout+time.Second)
	if err := a.engine.WaitIdle(drainCtx); err != nil {
		a.logger.Warn("queues not drained before stop", "error", err)
	}
	cancel()
	stopEngine()
	if err := <-engineDone; err != nil {
		return err
	}
	return serveErr
}
