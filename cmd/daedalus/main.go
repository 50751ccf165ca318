// Command daedalus runs a pipeline definition either as a batch execution or
// as an HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/coordinator"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/server"
)

type options struct {
	configPath   string
	serve        bool
	port         int
	timeout      time.Duration
	verbose      bool
	exportDOT    string
	natsURL      string
	otlpEndpoint string
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "daedalus",
		Short: "Concurrent DAG pipeline engine",
		Long: `Daedalus executes a pipeline of transformation steps declared as a
directed acyclic graph. In batch mode the pipeline's data sources drive
execution until every message drains; in serve mode the graph is rewritten
behind an HTTP entry point and each request receives exactly one correlated
response.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the pipeline definition JSON (required)")
	flags.BoolVar(&opts.serve, "serve", false, "run as an HTTP service instead of a batch execution")
	flags.IntVar(&opts.port, "port", 8080, "listen port in serve mode")
	flags.DurationVar(&opts.timeout, "timeout", server.DefaultRequestTimeout, "per-request deadline in serve mode, overall deadline in batch mode")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.exportDOT, "export-dot", "", "write the finalized graph as Graphviz DOT to this path and exit")
	flags.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL for sink result publishing (optional)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP HTTP endpoint for tracing (optional)")
	_ = cmd.MarkFlagRequired("config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	pipeline, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	mode := graph.ModeBatch
	if opts.serve {
		mode = graph.ModeServe
	}
	g, err := pipeline.Build(mode)
	if err != nil {
		return err
	}
	logger.Info("pipeline loaded",
		zap.String("config", opts.configPath),
		zap.String("mode", mode.String()),
		zap.Int("steps", len(g.Steps())))

	if opts.exportDOT != "" {
		return exportDOT(g, opts.exportDOT)
	}

	coordOpts := []coordinator.Option{coordinator.WithLogger(logger)}

	if opts.otlpEndpoint != "" {
		cfg := tracing.DefaultConfig("daedalus")
		cfg.OTLPEndpoint = opts.otlpEndpoint
		shutdown, err := tracing.Setup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = tracing.Shutdown(shutdown, logger) }()
		coordOpts = append(coordOpts, coordinator.WithTracer(otel.Tracer("daedalus")))
	}

	if opts.natsURL != "" {
		nc, err := natsconn.Connect(ctx, natsconn.DefaultConnectionConfig(opts.natsURL), logger)
		if err != nil {
			return err
		}
		defer func() { _ = natsconn.Close(nc) }()
		coordOpts = append(coordOpts, coordinator.WithNATS(nc))
	}

	coord, err := coordinator.New(g, coordOpts...)
	if err != nil {
		return err
	}

	if opts.serve {
		return runServe(ctx, coord, opts, logger)
	}
	return runBatch(ctx, coord, opts.timeout)
}

func runBatch(ctx context.Context, coord *coordinator.Coordinator, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return coord.Run(ctx)
}

func runServe(ctx context.Context, coord *coordinator.Coordinator, opts *options, logger *zap.Logger) error {
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	srv, err := server.New(coord, server.Config{
		Addr:           fmt.Sprintf(":%d", opts.port),
		RequestTimeout: opts.timeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func exportDOT(g *graph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating DOT file: %w", err)
	}
	defer f.Close()
	return g.WriteDOT(f)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
