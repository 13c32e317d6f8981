package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/synoptiq/go-qcflow"
	"github.com/synoptiq/go-qcflow/internal/demo"
	"github.com/synoptiq/go-qcflow/internal/resultstore"
)

var simulateFlags struct {
	config       string
	pieces       int64
	cycles       int
	db           string
	serveMetrics bool
	verbose      bool
	timeout      time.Duration
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated pieces through a pipeline",
	Long: `Builds the pipeline, then runs --cycles inspection cycles of --pieces pieces
each against the simulated gauging station. Product results are printed per
cycle and, with --db, stored in a SQLite database.

When the configuration selects Prometheus metrics with a listen address, the
metrics are served on /metrics while the simulation runs.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simulateFlags.config, "config", "c", "", "Pipeline configuration file (required)")
	f.Int64Var(&simulateFlags.pieces, "pieces", 100, "Pieces per cycle")
	f.IntVar(&simulateFlags.cycles, "cycles", 1, "Number of cycles")
	f.StringVar(&simulateFlags.db, "db", "", "SQLite database storing the product results")
	f.BoolVar(&simulateFlags.serveMetrics, "serve-metrics", true, "Serve Prometheus metrics on metrics.listen")
	f.BoolVarP(&simulateFlags.verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	f.DurationVar(&simulateFlags.timeout, "cycle-timeout", time.Minute, "Maximum duration of one cycle")
	_ = simulateCmd.MarkFlagRequired("config")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	if simulateFlags.pieces <= 0 || simulateFlags.cycles <= 0 {
		return errors.New("--pieces and --cycles must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger := log.New(io.Discard, "", 0)
	if simulateFlags.verbose {
		logger = log.New(cmd.ErrOrStderr(), "qcflow: ", log.LstdFlags)
	}

	config, built, err := loadPipeline(ctx, simulateFlags.config, qcflow.WithBuildLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := built.Shutdown(shutdownCtx); err != nil {
			logger.Printf("ERROR: shutdown: %v", err)
		}
	}()

	if prom, ok := built.Metrics.(*qcflow.PrometheusMetricsCollector); ok && simulateFlags.serveMetrics && config.Metrics.Listen != "" {
		server := serveMetrics(config.Metrics.Listen, prom, logger)
		defer server.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on %s/metrics\n", config.Metrics.Listen)
	}

	var store *resultstore.Store
	if simulateFlags.db != "" {
		if store, err = resultstore.Open(ctx, simulateFlags.db); err != nil {
			return err
		}
		defer store.Close()
	}

	p := built.Pipeline
	if err := p.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	next := int64(1)
	for cycle := 1; cycle <= simulateFlags.cycles; cycle++ {
		products, err := runCycle(ctx, p, next, simulateFlags.pieces)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		next += simulateFlags.pieces

		cycleID := p.CycleID()
		summary := summarize(products)
		if store != nil {
			if err := store.SaveCycle(ctx, cycleID, products); err != nil {
				return fmt.Errorf("cycle %d: %w", cycle, err)
			}
			if summary, err = store.Summary(ctx, cycleID); err != nil {
				return fmt.Errorf("cycle %d: %w", cycle, err)
			}
		}
		fmt.Fprintf(out, "cycle %d/%d %s: %d pieces, %d passed, %d failed, %d with errors\n",
			cycle, simulateFlags.cycles, shortID(cycleID), summary.Total, summary.Passed, summary.Failed, summary.Errored)
	}
	return nil
}

// runCycle admits pieces [first, first+count) and returns their products once
// the pipeline is idle.
func runCycle(ctx context.Context, p *qcflow.Pipeline, first, count int64) ([]qcflow.ProductResult, error) {
	if err := p.StartCycle(); err != nil {
		return nil, err
	}
	for piece := first; piece < first+count; piece++ {
		err := p.EnqueueToExecution(ctx, "simulator", piece, nil, demo.Images(piece),
			qcflow.String("station", "gauging"))
		if err != nil {
			// Interrupted: drain what was admitted.
			if purgeErr := p.Purge(); purgeErr != nil {
				return nil, errors.Join(err, purgeErr)
			}
			break
		}
	}
	if p.Status() == qcflow.StatusOpened {
		if err := p.EndCycle(); err != nil {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), simulateFlags.timeout)
	defer cancel()
	if err := p.WaitFinished(waitCtx, 5*time.Millisecond); err != nil {
		return nil, fmt.Errorf("waiting for pipeline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Composer().ExtractFinished(), nil
}

func summarize(products []qcflow.ProductResult) resultstore.Summary {
	summary := resultstore.Summary{Total: len(products)}
	for _, p := range products {
		if p.Info.Result {
			summary.Passed++
		}
		if p.Info.Error != "" {
			summary.Errored++
		}
	}
	summary.Failed = summary.Total - summary.Passed
	return summary
}

func serveMetrics(addr string, prom *qcflow.PrometheusMetricsCollector, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ERROR: metrics server: %v", err)
		}
	}()
	return server
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
