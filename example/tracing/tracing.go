package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/synoptiq/go-qcflow"
	"github.com/synoptiq/go-qcflow/internal/demo"
)

// This example runs the example station with OTLP tracing enabled. Every
// block execution becomes a "<block>.execute" span; the verdict function is
// also wrapped in its own span because the configuration sets tracing: true.
//
// Start a collector first, e.g. Jaeger:
//
//	docker run --rm -p 16686:16686 -p 4317:4317 jaegertracing/all-in-one
func main() {
	fmt.Println("🔧 Initializing OpenTelemetry tracing...")
	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317" // Default OTLP gRPC endpoint
	}
	fmt.Printf("   Using OTLP endpoint: %s\n", otlpEndpoint)

	config, err := qcflow.LoadPipelineConfigFromFile("configs/example.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	config.Tracing = qcflow.TracingConfig{
		Enabled:  true,
		Type:     qcflow.TracingTypeOTLP,
		Endpoint: otlpEndpoint,
		Insecure: true,
	}
	config.Metrics.Enabled = false

	registry := qcflow.NewRegistry()
	if err := demo.Register(registry); err != nil {
		log.Fatalf("Failed to register functions: %v", err)
	}

	ctx := context.Background()
	built, err := qcflow.BuildPipelineFromConfig(ctx, config, registry,
		qcflow.WithBuildLogger(log.New(os.Stderr, "qcflow: ", log.LstdFlags)))
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := built.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down: %v", err)
		}
		fmt.Println("📤 Spans flushed")
	}()

	p := built.Pipeline
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	if err := p.StartCycle(); err != nil {
		log.Fatalf("Failed to open cycle: %v", err)
	}
	for piece := int64(1); piece <= 50; piece++ {
		if err := p.EnqueueToExecution(ctx, "tracing-example", piece, nil, demo.Images(piece)); err != nil {
			log.Fatalf("Failed to enqueue piece %d: %v", piece, err)
		}
	}
	if err := p.EndCycle(); err != nil {
		log.Fatalf("Failed to close cycle: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.WaitFinished(waitCtx, 10*time.Millisecond); err != nil {
		log.Printf("Pipeline did not finish: %v", err)
		return
	}

	passed := 0
	products := built.Composer.ExtractFinished()
	for _, product := range products {
		if product.Info.Result {
			passed++
		}
	}
	fmt.Printf("✅ Cycle %s: %d/%d pieces passed\n", p.CycleID(), passed, len(products))
	fmt.Println("🔍 Open http://localhost:16686 and search for service", config.Name)
}
