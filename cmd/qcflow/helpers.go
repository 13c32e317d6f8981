package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/synoptiq/go-qcflow"
	"github.com/synoptiq/go-qcflow/internal/demo"
)

// loadPipeline reads the configuration at path and builds it against the
// demo functions. The pipeline is not started.
func loadPipeline(ctx context.Context, path string, options ...qcflow.BuildOption) (*qcflow.PipelineConfig, *qcflow.BuiltPipeline, error) {
	config, err := qcflow.LoadPipelineConfigFromFile(path)
	if err != nil {
		return nil, nil, err
	}

	registry := qcflow.NewRegistry()
	if err := demo.Register(registry); err != nil {
		return nil, nil, fmt.Errorf("register demo functions: %w", err)
	}

	built, err := qcflow.BuildPipelineFromConfig(ctx, config, registry, options...)
	if err != nil {
		return nil, nil, err
	}
	return config, built, nil
}

// offlineOptions keep commands that never run the pipeline from creating
// exporters.
func offlineOptions() []qcflow.BuildOption {
	return []qcflow.BuildOption{
		qcflow.WithBuildLogger(log.New(io.Discard, "", 0)),
		qcflow.WithBuildMetrics(qcflow.DefaultMetricsCollector),
		qcflow.WithBuildTracerProvider(qcflow.NoopTracerProvider{}),
	}
}
