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

// This example assembles a pipeline in code instead of YAML:
//
//	capture (one_to_many, per image) -> surface (one_to_one) -> verdict (sink)
//
// Each image of a piece is checked separately; the first image reaching the
// sink finishes the piece and later ones are ignored by the composer.

func buildPipeline(logger *log.Logger) (*qcflow.Pipeline, *qcflow.ResultComposer, error) {
	pool := qcflow.NewObjectFunctionPool()
	functions := []qcflow.FunctionFactory{
		func() qcflow.InspectionFunction { return &demo.Camera{EmptyEvery: 7} },
		func() qcflow.InspectionFunction { return &demo.Surface{SaturatedEvery: 11, MaxScratches: 3} },
		func() qcflow.InspectionFunction {
			return qcflow.InspectionFunc(func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
				scratches, ok := msg.Result("scratches")
				return qcflow.InspectionResult{
					Result:  ok && scratches.Value.(int64) <= 3,
					Success: ok,
					Enabled: true,
				}, nil
			})
		},
	}
	for i, factory := range functions {
		if err := pool.Register(i, fmt.Sprintf("fn%d", i), factory); err != nil {
			return nil, nil, err
		}
	}

	composer := qcflow.NewResultComposer(qcflow.WithComposerLogger(logger))
	p := qcflow.NewPipeline("per-image", composer, pool, qcflow.WithPipelineLogger(logger))

	blocks := []*qcflow.Block{
		qcflow.NewOneToManyBlock("capture", 0, qcflow.WithExpand(qcflow.ExpandPerImage)),
		qcflow.NewOneToOneBlock("surface", 1, qcflow.WithParallelism(4)),
		qcflow.NewSinkBlock("verdict", 2),
	}
	for _, b := range blocks {
		if err := p.AddBlock(b); err != nil {
			return nil, nil, err
		}
	}
	if err := p.Link("capture", "surface"); err != nil {
		return nil, nil, err
	}
	if err := p.Link("surface", "verdict"); err != nil {
		return nil, nil, err
	}
	if err := p.SetEntry("capture"); err != nil {
		return nil, nil, err
	}
	return p, composer, nil
}

func main() {
	logger := log.New(os.Stderr, "qcflow: ", log.LstdFlags)

	p, composer, err := buildPipeline(logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	p.Events().OnExceptionRaised(func(err error) {
		fmt.Printf("⚠️  %v\n", err)
	})
	p.Events().OnFreedPipeline(func(last int64) {
		fmt.Printf("🏁 Cycle finished, last piece %d\n", last)
	})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer p.Stop(ctx)

	if err := p.StartCycle(); err != nil {
		log.Fatalf("Failed to open cycle: %v", err)
	}
	for piece := int64(1); piece <= 24; piece++ {
		if err := p.EnqueueToExecution(ctx, "example", piece, nil, demo.Images(piece)); err != nil {
			log.Fatalf("Failed to enqueue piece %d: %v", piece, err)
		}
	}
	if err := p.EndCycle(); err != nil {
		log.Fatalf("Failed to close cycle: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.WaitFinished(waitCtx, 10*time.Millisecond); err != nil {
		log.Fatalf("Pipeline did not finish: %v", err)
	}

	for _, product := range composer.ExtractFinished() {
		verdict := "✅ PASS"
		if !product.Info.Result {
			verdict = "❌ FAIL"
		}
		fmt.Printf("piece %2d %s  inspections=%d  %s\n",
			product.Info.PieceIndex, verdict, len(product.Inspections), product.Info.Error)
	}
}
