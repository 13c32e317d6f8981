package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/synoptiq/go-qcflow"
)

// FlakySensor fails for a stretch of pieces, as a laser sensor does while a
// cover is open.
type FlakySensor struct {
	failFrom, failTo int64
	calls            atomic.Int64
}

func (s *FlakySensor) Name() string { return "laser" }

func (s *FlakySensor) Execute(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	s.calls.Add(1)
	if msg.PieceIndex >= s.failFrom && msg.PieceIndex <= s.failTo {
		return qcflow.InspectionResult{}, errors.New("laser cover open")
	}
	// Simulate acquisition time
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return qcflow.InspectionResult{}, ctx.Err()
	}
	return qcflow.InspectionResult{
		Result:  true,
		Success: true,
		Enabled: true,
		Outputs: qcflow.Parameters{qcflow.Float("flatness", 0.02)},
	}, nil
}

func main() {
	sensor := &FlakySensor{failFrom: 5, failTo: 12}
	breaker := qcflow.NewCircuitBreaker(3, 50*time.Millisecond, qcflow.WithSuccessThreshold(2))

	pool := qcflow.NewObjectFunctionPool()
	if err := pool.Register(0, "laser", func() qcflow.InspectionFunction { return breaker.Wrap(sensor) }); err != nil {
		log.Fatalf("Failed to register function: %v", err)
	}

	composer := qcflow.NewResultComposer()
	p := qcflow.NewPipeline("circuit", composer, pool)
	if err := p.AddBlock(qcflow.NewSinkBlock("flatness", 0)); err != nil {
		log.Fatalf("Failed to add block: %v", err)
	}
	if err := p.SetEntry("flatness"); err != nil {
		log.Fatalf("Failed to set entry: %v", err)
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer p.Stop(ctx)

	fmt.Println("⚡ Circuit breaker example")
	fmt.Println("Pieces 5 to 12 hit an open sensor cover. After 3 failures the circuit opens")
	fmt.Println("and the sensor is left alone until the reset timeout elapses.")
	fmt.Println()

	if err := p.StartCycle(); err != nil {
		log.Fatalf("Failed to open cycle: %v", err)
	}
	for piece := int64(1); piece <= 30; piece++ {
		if err := p.EnqueueToExecution(ctx, "example", piece, nil, nil); err != nil {
			log.Fatalf("Failed to enqueue piece %d: %v", piece, err)
		}
		product, ok := waitPiece(composer, piece)
		if !ok {
			log.Fatalf("Piece %d did not finish", piece)
		}
		status := "✅"
		if !product.Info.Result {
			status = "❌"
		}
		fmt.Printf("piece %2d %s circuit=%-9s %s\n", piece, status, breaker.State(), product.Info.Error)
		time.Sleep(10 * time.Millisecond)
	}
	_ = p.EndCycle()

	fmt.Printf("\nThe sensor was called %d times for 30 pieces.\n", sensor.calls.Load())
}

func waitPiece(composer *qcflow.ResultComposer, piece int64) (qcflow.ProductResult, bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if product, ok := composer.TryExtract(piece); ok {
			return product, true
		}
		time.Sleep(time.Millisecond)
	}
	return qcflow.ProductResult{}, false
}
