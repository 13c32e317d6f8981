package qcflow

import (
	"context"
	"time"
)

// InspectionResult is one function's contribution to a piece's result.
type InspectionResult struct {
	FunctionName string
	BlockName    string
	PieceIndex   int64

	// Result is the pass/fail verdict of the inspection.
	Result bool
	// Success is false when the function could not produce a verdict.
	Success bool
	Enabled bool
	// IncludeInResult marks inspections that take part in the piece verdict.
	IncludeInResult bool
	Error           string

	Outputs Parameters
	Images  Images

	Started  time.Time
	Duration time.Duration
}

// HasError reports whether the result carries an error.
func (r InspectionResult) HasError() bool {
	return r.Error != ""
}

// errorResult builds the error-flagged empty result used for faults and short-circuits.
func errorResult(blockName, functionName string, pieceIndex int64, msg string) InspectionResult {
	return InspectionResult{
		FunctionName: functionName,
		BlockName:    blockName,
		PieceIndex:   pieceIndex,
		Result:       false,
		Success:      false,
		Enabled:      true,
		Error:        msg,
		Started:      time.Now(),
	}
}

// InspectionFunction is the pluggable algorithm executed by a block.
// Implementations may return an error or panic; both are contained by the block.
type InspectionFunction interface {
	Execute(ctx context.Context, msg *Message) (InspectionResult, error)
}

// InspectionFunc adapts a plain function to InspectionFunction.
type InspectionFunc func(ctx context.Context, msg *Message) (InspectionResult, error)

// Execute implements InspectionFunction.
func (f InspectionFunc) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	return f(ctx, msg)
}

// FunctionPool hands out inspection-function instances by function index.
// Every instance obtained with GetFromPool must be released exactly once.
type FunctionPool interface {
	GetFromPool(functionIndex int) (InspectionFunction, error)
	Release(functionIndex int, fn InspectionFunction)
}
