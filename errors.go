package qcflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for API misuse.
var (
	// ErrPipelineNotOpened is returned by EnqueueToExecution outside the Opened status.
	ErrPipelineNotOpened = errors.New("pipeline is not opened")
	// ErrPipelineAlreadyStarted is returned when Start is called twice.
	ErrPipelineAlreadyStarted = errors.New("pipeline already started")
	// ErrPipelineNotStarted is returned when workers are required but not running.
	ErrPipelineNotStarted = errors.New("pipeline not started")
	// ErrBlockExists is returned when two blocks share a name.
	ErrBlockExists = errors.New("block already exists")
	// ErrBlockNotFound is returned when a block name is unknown.
	ErrBlockNotFound = errors.New("block not found")
	// ErrNoEntryBlock is returned when Start is called before SetEntry.
	ErrNoEntryBlock = errors.New("pipeline has no entry block")
	// ErrBlockStopped is returned by Enqueue once the block workers are gone.
	ErrBlockStopped = errors.New("block stopped")
	// ErrPieceNotFound is returned by Finish for unknown pieces.
	ErrPieceNotFound = errors.New("piece not found")
	// ErrPieceNotProcessing is returned by Finish for pieces already finished.
	ErrPieceNotProcessing = errors.New("piece is not processing")
	// ErrPoolClosed is returned by PipelinePool.Hold after Close.
	ErrPoolClosed = errors.New("pipeline pool closed")
)

// BlockError describes a failure tied to a named block.
type BlockError struct {
	BlockName     string
	OriginalError error
}

// Error implements the error interface for BlockError.
func (e *BlockError) Error() string {
	return fmt.Sprintf("block %q: %v", e.BlockName, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *BlockError) Unwrap() error {
	return e.OriginalError
}

// NewBlockError creates a new BlockError.
func NewBlockError(blockName string, err error) *BlockError {
	return &BlockError{BlockName: blockName, OriginalError: err}
}

// InspectionFault is published through ExceptionRaised when an inspection
// function returns an error or panics.
type InspectionFault struct {
	BlockName     string
	FunctionName  string
	PieceIndex    int64
	PanicValue    any
	StackTrace    string
	OriginalError error
}

// Error implements the error interface for InspectionFault.
func (e *InspectionFault) Error() string {
	if e.PanicValue != nil {
		return fmt.Sprintf("block %q function %q piece %d: panic: %v",
			e.BlockName, e.FunctionName, e.PieceIndex, e.PanicValue)
	}
	return fmt.Sprintf("block %q function %q piece %d: %v",
		e.BlockName, e.FunctionName, e.PieceIndex, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *InspectionFault) Unwrap() error {
	return e.OriginalError
}

// PipelineLifecycleError is returned when a lifecycle operation fails.
type PipelineLifecycleError struct {
	Operation     string
	Message       string
	OriginalError error
}

// Error implements the error interface for PipelineLifecycleError.
func (e *PipelineLifecycleError) Error() string {
	if e.OriginalError == nil {
		return fmt.Sprintf("pipeline %s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("pipeline %s: %s: %v", e.Operation, e.Message, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *PipelineLifecycleError) Unwrap() error {
	return e.OriginalError
}

// NewPipelineLifecycleError creates a new PipelineLifecycleError.
func NewPipelineLifecycleError(operation, message string, err error) *PipelineLifecycleError {
	return &PipelineLifecycleError{Operation: operation, Message: message, OriginalError: err}
}

// ConfigError reports an invalid pipeline configuration entry.
type ConfigError struct {
	Field         string
	OriginalError error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.OriginalError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, OriginalError: err}
}
