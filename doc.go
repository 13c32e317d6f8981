// Package qcflow runs product inspections through a graph of blocks.
//
// Each piece admitted with Pipeline.EnqueueToExecution flows from the entry
// block to one or more sink blocks. Blocks execute pooled InspectionFunctions,
// and every result is aggregated per piece by a ResultComposer until the piece
// is finished and extracted. A pipeline runs in cycles:
//
//	StartCycle -> EnqueueToExecution... -> EndCycle (or Purge) -> IsFinished
//
// Pipelines can be assembled in code or from a YAML description with
// ParsePipelineConfig and BuildPipelineFromConfig.
package qcflow
