package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var describeFlags struct {
	config string
	dot    bool
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the blocks of a pipeline in topological order",
	RunE:  runDescribe,
}

func init() {
	f := describeCmd.Flags()
	f.StringVarP(&describeFlags.config, "config", "c", "", "Pipeline configuration file (required)")
	f.BoolVar(&describeFlags.dot, "dot", false, "Print the graph in Graphviz DOT format")
	_ = describeCmd.MarkFlagRequired("config")
}

func runDescribe(cmd *cobra.Command, _ []string) error {
	config, built, err := loadPipeline(cmd.Context(), describeFlags.config, offlineOptions()...)
	if err != nil {
		return err
	}
	p := built.Pipeline
	out := cmd.OutOrStdout()

	if describeFlags.dot {
		return p.WriteDOT(out)
	}

	order, err := p.Topology()
	if err != nil {
		return fmt.Errorf("sort blocks: %w", err)
	}
	fmt.Fprintf(out, "Pipeline: %s\n", config.Name)
	fmt.Fprintf(out, "Entry:    %s\n", config.Entry)
	fmt.Fprintf(out, "Blocks:   (%d)\n", len(order))
	for _, name := range order {
		b, _ := p.Block(name)
		line := fmt.Sprintf("  %-12s %-12s", name, b.Kind())
		if next := b.Successors(); len(next) > 0 {
			line += " -> " + strings.Join(next, ", ")
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
	return nil
}
