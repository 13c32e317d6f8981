package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateFlags struct {
	config string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a pipeline configuration and its graph",
	RunE:  runValidate,
}

func init() {
	f := validateCmd.Flags()
	f.StringVarP(&validateFlags.config, "config", "c", "", "Pipeline configuration file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	config, _, err := loadPipeline(cmd.Context(), validateFlags.config, offlineOptions()...)
	if err != nil {
		return fmt.Errorf("%s: %w", validateFlags.config, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: pipeline %q is valid (%d blocks, entry %q)\n",
		validateFlags.config, config.Name, len(config.Blocks), config.Entry)
	return nil
}
