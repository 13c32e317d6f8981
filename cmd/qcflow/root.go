// qcflow runs quality-control inspection pipelines described in YAML.
//
// Usage:
//
//	qcflow validate -c <config>
//	qcflow describe -c <config> [--dot]
//	qcflow simulate -c <config> [--pieces=N] [--cycles=N] [--db=<path>]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "qcflow",
	Short: "Run quality-control inspection pipelines",
	Long: "qcflow builds an inspection pipeline from a YAML configuration and runs it\n" +
		"against the simulated gauging-station functions.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
