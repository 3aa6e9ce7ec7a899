// Package cli implements the systrument command-line interface using Cobra.
// It provides commands for recording commands under the tracer and for
// converting recorded traces to Perfetto and OpenTelemetry output.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/kylewlacy/systrument/internal/log"
	"github.com/kylewlacy/systrument/internal/strace"
)

var (
	verbose bool
	jsonOut bool
)

// childExitCode carries the traced child's exit status from record to
// Execute, so the wrapper is transparent to scripts checking $?.
var childExitCode int

var rootCmd = &cobra.Command{
	Use:   "systrument",
	Short: "Record syscall traces and convert them to Perfetto or OpenTelemetry",
	Long: `systrument runs commands under strace and turns the textual trace into
structured timelines: a Perfetto binary trace for the Perfetto UI, or
OTLP spans and logs sent to an OpenTelemetry collector.

Each traced process becomes a track or span; its syscalls become timed
slices within it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
		})
		return nil
	},
}

// Execute runs the root command and returns the process exit code: the
// child's status for record, 1 for parse failures, 2 for everything else.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCode(err)
	}
	return childExitCode
}

func exitCode(err error) int {
	if strace.IsParseFailure(err) {
		return 1
	}
	return 2
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
}
