package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/perfetto"
	"github.com/kylewlacy/systrument/internal/pipeline"
)

var (
	perfettoOutput string
	perfettoLogs   bool
)

var perfettoCmd = &cobra.Command{
	Use:   "strace2perfetto <input> -o <file>",
	Short: "Convert a recorded trace to the Perfetto binary format",
	Long: `strace2perfetto converts a raw trace recorded with systrument record (or
with strace's canonical flags directly) into a binary Perfetto trace that
opens in ui.perfetto.dev.

Examples:
  systrument strace2perfetto build.strace -o build.pftrace
  systrument strace2perfetto build.strace -o build.pftrace --logs`,
	Args: cobra.ExactArgs(1),
	RunE: runStrace2Perfetto,
}

func init() {
	rootCmd.AddCommand(perfettoCmd)
	perfettoCmd.Flags().StringVarP(&perfettoOutput, "output", "o", "", "Perfetto output file (required)")
	perfettoCmd.Flags().BoolVar(&perfettoLogs, "logs", false, "emit each syscall as a log record")
	perfettoCmd.MarkFlagRequired("output")
}

func runStrace2Perfetto(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening trace input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(perfettoOutput)
	if err != nil {
		return fmt.Errorf("creating perfetto output: %w", err)
	}

	table, err := event.LoadCategories()
	if err != nil {
		out.Close()
		return err
	}
	rec := event.New(event.Options{Categories: table})
	em := perfetto.NewEmitter(out, perfetto.Options{Logs: perfettoLogs})

	runErr := pipeline.Run(cmd.Context(), in, rec, []pipeline.Emitter{em}, pipeline.Options{})
	if cerr := out.Close(); runErr == nil && cerr != nil {
		runErr = fmt.Errorf("closing perfetto output: %w", cerr)
	}
	return runErr
}
