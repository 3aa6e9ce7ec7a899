package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/otlp"
	"github.com/kylewlacy/systrument/internal/pipeline"
)

var (
	otelLogs   bool
	otelRebase bool
)

var otelCmd = &cobra.Command{
	Use:   "strace2otel <input>",
	Short: "Send a recorded trace to an OpenTelemetry collector",
	Long: `strace2otel replays a raw trace as OTLP spans (and, with --logs, log
records) over HTTP. The collector endpoint comes from
OTEL_EXPORTER_OTLP_ENDPOINT and defaults to http://localhost:4318.

Old recordings usually fall outside a backend's retention window; pass
--relative-to-now to shift every timestamp so the earliest event lands at
the current time while all durations stay exact.

Examples:
  systrument strace2otel build.strace
  systrument strace2otel build.strace --logs --relative-to-now`,
	Args: cobra.ExactArgs(1),
	RunE: runStrace2Otel,
}

func init() {
	rootCmd.AddCommand(otelCmd)
	otelCmd.Flags().BoolVar(&otelLogs, "logs", false, "emit each syscall as a log record")
	otelCmd.Flags().BoolVar(&otelRebase, "relative-to-now", false, "rebase timestamps so the trace starts now")
}

func runStrace2Otel(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening trace input: %w", err)
	}
	defer in.Close()

	table, err := event.LoadCategories()
	if err != nil {
		return err
	}
	rec := event.New(event.Options{Categories: table})

	client := otlp.NewClient(otlp.EndpointFromEnv())
	em := otlp.NewEmitter(client, otlp.Options{
		Logs:          otelLogs,
		RelativeToNow: otelRebase,
	})
	return pipeline.Run(cmd.Context(), in, rec, []pipeline.Emitter{em}, pipeline.Options{})
}
