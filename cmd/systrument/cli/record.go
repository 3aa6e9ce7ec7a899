package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/log"
	"github.com/kylewlacy/systrument/internal/otlp"
	"github.com/kylewlacy/systrument/internal/perfetto"
	"github.com/kylewlacy/systrument/internal/pipeline"
	"github.com/kylewlacy/systrument/internal/session"
	"github.com/kylewlacy/systrument/internal/tracer"
)

// defaultTraceExpr narrows tracing to the classes the default category
// filter keeps, so the child pays for fewer stops.
const defaultTraceExpr = "trace=%file,%process"

var (
	recordOutput   string
	recordPerfetto string
	recordOtel     bool
	recordAll      bool
	recordLogs     bool
)

var recordCmd = &cobra.Command{
	Use:   "record -o <file> [flags] -- <command...>",
	Short: "Run a command under the tracer and record its syscalls",
	Long: `Record runs a command under strace and writes the raw trace to the file
given with -o. With --output-perfetto or --otel the trace is also converted
live while the command runs.

The command's exit code becomes record's exit code, so wrapping a command
does not change what scripts observe.

Examples:
  systrument record -o build.strace -- make all
  systrument record -o run.strace --output-perfetto run.pftrace -- ./server
  systrument record -o run.strace --otel --logs -- ./server --port 8080`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "raw trace output file (required)")
	recordCmd.Flags().StringVar(&recordPerfetto, "output-perfetto", "", "also write a Perfetto trace to this file")
	recordCmd.Flags().BoolVar(&recordOtel, "otel", false, "also send spans to an OpenTelemetry collector")
	recordCmd.Flags().BoolVar(&recordAll, "all", false, "trace all syscalls, not just file and process classes")
	recordCmd.Flags().BoolVar(&recordLogs, "logs", false, "emit each syscall as a log record in converted output")
	recordCmd.MarkFlagRequired("output")
}

func runRecord(cmd *cobra.Command, argv []string) error {
	var emitters []pipeline.Emitter
	var perfettoFile *os.File
	if recordPerfetto != "" {
		f, err := os.Create(recordPerfetto)
		if err != nil {
			return fmt.Errorf("creating perfetto output: %w", err)
		}
		perfettoFile = f
		emitters = append(emitters, perfetto.NewEmitter(f, perfetto.Options{Logs: recordLogs}))
	}
	if recordOtel {
		client := otlp.NewClient(otlp.EndpointFromEnv())
		emitters = append(emitters, otlp.NewEmitter(client, otlp.Options{Logs: recordLogs}))
	}

	opts := tracer.Options{
		CapturePath: recordOutput,
		Interactive: isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
	}
	if !recordAll {
		opts.TraceExpr = defaultTraceExpr
	}

	var pipeErr error
	pipeDone := make(chan struct{})
	var pw *io.PipeWriter
	if len(emitters) > 0 {
		table, err := event.LoadCategories()
		if err != nil {
			return err
		}
		filter := event.DefaultFilter()
		if recordAll {
			filter = nil
		}
		rec := event.New(event.Options{Categories: table, Filter: filter})

		var pr *io.PipeReader
		pr, pw = io.Pipe()
		opts.Sink = pw
		go func() {
			defer close(pipeDone)
			pipeErr = pipeline.Run(cmd.Context(), pr, rec, emitters, pipeline.Options{})
			// Keep draining so a conversion failure does not stall the child.
			io.Copy(io.Discard, pr)
		}()
	} else {
		close(pipeDone)
	}

	started := time.Now()
	code, err := tracer.Run(cmd.Context(), argv, opts)
	if pw != nil {
		pw.Close()
	}
	<-pipeDone
	if perfettoFile != nil {
		if cerr := perfettoFile.Close(); cerr != nil && pipeErr == nil {
			pipeErr = fmt.Errorf("closing perfetto output: %w", cerr)
		}
	}
	if err != nil {
		return err
	}
	if pipeErr != nil {
		// The raw capture is intact, so the run still succeeds with the
		// child's exit code.
		log.Error("trace conversion failed", "error", pipeErr)
	}

	recordSession(argv, started, time.Now(), code)
	childExitCode = code
	return nil
}

func recordSession(argv []string, started, ended time.Time, code int) {
	path, err := session.DefaultPath()
	if err != nil {
		log.Warn("skipping session index", "error", err)
		return
	}
	store, err := session.Open(path)
	if err != nil {
		log.Warn("skipping session index", "error", err)
		return
	}
	defer store.Close()
	if _, err := store.Append(session.Session{
		Argv:         argv,
		CapturePath:  recordOutput,
		PerfettoPath: recordPerfetto,
		StartedAt:    started,
		EndedAt:      ended,
		ExitCode:     code,
	}); err != nil {
		log.Warn("recording session failed", "error", err)
	}
}
