// Package tracer spawns strace around a child command and tees its output to
// a capture file and, optionally, a live sink for on-the-fly emission.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/kylewlacy/systrument/internal/log"
	"github.com/kylewlacy/systrument/internal/term"
)

// Options configures a traced run.
type Options struct {
	// StracePath overrides the tracer binary. Empty means "strace" on PATH.
	StracePath string
	// CapturePath is the file the raw tracer output is written to.
	CapturePath string
	// Sink additionally receives the raw tracer output as it arrives.
	Sink io.Writer
	// TraceExpr appends an -e trace=... filter expression. Empty traces
	// everything the canonical flags allow.
	TraceExpr string
	// Interactive runs the child on a pty with the controlling terminal in
	// raw mode, so full-screen programs work under tracing.
	Interactive bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// canonicalFlags is the exact tracer invocation the parser's grammar is
// written against: follow forks, seccomp acceleration, no unfinished lines,
// wall-clock microsecond timestamps, durations, fd annotations, unabridged
// values, and a 4096-byte string cap.
var canonicalFlags = []string{
	"--seccomp-bpf",
	"-f",
	"-e", "status=!unfinished",
	"-T",
	"-tttt",
	"-y",
	"-yy",
	"-v",
	"-s", "4096",
}

// traceOutputFD is where strace writes its output inside the child; it maps
// to the first ExtraFiles entry.
const traceOutputFD = 3

func buildArgs(opts Options, argv []string) []string {
	args := append([]string{}, canonicalFlags...)
	if opts.TraceExpr != "" {
		args = append(args, "-e", opts.TraceExpr)
	}
	args = append(args, "-o", fmt.Sprintf("/dev/fd/%d", traceOutputFD), "--")
	return append(args, argv...)
}

// Run traces argv to completion and returns the child's exit code. A child
// killed by a signal maps to 128 plus the signal number, the shell convention.
// Errors starting or supervising the tracer are returned as errors, not exit
// codes.
func Run(ctx context.Context, argv []string, opts Options) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("no command given")
	}
	stracePath := opts.StracePath
	if stracePath == "" {
		stracePath = "strace"
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	capture, err := os.Create(opts.CapturePath)
	if err != nil {
		return 0, fmt.Errorf("creating capture file: %w", err)
	}
	defer capture.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating trace pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.CommandContext(ctx, stracePath, buildArgs(opts, argv)...)
	cmd.ExtraFiles = []*os.File{pw}

	teeDone := make(chan error, 1)
	go func() {
		var dst io.Writer = capture
		if opts.Sink != nil {
			dst = io.MultiWriter(capture, opts.Sink)
		}
		_, err := io.Copy(dst, pr)
		teeDone <- err
	}()

	waitErr, startErr := start(cmd, opts)
	pw.Close()
	if startErr != nil {
		pr.Close()
		<-teeDone
		return 0, startErr
	}

	if err := <-teeDone; err != nil {
		log.Warn("trace output copy failed", "error", err)
	}
	if err := capture.Close(); err != nil {
		return 0, fmt.Errorf("closing capture file: %w", err)
	}
	return exitCode(waitErr)
}

// start runs the tracer to completion, on a pty when interactive. It returns
// the Wait error separately from setup errors so exit codes survive.
func start(cmd *exec.Cmd, opts Options) (waitErr, startErr error) {
	if !opts.Interactive {
		cmd.Stdin = opts.Stdin
		cmd.Stdout = opts.Stdout
		cmd.Stderr = opts.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting tracer: %w", err)
		}
		return cmd.Wait(), nil
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting tracer on pty: %w", err)
	}
	defer ptmx.Close()

	if f, ok := opts.Stdin.(*os.File); ok && term.IsTerminal(f) {
		state, err := term.EnableRawMode(f)
		if err == nil {
			defer term.RestoreTerminal(state)
		}

		resize := make(chan os.Signal, 1)
		signal.Notify(resize, unix.SIGWINCH)
		defer signal.Stop(resize)
		go func() {
			for range resize {
				if err := pty.InheritSize(f, ptmx); err != nil {
					log.Debug("pty resize failed", "error", err)
				}
			}
		}()
		resize <- unix.SIGWINCH
	}

	go func() {
		io.Copy(ptmx, opts.Stdin)
	}()
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(opts.Stdout, ptmx)
	}()

	waitErr = cmd.Wait()
	ptmx.Close()
	<-outDone
	return waitErr, nil
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("waiting for tracer: %w", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		status := unix.WaitStatus(ws)
		switch {
		case status.Exited():
			return status.ExitStatus(), nil
		case status.Signaled():
			return 128 + int(status.Signal()), nil
		}
	}
	return exitErr.ExitCode(), nil
}
