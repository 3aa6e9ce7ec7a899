package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kylewlacy/systrument/internal/strace"
)

func TestExitCode(t *testing.T) {
	parseErr := &strace.ParseError{LineNo: 3, Expected: "timestamp", Found: "garbage"}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"parse error", parseErr, 1},
		{"wrapped parse error", fmt.Errorf("converting trace: %w", parseErr), 1},
		{"io error", errors.New("opening trace input: no such file"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"record", "strace2perfetto", "strace2otel", "sessions"}
	for _, name := range want {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRecordRequiresOutput(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"record"})
	if err != nil {
		t.Fatalf("finding record command: %v", err)
	}
	if err := cmd.ValidateRequiredFlags(); err == nil {
		t.Error("record should require the output flag")
	}
}
