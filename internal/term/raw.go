//go:build !windows

// Package term wraps the terminal state handling the tracer driver needs for
// interactive runs.
package term

import (
	"os"

	"golang.org/x/term"
)

// RawModeState holds the previous terminal state for restoration.
type RawModeState struct {
	fd       int
	oldState *term.State
}

// EnableRawMode puts the terminal into raw mode so keystrokes reach the
// traced child unmodified. The returned state must be passed to
// RestoreTerminal when the run ends.
func EnableRawMode(f *os.File) (*RawModeState, error) {
	fd := int(f.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawModeState{fd: fd, oldState: oldState}, nil
}

// RestoreTerminal restores the terminal to its previous state.
func RestoreTerminal(state *RawModeState) error {
	if state == nil || state.oldState == nil {
		return nil
	}
	return term.Restore(state.fd, state.oldState)
}

// IsTerminal reports whether the file is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
