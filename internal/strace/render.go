package strace

import (
	"fmt"
	"strings"
	"time"
)

// RenderEvent returns the canonical body text for a parsed event. Parsing the
// result yields an equal event, which is the round-trip property the tests
// pin down.
func RenderEvent(e Event) string {
	var sb strings.Builder
	switch ev := e.(type) {
	case SyscallEvent:
		sb.WriteString(ev.Name)
		sb.WriteByte('(')
		for i, f := range ev.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			f.render(&sb)
		}
		sb.WriteString(") = ")
		renderResult(&sb, ev.Ret)
		if ev.HasDuration {
			secs := ev.Duration / time.Second
			micros := (ev.Duration % time.Second) / time.Microsecond
			fmt.Fprintf(&sb, " <%d.%06d>", int64(secs), int64(micros))
		}
	case SignalEvent:
		sb.WriteString("--- ")
		if ev.Stopped {
			sb.WriteString("stopped by ")
		}
		sb.WriteString(ev.Signal)
		if len(ev.Info.Fields) > 0 || ev.Info.Truncated {
			sb.WriteByte(' ')
			ev.Info.Render(&sb)
		}
		sb.WriteString(" ---")
	case ExitedEvent:
		fmt.Fprintf(&sb, "+++ exited with %d +++", ev.Code)
	case KilledEvent:
		sb.WriteString("+++ killed by ")
		sb.WriteString(ev.Signal)
		if ev.CoreDumped {
			sb.WriteString(" (core dumped)")
		}
		sb.WriteString(" +++")
	case DetachedEvent:
		sb.WriteString("+++ detached +++")
	}
	return sb.String()
}

func renderResult(sb *strings.Builder, r Result) {
	if r.Value == nil {
		sb.WriteByte('?')
	} else {
		r.Value.Render(sb)
	}
	if r.Errno != "" {
		sb.WriteByte(' ')
		sb.WriteString(r.Errno)
	}
	if r.Message != "" {
		sb.WriteString(" (")
		sb.WriteString(r.Message)
		sb.WriteByte(')')
	}
}

// FormatArgs renders the argument list of a syscall as a single
// comma-separated string.
func FormatArgs(args []Field) string {
	var sb strings.Builder
	for i, f := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		f.render(&sb)
	}
	return sb.String()
}

// FormatResult renders a syscall result as a single string.
func FormatResult(r Result) string {
	var sb strings.Builder
	renderResult(&sb, r)
	return sb.String()
}
