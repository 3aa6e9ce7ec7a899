// Package event turns parsed tracer lines into a chronological stream of
// process and syscall events plus a live process forest. It is a pure
// streaming transducer: feed lines in arrival order, collect ordered events.
package event

import (
	"time"

	"github.com/kylewlacy/systrument/internal/strace"
)

// Kind identifies the payload carried by an Event.
type Kind int

const (
	// KindProcessStart marks the first moment a pid is known to exist,
	// either from its parent's fork return or from its own first line.
	KindProcessStart Kind = iota
	// KindSyscall is a completed syscall interval.
	KindSyscall
	// KindExec is a successful execve/execveat.
	KindExec
	// KindSignal is a signal delivery or group-stop.
	KindSignal
	// KindProcessExit marks the end of a pid.
	KindProcessExit
)

// order is the tie-break rank for events at equal timestamps: interval
// starts and lifecycle entries sort before signals, signals before exits.
func (k Kind) order() int {
	switch k {
	case KindSignal:
		return 1
	case KindProcessExit:
		return 2
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindProcessStart:
		return "process_start"
	case KindSyscall:
		return "syscall"
	case KindExec:
		return "exec"
	case KindSignal:
		return "signal"
	case KindProcessExit:
		return "process_exit"
	default:
		return "unknown"
	}
}

// Event is one entry of the chronological stream. Exactly one payload field
// matching Kind is set.
type Event struct {
	Time time.Time
	PID  int
	Kind Kind

	// ParentPID is the pid of the direct parent, 0 when unknown.
	ParentPID int
	// OwnerPID is the nearest ancestor that had exec'd when this pid was
	// created, 0 when none had; it is never the pid itself. Emitters use it to parent spans under the process a user
	// would recognize rather than an anonymous clone shim.
	OwnerPID int

	// LineNo and Raw tie the event back to the input for log emission.
	LineNo int
	Raw    string

	Syscall *Syscall
	Exec    *Exec
	Signal  *Signal
	Exit    *Exit
}

// Syscall is a timed interval for one completed syscall invocation.
type Syscall struct {
	Name     string
	Category Category
	Args     []strace.Field
	Ret      strace.Result
	Start    time.Time
	End      time.Time
	// NoDuration is set when the line carried no <...> duration; Start and
	// End are then equal and the interval is zero-width.
	NoDuration bool
	// Incomplete is set when the syscall never returned and the interval
	// was closed synthetically at the process's exec or exit.
	Incomplete bool
}

// EnvVar is one environment entry captured from an exec call.
type EnvVar struct {
	Name  string
	Value string
}

// Exec describes a successful execve/execveat. Argv and Env are nil when the
// tracer abbreviated them (e.g. an address with a "/* 24 vars */" comment).
type Exec struct {
	Path string
	Argv []string
	Env  []EnvVar
	// ReExec is set when the process had already exec'd before.
	ReExec bool
}

// CommandName returns the basename of the exec'd path, or "" when unknown.
func (e *Exec) CommandName() string {
	if e == nil || e.Path == "" {
		return ""
	}
	path := e.Path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// Signal is a delivery or group-stop observed on a pid.
type Signal struct {
	Name    string
	Info    strace.Struct
	Stopped bool
}

// ExitReason distinguishes how a process ended.
type ExitReason int

const (
	// Exited means a normal exit with a status code.
	Exited ExitReason = iota
	// Killed means termination by signal.
	Killed
	// Detached means the tracer detached while the process still ran.
	Detached
)

// Exit is the terminal record for a pid.
type Exit struct {
	Reason     ExitReason
	Code       int
	Signal     string
	CoreDumped bool
}

// Process is the lifecycle record for one pid. A process keeps its record
// across exec; ExecHistory accumulates instead of replacing.
type Process struct {
	PID       int
	ParentPID int
	OwnerPID  int
	StartTime time.Time
	EndTime   time.Time
	Ended     bool
	Exit      *Exit
	ExecHistory []ExecRecord
}

// ExecRecord is one entry of a process's exec history.
type ExecRecord struct {
	Time time.Time
	Path string
	Argv []string
	Env  []EnvVar
}

// CommandName returns the basename of the most recent exec, or "" when the
// process never exec'd.
func (p *Process) CommandName() string {
	if len(p.ExecHistory) == 0 {
		return ""
	}
	last := p.ExecHistory[len(p.ExecHistory)-1]
	e := Exec{Path: last.Path}
	return e.CommandName()
}
