package event

import (
	"sort"
	"time"

	"github.com/kylewlacy/systrument/internal/log"
	"github.com/kylewlacy/systrument/internal/strace"
)

// DefaultWindow is the reorder window size in lines. The tracer's own
// interleaving is already close to sorted, so a small bounded window is
// enough to restore nondecreasing timestamps.
const DefaultWindow = 64

// Options configures a Reconstructor.
type Options struct {
	// Categories classifies syscall names. Required.
	Categories *CategoryTable
	// Filter limits emitted syscall intervals to these categories. Nil
	// emits everything. Lifecycle, exec, and signal events always pass.
	Filter map[Category]bool
	// Window overrides the reorder window size. Zero means DefaultWindow.
	Window int
}

// Reconstructor stitches parsed lines into the chronological event stream
// and the process forest. It never blocks on I/O: Add and Flush return the
// events that became ready.
type Reconstructor struct {
	table  *CategoryTable
	filter map[Category]bool
	window int

	procs map[int]*procState
	buf   []windowEntry
	seq   int

	lastOut    time.Time
	haveOut    bool
	outOfOrder int
	anomalies  int
}

type procState struct {
	Process
	open        []*Event // syscall intervals awaiting a synthetic close
	pendingExit *Exit
	pendingTime time.Time
	lastSeen    time.Time
}

type windowEntry struct {
	ev  Event
	seq int
}

// New returns a Reconstructor with the given options.
func New(opts Options) *Reconstructor {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reconstructor{
		table:  opts.Categories,
		filter: opts.Filter,
		window: window,
		procs:  make(map[int]*procState),
	}
}

// Add consumes one parsed line and returns the events that left the reorder
// window. Events are returned in nondecreasing timestamp order with ties
// broken by (pid, kind rank).
func (r *Reconstructor) Add(line *strace.Line) []Event {
	p := r.process(line.PID, line.Time, line)
	p.lastSeen = line.Time

	switch ev := line.Event.(type) {
	case strace.SyscallEvent:
		r.addSyscall(p, line, ev)
	case strace.SignalEvent:
		r.enqueue(Event{
			Time: line.Time, PID: line.PID, Kind: KindSignal,
			LineNo: line.No, Raw: line.Raw,
			Signal: &Signal{Name: ev.Signal, Info: ev.Info, Stopped: ev.Stopped},
		})
	case strace.ExitedEvent:
		r.finishExit(p, line.Time, line, &Exit{Reason: Exited, Code: ev.Code})
	case strace.KilledEvent:
		r.finishExit(p, line.Time, line, &Exit{Reason: Killed, Signal: ev.Signal, CoreDumped: ev.CoreDumped})
	case strace.DetachedEvent:
		r.finishExit(p, line.Time, line, &Exit{Reason: Detached})
	}
	return r.drain(r.window)
}

// Flush closes everything still open and returns the remaining events. Open
// syscall intervals are closed at the pid's last seen timestamp and marked
// incomplete; processes whose exit_group was seen without a terminal marker
// get their exit from it.
func (r *Reconstructor) Flush() []Event {
	for _, p := range r.sortedStates() {
		if p.Ended {
			continue
		}
		if p.pendingExit != nil {
			r.finishExit(p, p.pendingTime, nil, p.pendingExit)
			continue
		}
		r.closeOpen(p, p.lastSeen)
	}
	return r.drain(0)
}

// Processes returns the process forest sorted by start time, then pid.
func (r *Reconstructor) Processes() []*Process {
	states := r.sortedStates()
	procs := make([]*Process, len(states))
	for i, p := range states {
		procs[i] = &p.Process
	}
	return procs
}

// OutOfOrder reports how many events arrived more out of order than the
// reorder window could absorb.
func (r *Reconstructor) OutOfOrder() int {
	return r.outOfOrder
}

// Anomalies reports how many lines were skipped as reconstruction anomalies.
func (r *Reconstructor) Anomalies() int {
	return r.anomalies
}

func (r *Reconstructor) sortedStates() []*procState {
	states := make([]*procState, 0, len(r.procs))
	for _, p := range r.procs {
		states = append(states, p)
	}
	sort.Slice(states, func(i, j int) bool {
		if !states[i].StartTime.Equal(states[j].StartTime) {
			return states[i].StartTime.Before(states[j].StartTime)
		}
		return states[i].PID < states[j].PID
	})
	return states
}

func (r *Reconstructor) addSyscall(p *procState, line *strace.Line, sc strace.SyscallEvent) {
	if p.Ended {
		r.anomalies++
		log.Warn("syscall after process exit", "pid", line.PID, "line", line.No, "syscall", sc.Name)
		return
	}

	switch sc.Name {
	case "fork", "vfork", "clone", "clone3":
		if child, ok := retInt(sc.Ret); ok && child > 0 {
			r.handleFork(p, line, int(child))
		}
	case "execve", "execveat":
		if ret, ok := retInt(sc.Ret); ok && ret == 0 {
			r.handleExec(p, line, sc)
		}
	case "exit", "exit_group":
		if sc.Ret.Value == nil {
			code := 0
			if len(sc.Args) > 0 {
				if n, ok := valueInt(sc.Args[0].Value); ok {
					code = int(n)
				}
			}
			p.pendingExit = &Exit{Reason: Exited, Code: code}
			p.pendingTime = line.Time
			return
		}
	}

	interval := &Syscall{
		Name:     sc.Name,
		Category: r.table.Lookup(sc.Name),
		Args:     sc.Args,
		Ret:      sc.Ret,
		Start:    line.Time,
	}
	ev := Event{
		Time: line.Time, PID: line.PID, Kind: KindSyscall,
		LineNo: line.No, Raw: line.Raw,
		Syscall: interval,
	}
	switch {
	case sc.HasDuration:
		interval.End = line.Time.Add(sc.Duration)
		r.enqueue(ev)
	case sc.Ret.Value == nil:
		// Did not return; the interval closes at the pid's exec or exit.
		p.open = append(p.open, &ev)
	default:
		interval.End = line.Time
		interval.NoDuration = true
		r.enqueue(ev)
	}
}

func (r *Reconstructor) handleFork(parent *procState, line *strace.Line, childPID int) {
	child, exists := r.procs[childPID]
	if !exists {
		r.spawn(childPID, line.Time, line, parent.PID)
		return
	}

	// The child's own first line beat the parent's fork return in the
	// stream. Back-fill the parentage and take the earlier start.
	if child.ParentPID == 0 {
		child.ParentPID = parent.PID
		child.OwnerPID = r.findOwner(parent.PID)
	}
	if line.Time.Before(child.StartTime) {
		child.StartTime = line.Time
		if !r.patchStart(childPID, line.Time, child.ParentPID, child.OwnerPID) {
			r.anomalies++
			log.Warn("late fork return for already-started child",
				"parent", parent.PID, "child", childPID, "line", line.No)
		}
	}
}

func (r *Reconstructor) handleExec(p *procState, line *strace.Line, sc strace.SyscallEvent) {
	r.closeOpen(p, line.Time)

	exec := extractExec(sc)
	exec.ReExec = len(p.ExecHistory) > 0
	p.ExecHistory = append(p.ExecHistory, ExecRecord{
		Time: line.Time,
		Path: exec.Path,
		Argv: exec.Argv,
		Env:  exec.Env,
	})
	r.enqueue(Event{
		Time: line.Time, PID: p.PID, Kind: KindExec,
		LineNo: line.No, Raw: line.Raw,
		Exec: exec,
	})
}

func (r *Reconstructor) finishExit(p *procState, ts time.Time, line *strace.Line, exit *Exit) {
	if p.Ended {
		r.anomalies++
		lineNo := 0
		if line != nil {
			lineNo = line.No
		}
		log.Warn("duplicate exit for pid", "pid", p.PID, "line", lineNo)
		return
	}
	r.closeOpen(p, ts)
	p.Ended = true
	p.EndTime = ts
	p.Exit = exit
	ev := Event{Time: ts, PID: p.PID, Kind: KindProcessExit, Exit: exit}
	if line != nil {
		ev.LineNo = line.No
		ev.Raw = line.Raw
	}
	r.enqueue(ev)
}

// closeOpen ends every in-flight syscall interval at ts with the incomplete
// marker.
func (r *Reconstructor) closeOpen(p *procState, ts time.Time) {
	for _, ev := range p.open {
		ev.Syscall.End = ts
		if ev.Syscall.End.Before(ev.Syscall.Start) {
			ev.Syscall.End = ev.Syscall.Start
		}
		ev.Syscall.Incomplete = true
		r.enqueue(*ev)
	}
	p.open = nil
}

// process returns the state for pid, creating it (and emitting the start
// event) on first sight.
func (r *Reconstructor) process(pid int, ts time.Time, line *strace.Line) *procState {
	if p, ok := r.procs[pid]; ok {
		return p
	}
	return r.spawn(pid, ts, line, 0)
}

func (r *Reconstructor) spawn(pid int, ts time.Time, line *strace.Line, parentPID int) *procState {
	p := &procState{
		Process: Process{
			PID:       pid,
			ParentPID: parentPID,
			StartTime: ts,
		},
		lastSeen: ts,
	}
	if parentPID != 0 {
		p.OwnerPID = r.findOwner(parentPID)
	}
	r.procs[pid] = p
	r.enqueue(Event{
		Time: ts, PID: pid, Kind: KindProcessStart,
		LineNo: line.No, Raw: line.Raw,
	})
	return p
}

// findOwner walks the parent chain from pid looking for the nearest process
// that has exec'd, which is the one a reader would recognize by name.
func (r *Reconstructor) findOwner(pid int) int {
	for pid != 0 {
		p, ok := r.procs[pid]
		if !ok {
			return 0
		}
		if len(p.ExecHistory) > 0 {
			return pid
		}
		pid = p.ParentPID
	}
	return 0
}

func (r *Reconstructor) enqueue(ev Event) {
	if ev.Kind == KindSyscall && r.filter != nil && !r.filter[ev.Syscall.Category] {
		return
	}
	if p, ok := r.procs[ev.PID]; ok {
		ev.ParentPID = p.ParentPID
		ev.OwnerPID = p.OwnerPID
	}
	r.buf = append(r.buf, windowEntry{ev: ev, seq: r.seq})
	r.seq++
}

// patchStart rewrites a child's start event while it is still inside the
// reorder window. Reports whether the event was found.
func (r *Reconstructor) patchStart(pid int, ts time.Time, parentPID, ownerPID int) bool {
	for i := range r.buf {
		e := &r.buf[i]
		if e.ev.Kind == KindProcessStart && e.ev.PID == pid {
			e.ev.Time = ts
			e.ev.ParentPID = parentPID
			e.ev.OwnerPID = ownerPID
			return true
		}
	}
	return false
}

// drain pops events while more than keep remain buffered, in (time, pid,
// kind rank, arrival) order.
func (r *Reconstructor) drain(keep int) []Event {
	var out []Event
	for len(r.buf) > keep {
		min := 0
		for i := 1; i < len(r.buf); i++ {
			if lessEntry(r.buf[i], r.buf[min]) {
				min = i
			}
		}
		e := r.buf[min]
		r.buf = append(r.buf[:min], r.buf[min+1:]...)

		if r.haveOut && e.ev.Time.Before(r.lastOut) {
			r.outOfOrder++
			log.Warn("event more out of order than the reorder window",
				"pid", e.ev.PID, "line", e.ev.LineNo, "kind", e.ev.Kind.String())
		} else {
			r.lastOut = e.ev.Time
			r.haveOut = true
		}
		out = append(out, e.ev)
	}
	return out
}

func lessEntry(a, b windowEntry) bool {
	if !a.ev.Time.Equal(b.ev.Time) {
		return a.ev.Time.Before(b.ev.Time)
	}
	if a.ev.PID != b.ev.PID {
		return a.ev.PID < b.ev.PID
	}
	if a.ev.Kind.order() != b.ev.Kind.order() {
		return a.ev.Kind.order() < b.ev.Kind.order()
	}
	return a.seq < b.seq
}

func retInt(r strace.Result) (int64, bool) {
	if r.Value == nil {
		return 0, false
	}
	return valueInt(r.Value)
}

func valueInt(v strace.Value) (int64, bool) {
	switch n := v.(type) {
	case strace.Int:
		return n.Value, true
	case strace.FD:
		return n.Number, true
	case strace.Commented:
		return valueInt(n.Value)
	default:
		return 0, false
	}
}

// valueString extracts the textual payload of a value: the body of a string
// literal or the endpoint of an annotated fd.
func valueString(v strace.Value) (string, bool) {
	switch s := v.(type) {
	case strace.Str:
		return s.Value, true
	case strace.FD:
		return s.Annotation, true
	case strace.Commented:
		return valueString(s.Value)
	default:
		return "", false
	}
}

// extractExec pulls path, argv, and environment out of a successful
// execve/execveat call. Abbreviated arguments (an address with a var-count
// comment) leave the corresponding field nil.
func extractExec(sc strace.SyscallEvent) *Exec {
	exec := &Exec{}
	args := sc.Args

	argvIdx := 1
	switch sc.Name {
	case "execveat":
		// Path is dirfd's endpoint joined with the relative path.
		var dir, rel string
		if len(args) > 0 {
			dir, _ = valueString(args[0].Value)
		}
		if len(args) > 1 {
			rel, _ = valueString(args[1].Value)
		}
		switch {
		case dir != "" && rel != "":
			exec.Path = dir + "/" + rel
		case dir != "":
			exec.Path = dir
		default:
			exec.Path = rel
		}
		argvIdx = 2
	default:
		if len(args) > 0 {
			exec.Path, _ = valueString(args[0].Value)
		}
	}

	if len(args) > argvIdx {
		if arr, ok := args[argvIdx].Value.(strace.Array); ok {
			argv := make([]string, 0, len(arr.Items))
			for _, item := range arr.Items {
				s, ok := valueString(item)
				if !ok {
					s = "<unknown arg>"
				}
				argv = append(argv, s)
			}
			exec.Argv = argv
		}
	}
	if len(args) > argvIdx+1 {
		if arr, ok := args[argvIdx+1].Value.(strace.Array); ok {
			env := make([]EnvVar, 0, len(arr.Items))
			for _, item := range arr.Items {
				s, ok := valueString(item)
				if !ok {
					continue
				}
				name, value, found := cutEnv(s)
				if !found {
					continue
				}
				env = append(env, EnvVar{Name: name, Value: value})
			}
			exec.Env = env
		}
	}
	return exec
}

func cutEnv(s string) (name, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
