package perfetto

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/strace"
)

// Options configures an Emitter.
type Options struct {
	// Logs also emits every syscall as an android_log record for the UI's
	// scrolling log view.
	Logs bool
	// SequenceID overrides the trusted packet sequence id. Zero picks a
	// random one.
	SequenceID uint32
}

// Emitter converts the event stream into trace packets and writes them
// incrementally, so memory stays bounded regardless of trace size. Each
// packet is framed as the Trace.packet field (tag + varint length), which is
// the length-delimited form readers rely on.
type Emitter struct {
	w     *bufio.Writer
	opts  Options
	seqID uint32

	tracks   map[int]uint64
	nextUUID uint64
	first    bool
}

// NewEmitter returns an Emitter writing to w. Call Close to flush.
func NewEmitter(w io.Writer, opts Options) *Emitter {
	seqID := opts.SequenceID
	for seqID == 0 {
		seqID = rand.Uint32()
	}
	return &Emitter{
		w:        bufio.NewWriter(w),
		opts:     opts,
		seqID:    seqID,
		tracks:   make(map[int]uint64),
		nextUUID: 1,
		first:    true,
	}
}

// Emit writes the packets for one event.
func (e *Emitter) Emit(ev event.Event) error {
	switch ev.Kind {
	case event.KindProcessStart:
		_, err := e.ensureTrack(ev.PID, "process "+strconv.Itoa(ev.PID), nil)
		return err
	case event.KindExec:
		return e.emitExec(ev)
	case event.KindSyscall:
		return e.emitSyscall(ev)
	case event.KindSignal:
		return e.emitInstant(ev, ev.Signal.Name, nil)
	case event.KindProcessExit:
		return e.emitInstant(ev, exitName(ev.Exit), nil)
	}
	return nil
}

// Close flushes buffered packets. The output is a valid packet stream at
// every completed-packet boundary, so partial files stay loadable.
func (e *Emitter) Close() error {
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing trace output: %w", err)
	}
	return nil
}

func exitName(exit *event.Exit) string {
	switch exit.Reason {
	case event.Killed:
		return "killed by " + exit.Signal
	case event.Detached:
		return "detached"
	default:
		return "exited with " + strconv.Itoa(exit.Code)
	}
}

// ensureTrack returns the track uuid for pid, writing its descriptor first if
// the pid is new.
func (e *Emitter) ensureTrack(pid int, name string, cmdline []string) (uint64, error) {
	if uuid, ok := e.tracks[pid]; ok {
		return uuid, nil
	}
	uuid := e.nextUUID
	e.nextUUID++
	e.tracks[pid] = uuid
	if err := e.writeTrackDescriptor(uuid, pid, name, cmdline); err != nil {
		return 0, err
	}
	return uuid, nil
}

// emitExec renames the pid's track to the exec'd command; the track itself
// survives exec, the same way the pid does.
func (e *Emitter) emitExec(ev event.Event) error {
	name := ev.Exec.CommandName()
	if name == "" {
		name = "process " + strconv.Itoa(ev.PID)
	}
	uuid, ok := e.tracks[ev.PID]
	if !ok {
		var err error
		uuid, err = e.ensureTrack(ev.PID, name, ev.Exec.Argv)
		if err != nil {
			return err
		}
	} else if err := e.writeTrackDescriptor(uuid, ev.PID, name, ev.Exec.Argv); err != nil {
		return err
	}

	return e.emitInstant(ev, "exec "+name, execAnnotations(ev.Exec))
}

func (e *Emitter) emitSyscall(ev event.Event) error {
	uuid, err := e.ensureTrack(ev.PID, "process "+strconv.Itoa(ev.PID), nil)
	if err != nil {
		return err
	}
	sc := ev.Syscall

	begin := e.newPacket(uint64(sc.Start.UnixNano()))
	te := appendVarintField(nil, fieldEventType, typeSliceBegin)
	te = appendVarintField(te, fieldEventTrackUUID, uuid)
	te = appendStringField(te, fieldEventName, sc.Name)
	for _, ann := range syscallAnnotations(sc) {
		te = appendBytesField(te, fieldEventAnnotations, ann)
	}
	begin = appendBytesField(begin, fieldPacketTrackEvent, te)
	if err := e.writePacket(begin); err != nil {
		return err
	}

	end := e.newPacket(uint64(sc.End.UnixNano()))
	te = appendVarintField(nil, fieldEventType, typeSliceEnd)
	te = appendVarintField(te, fieldEventTrackUUID, uuid)
	end = appendBytesField(end, fieldPacketTrackEvent, te)
	if err := e.writePacket(end); err != nil {
		return err
	}

	if e.opts.Logs {
		return e.writeLog(ev)
	}
	return nil
}

func (e *Emitter) emitInstant(ev event.Event, name string, annotations [][]byte) error {
	uuid, err := e.ensureTrack(ev.PID, "process "+strconv.Itoa(ev.PID), nil)
	if err != nil {
		return err
	}
	p := e.newPacket(uint64(ev.Time.UnixNano()))
	te := appendVarintField(nil, fieldEventType, typeInstant)
	te = appendVarintField(te, fieldEventTrackUUID, uuid)
	te = appendStringField(te, fieldEventName, name)
	for _, ann := range annotations {
		te = appendBytesField(te, fieldEventAnnotations, ann)
	}
	p = appendBytesField(p, fieldPacketTrackEvent, te)
	return e.writePacket(p)
}

func (e *Emitter) writeTrackDescriptor(uuid uint64, pid int, name string, cmdline []string) error {
	proc := appendVarintField(nil, fieldProcessPID, uint64(pid))
	for _, arg := range cmdline {
		proc = appendStringField(proc, fieldProcessCmdline, arg)
	}
	proc = appendStringField(proc, fieldProcessName, name)

	td := appendVarintField(nil, fieldTrackUUID, uuid)
	td = appendStringField(td, fieldTrackName, name)
	td = appendBytesField(td, fieldTrackProcess, proc)

	p := e.newPacketNoTimestamp()
	p = appendBytesField(p, fieldPacketTrackDesc, td)
	return e.writePacket(p)
}

func (e *Emitter) writeLog(ev event.Event) error {
	le := appendVarintField(nil, fieldLogEventPID, uint64(ev.PID))
	le = appendVarintField(le, fieldLogEventTID, uint64(ev.PID))
	le = appendVarintField(le, fieldLogEventTimestamp, uint64(ev.Syscall.Start.UnixNano()))
	le = appendStringField(le, fieldLogEventTag, "systrument")
	le = appendVarintField(le, fieldLogEventPrio, prioInfo)
	le = appendStringField(le, fieldLogEventMessage, ev.Raw)

	logs := appendBytesField(nil, fieldLogEvents, le)

	p := e.newPacket(uint64(ev.Syscall.Start.UnixNano()))
	p = appendBytesField(p, fieldPacketAndroidLog, logs)
	return e.writePacket(p)
}

func (e *Emitter) newPacket(timestamp uint64) []byte {
	p := appendVarintField(nil, fieldPacketTimestamp, timestamp)
	return appendVarintField(p, fieldPacketSequenceID, uint64(e.seqID))
}

func (e *Emitter) newPacketNoTimestamp() []byte {
	return appendVarintField(nil, fieldPacketSequenceID, uint64(e.seqID))
}

// writePacket frames the packet payload as one Trace.packet entry.
func (e *Emitter) writePacket(payload []byte) error {
	if e.first {
		payload = appendVarintField(payload, fieldPacketSeqFlags, seqIncrementalStateCleared)
		e.first = false
	}
	framed := appendBytesField(nil, fieldTracePacket, payload)
	if _, err := e.w.Write(framed); err != nil {
		return fmt.Errorf("writing trace packet: %w", err)
	}
	return nil
}

// syscallAnnotations stringifies the arguments and return of an interval into
// debug annotations.
func syscallAnnotations(sc *event.Syscall) [][]byte {
	var anns [][]byte
	for i, f := range sc.Args {
		name := f.Name
		if name == "" {
			name = "arg" + strconv.Itoa(i)
		}
		ann := appendStringField(nil, fieldAnnotationStringValue, strace.RenderValue(f.Value))
		ann = appendStringField(ann, fieldAnnotationName, name)
		anns = append(anns, ann)
	}
	ret := appendStringField(nil, fieldAnnotationStringValue, strace.FormatResult(sc.Ret))
	ret = appendStringField(ret, fieldAnnotationName, "ret")
	anns = append(anns, ret)
	if sc.Incomplete {
		flag := appendStringField(nil, fieldAnnotationStringValue, "true")
		flag = appendStringField(flag, fieldAnnotationName, "incomplete")
		anns = append(anns, flag)
	}
	return anns
}

// execAnnotations carries command, argv, and environment the way the UI's
// annotation pane renders them: a string, an array, and a dictionary.
func execAnnotations(exec *event.Exec) [][]byte {
	var anns [][]byte
	if exec.Path != "" {
		ann := appendStringField(nil, fieldAnnotationStringValue, exec.Path)
		ann = appendStringField(ann, fieldAnnotationName, "command")
		anns = append(anns, ann)
	}
	if exec.Argv != nil {
		ann := appendStringField(nil, fieldAnnotationName, "args")
		for _, arg := range exec.Argv {
			item := appendStringField(nil, fieldAnnotationStringValue, arg)
			ann = appendBytesField(ann, fieldAnnotationArray, item)
		}
		anns = append(anns, ann)
	}
	if exec.Env != nil {
		ann := appendStringField(nil, fieldAnnotationName, "env")
		for _, kv := range exec.Env {
			entry := appendStringField(nil, fieldAnnotationStringValue, kv.Value)
			entry = appendStringField(entry, fieldAnnotationName, kv.Name)
			ann = appendBytesField(ann, fieldAnnotationDict, entry)
		}
		anns = append(anns, ann)
	}
	return anns
}
