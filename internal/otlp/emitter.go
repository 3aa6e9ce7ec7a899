package otlp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/log"
)

// Options configures an Emitter.
type Options struct {
	// Logs also emits every syscall interval as a log record.
	Logs bool
	// RelativeToNow shifts all timestamps by now minus the first event's
	// timestamp, so old recordings land inside backend retention windows.
	// Durations are unchanged.
	RelativeToNow bool

	// BatchSize and BatchWindow bound how much accumulates before a POST.
	// Zero values pick the defaults (512 spans, 250ms).
	BatchSize   int
	BatchWindow time.Duration
	// QueueDepth bounds how many batches may wait for the sender. Zero picks
	// the default of 4.
	QueueDepth int

	// Now is the clock used for rebasing. Zero value uses time.Now.
	Now func() time.Time
}

const (
	defaultBatchSize   = 512
	defaultBatchWindow = 250 * time.Millisecond
	defaultQueueDepth  = 4

	scopeName   = "systrument"
	serviceName = "systrument"
)

type spanState struct {
	traceID string
	spanID  string
	parent  string
	name    string
	start   time.Time
	attrs   []keyValue
	execs   int
	ended   bool
}

type batch struct {
	spans []span
	logs  []logRecord
}

// Emitter converts the event stream into process spans and optional per-syscall
// log records, batches them, and posts batches from a background sender so a
// slow collector never blocks event production beyond the bounded queue. When
// the queue is full, the log records of the batch being queued are dropped;
// batches already in the queue keep theirs, so older log records are not shed
// first. Spans are never dropped before the final retry gives up.
type Emitter struct {
	client *Client
	opts   Options

	mu         sync.Mutex
	spans      map[int]*spanState
	cur        batch
	flushTimer *time.Timer
	offset     time.Duration
	haveOffset bool
	lastTime   time.Time
	closed     bool

	batches chan batch
	sender  sync.WaitGroup

	droppedLogs    atomic.Int64
	droppedBatches atomic.Int64
}

// NewEmitter returns an Emitter posting through client. Call Close to flush.
func NewEmitter(client *Client, opts Options) *Emitter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = defaultBatchWindow
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Emitter{
		client:  client,
		opts:    opts,
		spans:   make(map[int]*spanState),
		batches: make(chan batch, opts.QueueDepth),
	}
	e.sender.Add(1)
	go e.run()
	return e
}

// Emit records one event. Process starts open spans, exits close and enqueue
// them, and execs add attributes to the open span.
func (e *Emitter) Emit(ev event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("emit after close")
	}

	if !e.haveOffset {
		e.haveOffset = true
		if e.opts.RelativeToNow {
			e.offset = e.opts.Now().Sub(ev.Time)
		}
	}
	ts := ev.Time.Add(e.offset)
	if ts.After(e.lastTime) {
		e.lastTime = ts
	}
	if ev.Kind == event.KindSyscall {
		if end := ev.Syscall.End.Add(e.offset); end.After(e.lastTime) {
			e.lastTime = end
		}
	}

	switch ev.Kind {
	case event.KindProcessStart:
		e.startSpan(ev, ts)
	case event.KindExec:
		e.recordExec(ev, ts)
	case event.KindSyscall:
		if e.opts.Logs {
			e.recordLog(ev)
		}
	case event.KindProcessExit:
		e.endSpan(ev.PID, ts)
	}
	return nil
}

func (e *Emitter) startSpan(ev event.Event, ts time.Time) {
	s := &spanState{
		spanID: newSpanID(),
		name:   "process " + strconv.Itoa(ev.PID),
		start:  ts,
		attrs:  []keyValue{intAttr("pid", int64(ev.PID))},
	}
	if owner, ok := e.spans[ev.OwnerPID]; ok && ev.OwnerPID != ev.PID {
		s.traceID = owner.traceID
		s.parent = owner.spanID
	} else {
		// A process with no traced ancestor roots its own trace.
		s.traceID = newTraceID()
	}
	e.spans[ev.PID] = s
}

func (e *Emitter) recordExec(ev event.Event, ts time.Time) {
	s, ok := e.spans[ev.PID]
	if !ok {
		return
	}
	if name := ev.Exec.CommandName(); name != "" {
		s.name = name
	}
	prefix := "exec." + strconv.Itoa(s.execs)
	s.execs++
	s.attrs = append(s.attrs,
		strAttr(prefix+".path", ev.Exec.Path),
		intAttr(prefix+".ts", ts.UnixNano()),
	)
}

func (e *Emitter) recordLog(ev event.Event) {
	rec := logRecord{
		TimeUnixNano:   unixNano(ev.Syscall.Start.Add(e.offset)),
		SeverityNumber: severityInfo,
		SeverityText:   severityInfoText,
		Body:           stringValue(ev.Raw),
		Attributes: []keyValue{
			intAttr("pid", int64(ev.PID)),
			strAttr("syscall", ev.Syscall.Name),
		},
	}
	if s, ok := e.spans[ev.PID]; ok {
		rec.TraceID = s.traceID
		rec.SpanID = s.spanID
	}
	e.cur.logs = append(e.cur.logs, rec)
	e.maybeFlushLocked()
}

func (e *Emitter) endSpan(pid int, ts time.Time) {
	s, ok := e.spans[pid]
	if !ok || s.ended {
		return
	}
	s.ended = true
	e.cur.spans = append(e.cur.spans, e.finishedSpan(s, ts))
	e.maybeFlushLocked()
}

func (e *Emitter) finishedSpan(s *spanState, end time.Time) span {
	return span{
		TraceID:           s.traceID,
		SpanID:            s.spanID,
		ParentSpanID:      s.parent,
		Name:              s.name,
		Kind:              spanKindInternal,
		StartTimeUnixNano: unixNano(s.start),
		EndTimeUnixNano:   unixNano(end),
		Attributes:        s.attrs,
	}
}

// maybeFlushLocked ships the current batch when full, or arms the window timer
// on the first buffered item.
func (e *Emitter) maybeFlushLocked() {
	if len(e.cur.spans) >= e.opts.BatchSize {
		e.flushLocked()
		return
	}
	if e.flushTimer == nil && (len(e.cur.spans) > 0 || len(e.cur.logs) > 0) {
		e.flushTimer = time.AfterFunc(e.opts.BatchWindow, e.flushTimed)
	}
}

func (e *Emitter) flushTimed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.flushLocked()
}

func (e *Emitter) flushLocked() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	if len(e.cur.spans) == 0 && len(e.cur.logs) == 0 {
		return
	}
	b := e.cur
	e.cur = batch{}
	e.enqueueLocked(b)
}

// enqueueLocked hands a batch to the sender. A full queue sheds all of this
// batch's log records; if spans remain, it blocks for back-pressure.
func (e *Emitter) enqueueLocked(b batch) {
	select {
	case e.batches <- b:
		return
	default:
	}

	if n := len(b.logs); n > 0 {
		b.logs = nil
		e.droppedLogs.Add(int64(n))
		log.Warn("otlp queue full, dropping log records", "dropped", n)
	}
	if len(b.spans) == 0 {
		return
	}
	e.batches <- b
}

func (e *Emitter) run() {
	defer e.sender.Done()
	for b := range e.batches {
		e.send(b)
	}
}

func (e *Emitter) send(b batch) {
	ctx := context.Background()
	if len(b.spans) > 0 {
		req := exportTraceRequest{ResourceSpans: []resourceSpans{{
			Resource:   resourceInfo{Attributes: []keyValue{strAttr("service.name", serviceName)}},
			ScopeSpans: []scopeSpans{{Scope: scopeInfo{Name: scopeName}, Spans: b.spans}},
		}}}
		if err := e.client.PostTraces(ctx, req); err != nil {
			e.droppedBatches.Add(1)
			log.Warn("otlp span batch dropped", "spans", len(b.spans), "error", err)
		}
	}
	if len(b.logs) > 0 {
		req := exportLogsRequest{ResourceLogs: []resourceLogs{{
			Resource:  resourceInfo{Attributes: []keyValue{strAttr("service.name", serviceName)}},
			ScopeLogs: []scopeLogs{{Scope: scopeInfo{Name: scopeName}, LogRecords: b.logs}},
		}}}
		if err := e.client.PostLogs(ctx, req); err != nil {
			e.droppedBatches.Add(1)
			log.Warn("otlp log batch dropped", "records", len(b.logs), "error", err)
		}
	}
}

// Close ends any spans still open at the last seen timestamp, flushes, and
// waits for the sender up to the batch window plus a flush grace period.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}

	var open []*spanState
	for _, s := range e.spans {
		if !s.ended {
			open = append(open, s)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].start.Before(open[j].start) })
	for _, s := range open {
		s.ended = true
		e.cur.spans = append(e.cur.spans, e.finishedSpan(s, e.lastTime))
	}

	b := e.cur
	e.cur = batch{}
	if len(b.spans) > 0 || len(b.logs) > 0 {
		e.enqueueLocked(b)
	}
	window := e.opts.BatchWindow
	e.mu.Unlock()

	close(e.batches)
	done := make(chan struct{})
	go func() {
		e.sender.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(window + 5*time.Second):
		return fmt.Errorf("timed out flushing otlp batches")
	}
}

// DroppedLogs reports how many log records were shed on queue overflow.
func (e *Emitter) DroppedLogs() int {
	return int(e.droppedLogs.Load())
}

// DroppedBatches reports how many batches were abandoned after retries.
func (e *Emitter) DroppedBatches() int {
	return int(e.droppedBatches.Load())
}
