// Package pipeline wires the framer, parser, and reconstructor to one or more
// emitters. Parsing runs on a single goroutine; each emitter consumes from its
// own bounded queue so a slow sink back-pressures input instead of growing
// memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kylewlacy/systrument/internal/event"
	"github.com/kylewlacy/systrument/internal/strace"
)

// Emitter consumes reconstructed events. Close is called once after the last
// event, even when the stream ends early.
type Emitter interface {
	Emit(event.Event) error
	Close() error
}

// Options configures a Run.
type Options struct {
	// QueueSize bounds each emitter's event queue. Zero picks 256.
	QueueSize int
	// DrainTimeout bounds how long shutdown waits for emitters to finish
	// after input ends or the context is canceled. Zero picks 30s.
	DrainTimeout time.Duration
}

const (
	defaultQueueSize    = 256
	defaultDrainTimeout = 30 * time.Second
)

// Run reads tracer output from r until EOF or cancellation, feeding every
// reconstructed event to all emitters. A parse or read error stops the
// pipeline. An emit error stops only that emitter, which keeps draining its
// queue while input is still read to the end. A parse or read error is
// returned in preference to an emitter's error.
func Run(ctx context.Context, r io.Reader, rec *event.Reconstructor, emitters []Emitter, opts Options) error {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	queues := make([]chan event.Event, len(emitters))
	var g errgroup.Group
	for i, em := range emitters {
		ch := make(chan event.Event, opts.QueueSize)
		queues[i] = ch
		g.Go(func() error {
			var emitErr error
			for ev := range ch {
				if emitErr != nil {
					continue
				}
				if err := em.Emit(ev); err != nil {
					emitErr = err
				}
			}
			closeErr := em.Close()
			if emitErr != nil {
				return emitErr
			}
			return closeErr
		})
	}

	produceErr := produce(ctx, r, rec, queues)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var consumeErr error
	select {
	case consumeErr = <-done:
	case <-time.After(opts.DrainTimeout):
		consumeErr = fmt.Errorf("timed out draining emitters after %s", opts.DrainTimeout)
	}

	if produceErr != nil {
		return produceErr
	}
	return consumeErr
}

// produce owns the queues: it closes all of them on return so consumers can
// drain and exit.
func produce(ctx context.Context, r io.Reader, rec *event.Reconstructor, queues []chan event.Event) error {
	defer func() {
		for _, ch := range queues {
			close(ch)
		}
	}()

	dispatch := func(events []event.Event) error {
		for _, ev := range events {
			for _, ch := range queues {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}

	framer := strace.NewFramer(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fl, err := framer.Next()
		if errors.Is(err, io.EOF) {
			return dispatch(rec.Flush())
		}
		if err != nil {
			return err
		}
		line, err := strace.ParseLine(fl)
		if err != nil {
			return err
		}
		if err := dispatch(rec.Add(line)); err != nil {
			return err
		}
	}
}
