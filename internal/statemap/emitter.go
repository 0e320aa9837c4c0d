// Package statemap walks aggregated timelines and emits statemap state
// transitions: a header followed by two events per operation.
package statemap

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/trace-statemap/internal/schema"
	"github.com/withObsrvr/trace-statemap/internal/trace"
)

// Event is one state transition relative to the trace epoch.
type Event struct {
	OffsetNS int64
	Entity   string
	State    int
}

// Violation records an operation that started before its predecessor on the
// same entity had finished. A statemap shows one state per entity at a time,
// so such overlaps render misleadingly.
type Violation struct {
	Entity       string
	PreviousKind string
	PreviousEnd  int64 // Unix nanoseconds
	Kind         string
	Start        int64 // Unix nanoseconds
}

// Summary reports what an emission pass produced.
type Summary struct {
	Entities   int
	States     int
	Events     int
	Violations int
}

// Writer receives the header and then every event, in order.
type Writer interface {
	WriteHeader(schema.Header) error
	WriteEvent(Event) error
}

// Options configures header metadata and emission parallelism.
type Options struct {
	Title   string
	Host    string
	Colors  map[string]string // per-state display colors
	Workers int
}

// Emitter turns a frozen Trace into statemap output.
type Emitter struct {
	trace *trace.Trace
	opts  Options
	log   *slog.Logger
}

// NewEmitter creates an emitter for t.
func NewEmitter(t *trace.Trace, opts Options, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{trace: t, opts: opts, log: log}
}

// Header builds the statemap header for the trace.
func (e *Emitter) Header() schema.Header {
	sec, nsec := trace.SplitNanos(e.trace.Epoch)
	states := make(map[string]schema.StateMeta, e.trace.Registry.Len()+1)
	for code, name := range e.trace.Registry.States() {
		states[name] = schema.StateMeta{Value: code, Color: e.opts.Colors[name]}
	}
	return schema.Header{
		Start:  [2]int64{sec, nsec},
		Title:  e.opts.Title,
		Host:   e.opts.Host,
		States: states,
	}
}

// WalkTimeline emits the events for one entity in arrival order and reports
// each ordering violation against the immediately preceding operation.
func WalkTimeline(t *trace.Trace, tl trace.Timeline, emit func(Event) bool, violate func(Violation)) {
	waiting := t.Registry.WaitingCode()
	for i, op := range tl.Operations {
		if i > 0 {
			prev := tl.Operations[i-1]
			if op.StartNS < prev.EndNS && violate != nil {
				violate(Violation{
					Entity:       tl.Entity,
					PreviousKind: prev.Kind,
					PreviousEnd:  prev.EndNS,
					Kind:         op.Kind,
					Start:        op.StartNS,
				})
			}
		}

		code, _ := t.Registry.Code(op.Kind)
		if !emit(Event{OffsetNS: t.Offset(op.StartNS), Entity: tl.Entity, State: code}) {
			return
		}
		if !emit(Event{OffsetNS: t.Offset(op.EndNS), Entity: tl.Entity, State: waiting}) {
			return
		}
	}
}

// Events returns a lazy single-pass sequence over every event, entity by
// entity. Violations are passed to violate as they are discovered.
func (e *Emitter) Events(violate func(Violation)) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		stopped := false
		emit := func(ev Event) bool {
			if !yield(ev) {
				stopped = true
			}
			return !stopped
		}
		for _, tl := range e.trace.Timelines {
			WalkTimeline(e.trace, tl, emit, violate)
			if stopped {
				return
			}
		}
	}
}

// Emit writes the header and every event to w, logging each violation.
// Violations never fail the emission.
func (e *Emitter) Emit(ctx context.Context, w Writer) (Summary, error) {
	summary := Summary{
		Entities: len(e.trace.Timelines),
		States:   e.trace.Registry.Len() + 1,
	}

	if err := w.WriteHeader(e.Header()); err != nil {
		return summary, fmt.Errorf("write header: %w", err)
	}

	violate := func(v Violation) {
		summary.Violations++
		e.logViolation(v)
	}

	var err error
	if e.opts.Workers > 1 && len(e.trace.Timelines) > 1 {
		err = e.emitParallel(ctx, w, violate, &summary)
	} else {
		err = e.emitSequential(ctx, w, violate, &summary)
	}
	if err != nil {
		return summary, err
	}

	e.logSummary(summary)
	return summary, nil
}

func (e *Emitter) emitSequential(ctx context.Context, w Writer, violate func(Violation), summary *Summary) error {
	var werr error
	for ev := range e.Events(violate) {
		if werr = ctx.Err(); werr != nil {
			break
		}
		if werr = w.WriteEvent(ev); werr != nil {
			werr = fmt.Errorf("write event: %w", werr)
			break
		}
		summary.Events++
	}
	return werr
}

// entityOutput buffers one entity's walk for the parallel path.
type entityOutput struct {
	events     []Event
	violations []Violation
}

// emitParallel walks entities concurrently, then writes results in entity
// order so output and diagnostics match the sequential path.
func (e *Emitter) emitParallel(ctx context.Context, w Writer, violate func(Violation), summary *Summary) error {
	outputs := make([]entityOutput, len(e.trace.Timelines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, tl := range e.trace.Timelines {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := entityOutput{events: make([]Event, 0, 2*len(tl.Operations))}
			WalkTimeline(e.trace, tl,
				func(ev Event) bool { out.events = append(out.events, ev); return true },
				func(v Violation) { out.violations = append(out.violations, v) },
			)
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("walk timelines: %w", err)
	}

	for _, out := range outputs {
		for _, v := range out.violations {
			violate(v)
		}
		for _, ev := range out.events {
			if err := w.WriteEvent(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			summary.Events++
		}
	}
	return nil
}

func (e *Emitter) logViolation(v Violation) {
	e.log.Warn("out-of-order timestamp",
		"entity", v.Entity,
		"previous_kind", v.PreviousKind,
		"previous_end_ns", v.PreviousEnd,
		"kind", v.Kind,
		"start_ns", v.Start,
	)
}

func (e *Emitter) logSummary(s Summary) {
	if s.Violations > 0 {
		e.log.Warn(fmt.Sprintf("%d out-of-order timestamps discovered", s.Violations),
			"events", s.Events, "entities", s.Entities)
		return
	}
	e.log.Info(fmt.Sprintf("%d states discovered", s.Events),
		"entities", s.Entities, "state_codes", s.States)
}
