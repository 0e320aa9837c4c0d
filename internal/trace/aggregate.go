package trace

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyTrace is returned when no operations were aggregated; the epoch
// and the registry are undefined for an empty trace.
var ErrEmptyTrace = errors.New("empty trace")

// Timeline is the ordered list of operations for one entity, in input order.
type Timeline struct {
	Entity     string
	Operations []Operation
}

// Trace is the frozen result of aggregation.
type Trace struct {
	Epoch      int64 // minimum start time, Unix nanoseconds
	Registry   *Registry
	Timelines  []Timeline // ordered by the entity's first appearance
	Operations int
}

// Offset returns ns relative to the trace epoch.
func (t *Trace) Offset(ns int64) int64 {
	return ns - t.Epoch
}

// seen records where a name first appeared in the input stream.
type seen struct {
	name string
	seq  uint64
}

// Accumulator folds operations into a Trace. Operations must be added in
// ascending Seq order; accumulators built over disjoint chunks of one stream
// can be merged.
type Accumulator struct {
	epoch     int64
	count     int
	kinds     []seen
	kindIndex map[string]int
	entities  []seen
	timelines map[string][]Operation
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		epoch:     math.MaxInt64,
		kindIndex: make(map[string]int),
		timelines: make(map[string][]Operation),
	}
}

// Add folds a single operation.
func (a *Accumulator) Add(op Operation) {
	a.count++
	if op.StartNS < a.epoch {
		a.epoch = op.StartNS
	}
	if _, ok := a.kindIndex[op.Kind]; !ok {
		a.kindIndex[op.Kind] = len(a.kinds)
		a.kinds = append(a.kinds, seen{name: op.Kind, seq: op.Seq})
	}
	ops, ok := a.timelines[op.Entity]
	if !ok {
		a.entities = append(a.entities, seen{name: op.Entity, seq: op.Seq})
	}
	a.timelines[op.Entity] = append(ops, op)
}

// Len returns the number of operations folded so far.
func (a *Accumulator) Len() int {
	return a.count
}

// Merge folds b into a. First-seen positions are resolved by global sequence
// number, so the merged result equals a sequential fold over both inputs.
func (a *Accumulator) Merge(b *Accumulator) {
	a.count += b.count
	if b.epoch < a.epoch {
		a.epoch = b.epoch
	}

	a.kinds = mergeSeen(a.kinds, b.kinds)
	a.kindIndex = make(map[string]int, len(a.kinds))
	for i, k := range a.kinds {
		a.kindIndex[k.name] = i
	}
	a.entities = mergeSeen(a.entities, b.entities)

	for entity, ops := range b.timelines {
		a.timelines[entity] = mergeOps(a.timelines[entity], ops)
	}
}

// Finish freezes the accumulator into a Trace.
func (a *Accumulator) Finish() (*Trace, error) {
	if a.count == 0 {
		return nil, ErrEmptyTrace
	}

	reg := NewRegistry()
	for _, k := range a.kinds {
		reg.Assign(k.name)
	}

	timelines := make([]Timeline, 0, len(a.entities))
	for _, e := range a.entities {
		timelines = append(timelines, Timeline{Entity: e.name, Operations: a.timelines[e.name]})
	}

	return &Trace{
		Epoch:      a.epoch,
		Registry:   reg,
		Timelines:  timelines,
		Operations: a.count,
	}, nil
}

// Aggregate folds ops sequentially.
func Aggregate(ops iter.Seq[Operation]) (*Trace, error) {
	acc := NewAccumulator()
	for op := range ops {
		acc.Add(op)
	}
	return acc.Finish()
}

// AggregateChunks splits ops into contiguous chunks, folds them concurrently
// and merges the partial results.
func AggregateChunks(ctx context.Context, ops []Operation, chunks int) (*Trace, error) {
	if chunks < 1 {
		chunks = 1
	}
	if chunks > len(ops) {
		chunks = max(len(ops), 1)
	}

	size := (len(ops) + chunks - 1) / chunks
	parts := make([]*Accumulator, chunks)

	g, ctx := errgroup.WithContext(ctx)
	for i := range parts {
		lo := min(i*size, len(ops))
		hi := min(lo+size, len(ops))
		g.Go(func() error {
			acc := NewAccumulator()
			for _, op := range ops[lo:hi] {
				if err := ctx.Err(); err != nil {
					return err
				}
				acc.Add(op)
			}
			parts[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate chunks: %w", err)
	}

	acc := parts[0]
	for _, p := range parts[1:] {
		acc.Merge(p)
	}
	return acc.Finish()
}

func mergeSeen(a, b []seen) []seen {
	first := make(map[string]uint64, len(a)+len(b))
	for _, s := range append(append([]seen{}, a...), b...) {
		if cur, ok := first[s.name]; !ok || s.seq < cur {
			first[s.name] = s.seq
		}
	}
	out := make([]seen, 0, len(first))
	for name, seq := range first {
		out = append(out, seen{name: name, seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func mergeOps(a, b []Operation) []Operation {
	out := make([]Operation, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Seq <= b[j].Seq {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
