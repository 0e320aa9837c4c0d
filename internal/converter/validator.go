package converter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/trace-statemap/internal/schema"
	"github.com/withObsrvr/trace-statemap/internal/statemap"
	"github.com/withObsrvr/trace-statemap/internal/trace"
)

// ErrValidation is returned when a trace or its emitted output fails a
// consistency check.
var ErrValidation = errors.New("validation failed")

// ValidationResult contains the outcome of a validation pass.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

// Err returns nil for a passing result, otherwise an ErrValidation listing
// every failed check.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(r.Errors, "; "))
}

// ValidateTrace performs consistency checks on an aggregated trace before
// anything is written. This validates:
// - the trace is non-empty
// - state codes are dense and waiting takes the code after the real kinds
// - every operation starts at or after the epoch and ends at or after it starts
// - the operation count matches the timelines
func ValidateTrace(t *trace.Trace) ValidationResult {
	result := ValidationResult{Passed: true}

	// Check 1: Non-empty trace
	if t == nil || t.Operations == 0 || len(t.Timelines) == 0 {
		result.fail("trace has no operations")
		return result
	}

	// Check 2: State code layout
	states := t.Registry.States()
	if len(states) != t.Registry.Len()+1 {
		result.fail("state table has %d entries, want %d", len(states), t.Registry.Len()+1)
	}
	if states[len(states)-1] != schema.WaitingState || t.Registry.WaitingCode() != t.Registry.Len() {
		result.fail("waiting state must take code %d", t.Registry.Len())
	}
	for code, name := range states {
		if got, ok := t.Registry.Code(name); !ok || got != code {
			result.fail("state %q resolves to %d, want %d", name, got, code)
		}
	}

	// Check 3: Operation bounds
	total := 0
	seen := make(map[string]bool, len(t.Timelines))
	for _, tl := range t.Timelines {
		if seen[tl.Entity] {
			result.fail("entity %q has more than one timeline", tl.Entity)
		}
		seen[tl.Entity] = true

		if len(tl.Operations) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("entity %q has an empty timeline", tl.Entity))
		}
		for _, op := range tl.Operations {
			if op.StartNS < t.Epoch {
				result.fail("operation %d on %q starts before the epoch", op.Seq, tl.Entity)
			}
			if op.Duration() < 0 {
				result.fail("operation %d on %q ends before it starts", op.Seq, tl.Entity)
			}
			if _, ok := t.Registry.Code(op.Kind); !ok {
				result.fail("operation %d on %q has unregistered kind %q", op.Seq, tl.Entity, op.Kind)
			}
		}
		total += len(tl.Operations)
	}

	// Check 4: Operation count
	if total != t.Operations {
		result.fail("timelines hold %d operations, trace reports %d", total, t.Operations)
	}

	return result
}

// ValidateSummary checks the emitted output against the trace it came from,
// before the output is published. rows is the number of events the output
// writer actually accepted.
func ValidateSummary(t *trace.Trace, s statemap.Summary, rows int64) ValidationResult {
	result := ValidationResult{Passed: true}

	if rows != int64(s.Events) {
		result.fail("writer accepted %d events, emitter reports %d", rows, s.Events)
	}
	if s.Events != 2*t.Operations {
		result.fail("emitted %d events for %d operations, want %d", s.Events, t.Operations, 2*t.Operations)
	}
	if s.Entities != len(t.Timelines) {
		result.fail("emitted %d entities, trace has %d", s.Entities, len(t.Timelines))
	}
	if s.States != t.Registry.Len()+1 {
		result.fail("header has %d states, want %d", s.States, t.Registry.Len()+1)
	}
	if s.Violations > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d out-of-order timestamps", s.Violations))
	}

	return result
}
