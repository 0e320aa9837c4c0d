// Package trace turns decoded trace records into operations and folds them
// into a Trace: the epoch, the state registry and the per-entity timelines.
package trace

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/withObsrvr/trace-statemap/internal/schema"
)

var (
	// ErrMalformedRecord is returned when a record lacks a required field.
	ErrMalformedRecord = errors.New("malformed trace record")

	// ErrNegativeDuration is returned when a record reports a negative duration.
	ErrNegativeDuration = errors.New("negative duration")

	// ErrTimestampRange is returned when a timestamp cannot be represented as
	// non-negative int64 nanoseconds since the Unix epoch.
	ErrTimestampRange = errors.New("timestamp out of range")

	// ErrReservedKind is returned when an operation uses the synthetic state name.
	ErrReservedKind = errors.New("reserved operation kind")
)

const nanosPerSecond = int64(time.Second)

// Operation is one normalized trace entry. Times are absolute Unix nanoseconds.
type Operation struct {
	Seq     uint64 // position in the input stream
	Entity  string
	Kind    string
	StartNS int64
	EndNS   int64
}

// Duration returns the reported operation duration.
func (o Operation) Duration() time.Duration {
	return time.Duration(o.EndNS - o.StartNS)
}

// Normalize converts a raw record into an Operation. MinIO reports only the
// end of a call and its duration, so the start time is derived here.
func Normalize(seq uint64, rec schema.TraceRecord) (Operation, error) {
	switch {
	case rec.Host == "":
		return Operation{}, fmt.Errorf("%w: record %d: missing host", ErrMalformedRecord, seq)
	case rec.Time == nil:
		return Operation{}, fmt.Errorf("%w: record %d: missing time", ErrMalformedRecord, seq)
	case rec.API == "":
		return Operation{}, fmt.Errorf("%w: record %d: missing api", ErrMalformedRecord, seq)
	case rec.CallStats == nil || rec.CallStats.Duration == nil:
		return Operation{}, fmt.Errorf("%w: record %d: missing callStats.duration", ErrMalformedRecord, seq)
	}

	if rec.API == schema.WaitingState {
		return Operation{}, fmt.Errorf("%w: record %d: api %q collides with the idle state",
			ErrReservedKind, seq, rec.API)
	}

	duration := *rec.CallStats.Duration
	if duration < 0 {
		return Operation{}, fmt.Errorf("%w: record %d: %d", ErrNegativeDuration, seq, duration)
	}

	end, err := UnixNanos(*rec.Time)
	if err != nil {
		return Operation{}, fmt.Errorf("record %d: %w", seq, err)
	}

	if duration > end {
		return Operation{}, fmt.Errorf("%w: record %d: duration %d exceeds end time %d",
			ErrTimestampRange, seq, duration, end)
	}

	return Operation{
		Seq:     seq,
		Entity:  rec.Host,
		Kind:    rec.API,
		StartNS: end - duration,
		EndNS:   end,
	}, nil
}

// UnixNanos converts t to integer nanoseconds since the Unix epoch without
// going through floating point.
func UnixNanos(t time.Time) (int64, error) {
	sec := t.Unix()
	nsec := int64(t.Nanosecond())
	if sec < 0 {
		return 0, fmt.Errorf("%w: %s predates the Unix epoch", ErrTimestampRange, t.Format(time.RFC3339Nano))
	}
	if sec > (math.MaxInt64-nsec)/nanosPerSecond {
		return 0, fmt.Errorf("%w: %s overflows int64 nanoseconds", ErrTimestampRange, t.Format(time.RFC3339Nano))
	}
	return sec*nanosPerSecond + nsec, nil
}

// SplitNanos splits absolute nanoseconds into whole seconds and the remainder.
func SplitNanos(ns int64) (sec, nsec int64) {
	return ns / nanosPerSecond, ns % nanosPerSecond
}
