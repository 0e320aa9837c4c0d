// Package schema defines the wire contract shared by the trace reader and the
// statemap writers. Input and output shapes live here once; nothing else in
// the module declares its own copy.
package schema

import (
	"encoding/json"
	"time"
)

// Version returns the version of the wire schema.
// Increment this when making breaking changes.
const Version = "1.0.0"

// WaitingState is the synthetic state an entity enters after every operation.
const WaitingState = "waiting"

// TraceRecord is one entry of the default (non-verbose) MinIO trace output.
// Required fields are pointers or strings checked by the normalizer; the
// rest are carried opaquely.
type TraceRecord struct {
	Host       string     `json:"host"`
	Time       *time.Time `json:"time"`
	Client     string     `json:"client,omitempty"`
	CallStats  *CallStats `json:"callStats"`
	API        string     `json:"api"`
	Path       string     `json:"path,omitempty"`
	Query      string     `json:"query,omitempty"`
	StatusCode int        `json:"statusCode,omitempty"`
	StatusMsg  string     `json:"statusMsg,omitempty"`
}

// CallStats carries per-call counters. Only Duration is interpreted.
type CallStats struct {
	Rx              json.RawMessage `json:"rx,omitempty"`
	Tx              json.RawMessage `json:"tx,omitempty"`
	Duration        *int64          `json:"duration"` // nanoseconds
	TimeToFirstByte json.RawMessage `json:"timeToFirstByte,omitempty"`
}

// StateMeta describes one state in the header legend.
type StateMeta struct {
	Value int    `json:"value"`
	Color string `json:"color,omitempty"`
}

// Header is the first value of a statemap stream.
type Header struct {
	Start  [2]int64             `json:"start"` // [seconds, nanoseconds remainder]
	Title  string               `json:"title"`
	Host   string               `json:"host"`
	States map[string]StateMeta `json:"states"`
}

// Event is one state transition. Time is the trace-relative offset in
// nanoseconds, encoded as a decimal string to survive JSON number limits.
type Event struct {
	Time   string `json:"time"`
	Entity string `json:"entity"`
	State  int    `json:"state"`
}
