package trace

import "github.com/withObsrvr/trace-statemap/internal/schema"

// Registry maps operation kinds to state codes in first-seen order.
// The synthetic waiting state always takes the code after the last real kind.
// A Registry handed out inside a Trace is read-only.
type Registry struct {
	codes map[string]int
	kinds []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codes: make(map[string]int)}
}

// Assign returns the code for kind, assigning the next code if it is new.
func (r *Registry) Assign(kind string) int {
	if code, ok := r.codes[kind]; ok {
		return code
	}
	code := len(r.kinds)
	r.codes[kind] = code
	r.kinds = append(r.kinds, kind)
	return code
}

// Code returns the state code for kind. The waiting state resolves to
// WaitingCode.
func (r *Registry) Code(kind string) (int, bool) {
	if kind == schema.WaitingState {
		return r.WaitingCode(), true
	}
	code, ok := r.codes[kind]
	return code, ok
}

// WaitingCode is the number of distinct real kinds.
func (r *Registry) WaitingCode() int {
	return len(r.kinds)
}

// Len returns the number of real kinds.
func (r *Registry) Len() int {
	return len(r.kinds)
}

// Kinds returns the real kinds ordered by code.
func (r *Registry) Kinds() []string {
	out := make([]string, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// States returns every state name ordered by code, waiting last.
func (r *Registry) States() []string {
	return append(r.Kinds(), schema.WaitingState)
}
