package source

import (
	"path"
	"regexp"
	"sort"
)

// traceFilePattern matches the extensions written by `mc admin trace --json`
// redirects, optionally zstd compressed.
var traceFilePattern = regexp.MustCompile(`\.(json|jsonl|out|trace)(\.zst)?$`)

// IsTraceFile reports whether name looks like a trace segment.
func IsTraceFile(name string) bool {
	base := path.Base(name)
	if base == "" || base[0] == '.' {
		return false
	}
	return traceFilePattern.MatchString(base)
}

// SegmentIndex maintains an ordered list of trace segments.
type SegmentIndex struct {
	files []string
	seen  map[string]struct{}
}

// NewSegmentIndex creates an empty segment index.
func NewSegmentIndex() *SegmentIndex {
	return &SegmentIndex{seen: make(map[string]struct{})}
}

// AddFile adds a file to the index if it is a trace segment.
func (idx *SegmentIndex) AddFile(name string) bool {
	if !IsTraceFile(name) {
		return false
	}
	if _, dup := idx.seen[name]; dup {
		return false
	}
	idx.seen[name] = struct{}{}
	idx.files = append(idx.files, name)
	return true
}

// Sort orders segments lexically, which is chronological for the
// timestamped file names trace captures are usually rotated into.
func (idx *SegmentIndex) Sort() {
	sort.Strings(idx.files)
}

// Files returns the indexed segments.
func (idx *SegmentIndex) Files() []string {
	return idx.files
}

// Count returns the number of indexed segments.
func (idx *SegmentIndex) Count() int {
	return len(idx.files)
}
