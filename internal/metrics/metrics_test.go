package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New("")

	m.AddRecordsRead(Labels{Source: "file"}, 10)
	m.AddRecordsRead(Labels{Source: "file"}, 5)
	m.IncSourceErrors(Labels{Source: "s3"})
	m.SetTraceShape(15, 3, 4)
	m.AddEventsEmitted(Labels{Format: "statemap"}, 30)
	m.AddOrderingViolations(2)
	m.SetOutputBytes(Labels{Backend: "file", Format: "statemap"}, 1024)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.RecordsRead.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceErrors.WithLabelValues("s3")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.OperationsAggregated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Entities))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.States))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("statemap")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrderingViolations))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.OutputBytes.WithLabelValues("file", "statemap")))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New("x"), New("x")
	a.AddOrderingViolations(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.OrderingViolations))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OrderingViolations))
}

func TestPhaseDuration(t *testing.T) {
	m := New("")
	m.ObservePhaseDuration(Labels{Phase: "aggregate"}, 0.5)
	m.ObservePhaseDuration(Labels{Phase: "emit"}, 0.1)
	assert.Equal(t, 2, testutil.CollectAndCount(m.PhaseDuration))
}

func TestWriteTextfile(t *testing.T) {
	m := New("")
	m.AddRecordsRead(Labels{Source: "stdio"}, 7)
	m.SetRecordsPerSecond(3.5)

	path := filepath.Join(t.TempDir(), "statemap.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `trace_statemap_records_read_total{source="stdio"} 7`), out)
	assert.Contains(t, out, "trace_statemap_records_per_second 3.5")
}
