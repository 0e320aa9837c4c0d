package converter

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/trace-statemap/internal/config"
	"github.com/withObsrvr/trace-statemap/internal/source"
	"github.com/withObsrvr/trace-statemap/internal/storage"
	"github.com/withObsrvr/trace-statemap/internal/tables"
	"github.com/withObsrvr/trace-statemap/internal/trace"
)

const exampleTrace = `
{"host":"h1","time":"1970-01-01T00:00:01Z","api":"s3.PutObject","callStats":{"duration":300000000}}
{"host":"h1","time":"1970-01-01T00:00:01.5Z","api":"s3.GetObject","callStats":{"duration":100000000}}
`

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Input = "-"
	cfg.Workers = 1
	return cfg
}

func runConverter(t *testing.T, cfg config.Config, input, dir, key string) (*Result, error) {
	t.Helper()
	src, err := source.NewReaderSource("stdin", io.NopCloser(strings.NewReader(input)))
	require.NoError(t, err)
	defer src.Close()

	store, err := storage.NewLocalStore(dir)
	require.NoError(t, err)
	defer store.Close()

	return New(cfg, src, store, key, nil).Run(context.Background())
}

func readLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestRunExampleTrace(t *testing.T) {
	dir := t.TempDir()
	res, err := runConverter(t, testConfig(), exampleTrace, dir, "out.json")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 4, res.Summary.Events)
	assert.Equal(t, 0, res.Summary.Violations)

	data, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	lines := readLines(t, bytes.NewReader(data))
	require.Len(t, lines, 5)

	assert.JSONEq(t, `{"start":[0,700000000],"title":"MinIO","host":"minio cluster","states":{
		"s3.PutObject":{"value":0},"s3.GetObject":{"value":1},"waiting":{"value":2,"color":"white"}}}`, lines[0])
	assert.Equal(t, []string{
		`{"time":"0","entity":"h1","state":0}`,
		`{"time":"300000000","entity":"h1","state":2}`,
		`{"time":"700000000","entity":"h1","state":1}`,
		`{"time":"800000000","entity":"h1","state":2}`,
	}, lines[1:])

	// Manifest describes the published bytes
	raw, err := os.ReadFile(filepath.Join(dir, "out.json"+storage.ManifestSuffix))
	require.NoError(t, err)
	var m storage.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))

	sum := sha256.Sum256(data)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), m.Output.Checksum)
	assert.Equal(t, res.Checksum, m.Output.Checksum)
	assert.Equal(t, int64(len(data)), m.Output.ByteSize)
	assert.Equal(t, res.RunID, m.RunID)
	assert.Equal(t, "statemap", m.Output.Format)
	assert.Equal(t, "none", m.Output.Compression)
	assert.Equal(t, [2]int64{0, 700000000}, m.Trace.Start)
	assert.Equal(t, 4, m.Trace.Events)
	assert.Equal(t, 3, m.Trace.States)
	assert.Equal(t, Version, m.Producer.Version)
}

func TestRunRefusesExistingOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))

	_, err := runConverter(t, testConfig(), exampleTrace, dir, "out.json")
	assert.ErrorIs(t, err, ErrOutputExists)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "keep me", string(data))

	cfg := testConfig()
	cfg.AllowOverwrite = true
	_, err = runConverter(t, cfg, exampleTrace, dir, "out.json")
	require.NoError(t, err)
	data, _ = os.ReadFile(path)
	assert.True(t, strings.HasPrefix(string(data), `{"start":`))
}

func TestRunFatalErrorsLeaveNoOutput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", trace.ErrEmptyTrace},
		{"missing duration", `{"host":"h","time":"1970-01-01T00:00:01Z","api":"Get","callStats":{}}`, trace.ErrMalformedRecord},
		{"negative duration", `{"host":"h","time":"1970-01-01T00:00:01Z","api":"Get","callStats":{"duration":-5}}`, trace.ErrNegativeDuration},
		{"reserved kind", `{"host":"h","time":"1970-01-01T00:00:01Z","api":"waiting","callStats":{"duration":5}}`, trace.ErrReservedKind},
		{"bad json", `{"host":`, source.ErrInvalidJSON},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			// A valid record first so failures happen mid-stream
			input := tc.input
			if tc.name != "empty" {
				input = exampleTrace + tc.input
			}

			_, err := runConverter(t, testConfig(), input, dir, "out.json")
			assert.ErrorIs(t, err, tc.want)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "no output or temp files may remain")
		})
	}
}

func TestRunViolationsAreNotFatal(t *testing.T) {
	input := `
{"host":"h1","time":"1970-01-01T00:00:01Z","api":"Put","callStats":{"duration":300000000}}
{"host":"h1","time":"1970-01-01T00:00:00.9Z","api":"Get","callStats":{"duration":400000000}}
`
	res, err := runConverter(t, testConfig(), input, t.TempDir(), "out.json")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Violations)
	assert.Equal(t, 4, res.Summary.Events)
}

func syntheticTrace(n int) string {
	var b strings.Builder
	hosts := []string{"n1:9000", "n2:9000", "n3:9000"}
	apis := []string{"s3.GetObject", "s3.PutObject", "s3.ListObjectsV2", "s3.HeadObject"}
	for i := range n {
		end := int64(1_000_000_000 + i*1_000_000)
		fmt.Fprintf(&b, `{"host":%q,"time":"1970-01-01T00:00:%02d.%09dZ","api":%q,"callStats":{"duration":%d}}`+"\n",
			hosts[(i*7)%len(hosts)], end/1_000_000_000, end%1_000_000_000, apis[(i*5)%len(apis)], (i*37)%2_000_000)
	}
	return b.String()
}

func TestRunParallelMatchesSequential(t *testing.T) {
	input := syntheticTrace(400)

	seqDir, parDir := t.TempDir(), t.TempDir()
	_, err := runConverter(t, testConfig(), input, seqDir, "out.json")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Workers = 4
	res, err := runConverter(t, cfg, input, parDir, "out.json")
	require.NoError(t, err)
	assert.Equal(t, 800, res.Summary.Events)

	seq, err := os.ReadFile(filepath.Join(seqDir, "out.json"))
	require.NoError(t, err)
	par, err := os.ReadFile(filepath.Join(parDir, "out.json"))
	require.NoError(t, err)
	assert.Equal(t, string(seq), string(par))
}

func TestRunZstdOutput(t *testing.T) {
	dir := t.TempDir()
	res, err := runConverter(t, testConfig(), exampleTrace, dir, "out.json.zst")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "out.json.zst"))
	require.NoError(t, err)
	defer f.Close()

	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	lines := readLines(t, dec)
	require.Len(t, lines, 5)
	assert.Equal(t, `{"time":"800000000","entity":"h1","state":2}`, lines[4])

	raw, err := os.ReadFile(filepath.Join(dir, "out.json.zst"+storage.ManifestSuffix))
	require.NoError(t, err)
	var m storage.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "zstd", m.Output.Compression)
	assert.Equal(t, res.ByteSize, m.Output.ByteSize)
}

func TestRunParquetOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Format = config.FormatParquet

	_, err := runConverter(t, cfg, exampleTrace, dir, "out.parquet")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "out.parquet"+storage.ManifestSuffix))
	require.NoError(t, err)
	var m storage.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "state_events", m.Output.Table)
	assert.Equal(t, "parquet", m.Output.Format)

	data, err := os.ReadFile(filepath.Join(dir, "out.parquet"))
	require.NoError(t, err)
	rows, err := parquet.Read[tables.StateEventRow](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, tables.StateEventRow{OffsetNS: 700_000_000, Entity: "h1", State: 1, StateName: "s3.GetObject"}, rows[2])
}

func TestRunWritesMetricsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.MetricsFile = filepath.Join(dir, "run.prom")

	src, err := source.NewReaderSource("stdin", io.NopCloser(strings.NewReader(exampleTrace)))
	require.NoError(t, err)
	store, err := storage.NewLocalStore(dir)
	require.NoError(t, err)

	c := New(cfg, src, store, "out.json", nil)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	m := c.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsRead.WithLabelValues("stdio")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("statemap")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.States))

	prom, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "trace_statemap_events_emitted_total")
}

func TestRunToStdout(t *testing.T) {
	var stdout bytes.Buffer
	src, err := source.NewReaderSource("stdin", io.NopCloser(strings.NewReader(exampleTrace)))
	require.NoError(t, err)

	res, err := New(testConfig(), src, storage.NewStdoutStore(&stdout), "", nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stdout", res.URI)
	assert.Len(t, readLines(t, &stdout), 5)
}
