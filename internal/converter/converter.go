// Package converter runs a trace through normalization, aggregation,
// validation and emission, and publishes the result.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/withObsrvr/trace-statemap/internal/config"
	"github.com/withObsrvr/trace-statemap/internal/logging"
	"github.com/withObsrvr/trace-statemap/internal/metrics"
	"github.com/withObsrvr/trace-statemap/internal/source"
	"github.com/withObsrvr/trace-statemap/internal/statemap"
	"github.com/withObsrvr/trace-statemap/internal/storage"
	"github.com/withObsrvr/trace-statemap/internal/trace"
	"github.com/withObsrvr/trace-statemap/internal/util"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrOutputExists is returned when the output is already present and
// overwriting was not allowed.
var ErrOutputExists = errors.New("output already exists")

// Converter orchestrates a single trace to statemap conversion.
type Converter struct {
	cfg     config.Config
	src     source.TraceSource
	store   storage.Store
	key     string
	metrics *metrics.Metrics
	runID   string
	log     *slog.Logger
}

// Result describes a finished run.
type Result struct {
	RunID    string
	Records  int
	Summary  statemap.Summary
	URI      string
	Checksum string
	ByteSize int64
	Duration time.Duration
}

// New creates a converter reading from src and writing key into store.
// A nil m gets a fresh metrics set.
func New(cfg config.Config, src source.TraceSource, store storage.Store, key string, m *metrics.Metrics) *Converter {
	if m == nil {
		m = metrics.New("")
	}
	runID := logging.GenerateRunID()
	return &Converter{
		cfg:     cfg,
		src:     src,
		store:   store,
		key:     key,
		metrics: m,
		runID:   runID,
		log:     logging.RunLogger(runID, cfg.Input, store.URI(key)).With("component", "converter"),
	}
}

// RunID returns the identifier attached to this run's logs and manifest.
func (c *Converter) RunID() string {
	return c.runID
}

// Metrics returns the run's metrics.
func (c *Converter) Metrics() *metrics.Metrics {
	return c.metrics
}

// Run performs the conversion. Nothing is published unless every fatal check
// passes; ordering violations are logged and counted but never fatal.
func (c *Converter) Run(ctx context.Context) (res *Result, err error) {
	ctx = logging.WithRunID(ctx, c.runID)
	startTime := time.Now()

	if c.cfg.MetricsFile != "" {
		defer func() {
			if werr := c.metrics.WriteTextfile(c.cfg.MetricsFile); werr != nil {
				c.log.Warn("failed to write metrics", "error", werr)
			}
		}()
	}

	c.log.Info("starting conversion",
		"format", c.cfg.Format,
		"workers", c.workers(),
		"version", Version,
	)

	// Step 1: Refuse to clobber an existing output before doing any work
	if exists, err := c.store.Exists(ctx, c.key); err != nil {
		return nil, fmt.Errorf("check output: %w", err)
	} else if exists && !c.cfg.AllowOverwrite {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, c.store.URI(c.key))
	}

	// Step 2: Read, normalize and aggregate
	phase := time.Now()
	tr, records, err := c.aggregate(ctx)
	if err != nil {
		return nil, err
	}
	c.observe("aggregate", phase)
	c.metrics.SetTraceShape(tr.Operations, len(tr.Timelines), tr.Registry.Len()+1)
	elapsed := time.Since(startTime).Seconds()
	if elapsed > 0 {
		c.metrics.SetRecordsPerSecond(float64(records) / elapsed)
	}

	// Step 3: Validate the trace before any output byte is written
	if result := ValidateTrace(tr); !result.Passed {
		return nil, result.Err()
	}

	// Step 4: Emit and publish
	phase = time.Now()
	pub, err := c.publish(ctx, tr, records)
	if err != nil {
		return nil, err
	}
	c.observe("publish", phase)

	res = &Result{
		RunID:    c.runID,
		Records:  records,
		Summary:  pub.Summary,
		URI:      pub.URI,
		Checksum: pub.Checksum,
		ByteSize: pub.ByteSize,
		Duration: time.Since(startTime),
	}
	c.log.Info("conversion complete",
		"records", res.Records,
		"entities", res.Summary.Entities,
		"events", res.Summary.Events,
		"violations", res.Summary.Violations,
		"duration", res.Duration.String(),
	)
	return res, nil
}

// aggregate drains the source into a Trace. With more than one worker the
// operations are buffered and folded in parallel chunks.
func (c *Converter) aggregate(ctx context.Context) (*trace.Trace, int, error) {
	labels := metrics.Labels{Source: c.sourceLabel()}
	workers := c.workers()

	// Stops the source goroutine if we bail out early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acc := trace.NewAccumulator()
	var ops []trace.Operation

	recordCh, errCh := c.src.Stream(ctx)
	records := 0
	for recordCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, records, ctx.Err()

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				c.metrics.IncSourceErrors(labels)
				return nil, records, fmt.Errorf("source error: %w", err)
			}

		case rec, ok := <-recordCh:
			if !ok {
				recordCh = nil
				continue
			}
			records++

			op, err := trace.Normalize(rec.Seq, rec.Trace)
			if err != nil {
				return nil, records, fmt.Errorf("normalize %s: %w", rec.Segment, err)
			}
			if workers > 1 {
				ops = append(ops, op)
			} else {
				acc.Add(op)
			}
		}
	}
	c.metrics.AddRecordsRead(labels, float64(records))
	c.log.Debug("input drained", "records", records)

	var (
		tr  *trace.Trace
		err error
	)
	if workers > 1 {
		tr, err = trace.AggregateChunks(ctx, ops, workers)
	} else {
		tr, err = acc.Finish()
	}
	if err != nil {
		return nil, records, fmt.Errorf("aggregate: %w", err)
	}
	return tr, records, nil
}

func (c *Converter) workers() int {
	if c.cfg.Workers > 0 {
		return c.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (c *Converter) sourceLabel() string {
	loc, err := util.ParseLocation(c.cfg.Input)
	if err != nil {
		return "unknown"
	}
	return loc.Scheme
}

func (c *Converter) observe(phase string, since time.Time) {
	c.metrics.ObservePhaseDuration(metrics.Labels{Phase: phase}, time.Since(since).Seconds())
}
