// Package cli implements the trace-statemap command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/trace-statemap/internal/config"
	"github.com/withObsrvr/trace-statemap/internal/converter"
	"github.com/withObsrvr/trace-statemap/internal/logging"
	"github.com/withObsrvr/trace-statemap/internal/source"
	"github.com/withObsrvr/trace-statemap/internal/storage"
)

type options struct {
	configPath     string
	input          string
	output         string
	title          string
	cluster        string
	format         string
	workers        int
	allowOverwrite bool
	metricsFile    string
	logLevel       string
	logFormat      string
	s3Endpoint     string
	s3Region       string
}

// NewRootCmd builds the top-level command.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "trace-statemap",
		Short: "Convert MinIO traces into statemaps",
		Long: "Reads `mc admin trace --json` output and writes a statemap: one timeline per\n" +
			"server, one state per S3 API call, with a waiting state between calls.",
		Example: "  mc admin trace --json myminio > trace.json\n" +
			"  trace-statemap -i trace.json -o trace.statemap.json\n" +
			"  trace-statemap -i s3://traces/2024-06-01/ -o - | statemap > out.svg",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input-file", "i", "", "Trace input: file, directory, s3://bucket/key, gs://bucket/key, or - for stdin (required)")
	f.StringVarP(&opts.output, "output", "o", "", "Statemap output: file, bucket URL, or - for stdout (default -)")
	f.StringVarP(&opts.title, "title", "t", "", "Statemap title (default MinIO)")
	f.StringVarP(&opts.cluster, "cluster-name", "c", "", "Cluster name shown as the statemap host (default \"minio cluster\")")
	f.StringVar(&opts.format, "format", "", "Output format: statemap or parquet (default statemap)")
	f.IntVar(&opts.workers, "workers", 0, "Aggregation and emission workers (0 = one per CPU)")
	f.BoolVar(&opts.allowOverwrite, "allow-overwrite", false, "Replace an existing output")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this path")
	f.StringVar(&opts.s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint for MinIO, B2 or R2")
	f.StringVar(&opts.s3Region, "s3-region", "", "S3 region")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// RootCmd is the top-level command.
var RootCmd = NewRootCmd()

// load layers explicitly set flags over the file and environment config.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	f := cmd.Flags()
	setString := func(name string, dst *string, val string) {
		if f.Changed(name) {
			*dst = val
		}
	}
	setString("input-file", &cfg.Input, o.input)
	setString("output", &cfg.Output, o.output)
	setString("title", &cfg.Statemap.Title, o.title)
	setString("cluster-name", &cfg.Statemap.Cluster, o.cluster)
	setString("format", &cfg.Format, o.format)
	setString("metrics-file", &cfg.MetricsFile, o.metricsFile)
	setString("log-level", &cfg.Log.Level, o.logLevel)
	setString("log-format", &cfg.Log.Format, o.logFormat)
	setString("s3-endpoint", &cfg.S3.Endpoint, o.s3Endpoint)
	setString("s3-region", &cfg.S3.Region, o.s3Region)
	if f.Changed("workers") {
		cfg.Workers = o.workers
	}
	if f.Changed("allow-overwrite") {
		cfg.AllowOverwrite = o.allowOverwrite
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer) error {
	src, err := source.NewTraceSource(ctx, source.SourceConfig{
		Input:      cfg.Input,
		S3Endpoint: cfg.S3.Endpoint,
		S3Region:   cfg.S3.Region,
	}, stdin)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	store, key, err := storage.NewStore(ctx, storage.StorageConfig{
		Output:     cfg.Output,
		S3Endpoint: cfg.S3.Endpoint,
		S3Region:   cfg.S3.Region,
		Stdout:     stdout,
	})
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer store.Close()

	_, err = converter.New(cfg, src, store, key, nil).Run(ctx)
	return err
}
