// Package tables writes statemap events as a Parquet table for ad-hoc
// analysis in DuckDB, Spark and friends.
package tables

// StateEventRow represents a single row in the state_events table.
type StateEventRow struct {
	// Offset from the trace epoch, nanoseconds
	OffsetNS int64 `parquet:"offset_ns"`

	Entity    string `parquet:"entity,dict"`
	State     int32  `parquet:"state"`
	StateName string `parquet:"state_name,dict"`
}

// TableName returns the canonical table name.
func (StateEventRow) TableName() string {
	return "state_events"
}

// File metadata keys.
const (
	HeaderKey = "statemap.header" // JSON statemap header
	TableKey  = "statemap.table"  // table name for catalog registration
)

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
	BatchSize   int
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "zstd",
		BatchSize:   4096,
	}
}
