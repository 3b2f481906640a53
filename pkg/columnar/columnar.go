// Package columnar provides the physical columnar I/O layer for pufkit
// datasets, backed by Apache Arrow.
//
// Two on-disk formats are supported: Parquet (the default, snappy
// compressed) and Arrow IPC files. Both share one Writer/Reader interface
// over rows aligned to the build's unified schema, so the converter and the
// transform pass are format-agnostic.
package columnar

import (
	"io"

	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// Format identifies a columnar storage format.
type Format string

const (
	// Parquet is Apache Parquet format
	Parquet Format = "parquet"
	// Arrow is Apache Arrow IPC file format
	Arrow Format = "arrow"
)

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	switch f {
	case Arrow:
		return ".arrow"
	default:
		return ".parquet"
	}
}

// ParseFormat validates a format name from configuration.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Parquet, Arrow:
		return Format(s), nil
	case "":
		return Parquet, nil
	default:
		return "", pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"unsupported columnar format %q", s)
	}
}

// Writer appends schema-aligned rows to one columnar file. Implementations
// buffer rows into Arrow record batches and flush them as row groups;
// callers must Close to finalize the file footer.
type Writer interface {
	// WriteRow appends one row whose values are ordered by the schema.
	WriteRow(values []interface{}) error
	// WriteRows appends a batch of rows.
	WriteRows(rows [][]interface{}) error
	// Flush writes any buffered rows to the underlying file.
	Flush() error
	// Close flushes, finalizes the file footer, and closes the underlying
	// writer when it is an io.Closer. Callers must not close it again.
	Close() error
	// Format returns the columnar format.
	Format() Format
	// RowsWritten returns the number of rows appended so far.
	RowsWritten() int64
}

// Reader iterates the rows of one columnar file.
type Reader interface {
	// Next returns the next row in schema order, or io.EOF.
	Next() ([]interface{}, error)
	// Schema returns the file's schema.
	Schema() *schema.Unified
	// Rows returns the total row count.
	Rows() int64
	// Close releases the reader.
	Close() error
}

// WriterConfig configures columnar writers.
type WriterConfig struct {
	Format      Format
	Schema      *schema.Unified
	Compression string // parquet only; snappy when empty
	// BatchRows is the builder flush threshold in rows.
	BatchRows int
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig(s *schema.Unified) *WriterConfig {
	return &WriterConfig{
		Format:      Parquet,
		Schema:      s,
		Compression: "snappy",
		BatchRows:   10000,
	}
}

// NewWriter creates a columnar writer for the configured format.
func NewWriter(w io.Writer, config *WriterConfig) (Writer, error) {
	if config == nil || config.Schema == nil {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeInternal,
			"columnar writer requires a schema")
	}
	if config.BatchRows <= 0 {
		config.BatchRows = 10000
	}

	switch config.Format {
	case Arrow:
		return newArrowWriter(w, config)
	case Parquet, "":
		return newParquetWriter(w, config)
	default:
		return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"unsupported columnar format %q", config.Format)
	}
}

// OpenReader opens a columnar file for reading, detecting the format from
// the file extension.
func OpenReader(path string) (Reader, error) {
	switch formatForPath(path) {
	case Arrow:
		return openArrowReader(path)
	default:
		return openParquetReader(path)
	}
}

func formatForPath(path string) Format {
	if len(path) > 6 && path[len(path)-6:] == ".arrow" {
		return Arrow
	}
	return Parquet
}
