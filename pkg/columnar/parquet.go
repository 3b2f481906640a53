package columnar

import (
	"context"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// parquetWriter implements Writer for Parquet format.
type parquetWriter struct {
	config        *WriterConfig
	arrowSchema   *arrow.Schema
	fileWriter    *pqarrow.FileWriter
	recordBuilder *array.RecordBuilder
	pending       int
	rowsWritten   int64
}

func newParquetWriter(w io.Writer, config *WriterConfig) (*parquetWriter, error) {
	arrowSchema, err := toArrowSchema(config.Schema)
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(parquetCompression(config.Compression)),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(alloc))

	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, arrowProps)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create parquet writer")
	}

	return &parquetWriter{
		config:        config,
		arrowSchema:   arrowSchema,
		fileWriter:    fw,
		recordBuilder: array.NewRecordBuilder(alloc, arrowSchema),
	}, nil
}

func (pw *parquetWriter) WriteRow(values []interface{}) error {
	if len(values) != pw.arrowSchema.NumFields() {
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
			"row has %d values, schema has %d columns", len(values), pw.arrowSchema.NumFields())
	}
	for i, v := range values {
		if err := appendValue(pw.recordBuilder.Field(i), v); err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
				"failed to append value").WithDetail("column", pw.arrowSchema.Field(i).Name)
		}
	}
	pw.pending++
	if pw.pending >= pw.config.BatchRows {
		return pw.flushBatch()
	}
	return nil
}

func (pw *parquetWriter) WriteRows(rows [][]interface{}) error {
	for _, row := range rows {
		if err := pw.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (pw *parquetWriter) Flush() error {
	return pw.flushBatch()
}

// Close finalizes the parquet footer. pqarrow closes the underlying
// writer itself, so the file is closed when Close returns.
func (pw *parquetWriter) Close() error {
	if err := pw.flushBatch(); err != nil {
		return err
	}
	if err := pw.fileWriter.Close(); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to close parquet writer")
	}
	return nil
}

func (pw *parquetWriter) Format() Format {
	return Parquet
}

func (pw *parquetWriter) RowsWritten() int64 {
	return pw.rowsWritten
}

func (pw *parquetWriter) flushBatch() error {
	if pw.pending == 0 {
		return nil
	}
	record := pw.recordBuilder.NewRecord()
	defer record.Release()

	if err := pw.fileWriter.WriteBuffered(record); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to write parquet row group")
	}
	pw.rowsWritten += int64(pw.pending)
	pw.pending = 0
	return nil
}

func parquetCompression(name string) compress.Compression {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

// parquetReader implements Reader for Parquet format, streaming row groups
// through a pqarrow record reader rather than materializing the table.
type parquetReader struct {
	f            *os.File
	fileReader   *file.Reader
	recordReader pqarrow.RecordReader
	currentBatch arrow.Record
	currentRow   int
	totalRows    int64
	schema       *schema.Unified
}

func openParquetReader(path string) (*parquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to open parquet file").WithDetail("path", path)
	}

	fr, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to read parquet file").WithDetail("path", path)
	}

	alloc := memory.NewGoAllocator()
	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: 64 * 1024}, alloc)
	if err != nil {
		fr.Close()
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create arrow reader").WithDetail("path", path)
	}

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		fr.Close()
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to read parquet schema").WithDetail("path", path)
	}

	rr, err := arrowReader.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		fr.Close()
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create record reader").WithDetail("path", path)
	}

	return &parquetReader{
		f:            f,
		fileReader:   fr,
		recordReader: rr,
		totalRows:    fr.NumRows(),
		schema:       fromArrowSchema(arrowSchema),
	}, nil
}

func (pr *parquetReader) Next() ([]interface{}, error) {
	if pr.currentBatch == nil || pr.currentRow >= int(pr.currentBatch.NumRows()) {
		if err := pr.loadNextBatch(); err != nil {
			return nil, err
		}
	}

	row := make([]interface{}, pr.currentBatch.NumCols())
	for i := range row {
		row[i] = columnValue(pr.currentBatch.Column(i), pr.currentRow)
	}
	pr.currentRow++
	return row, nil
}

func (pr *parquetReader) loadNextBatch() error {
	if pr.currentBatch != nil {
		pr.currentBatch.Release()
		pr.currentBatch = nil
	}
	if !pr.recordReader.Next() {
		if err := pr.recordReader.Err(); err != nil && err != io.EOF {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"failed to read parquet batch")
		}
		return io.EOF
	}
	pr.currentBatch = pr.recordReader.Record()
	pr.currentBatch.Retain()
	pr.currentRow = 0
	return nil
}

func (pr *parquetReader) Schema() *schema.Unified {
	return pr.schema
}

func (pr *parquetReader) Rows() int64 {
	return pr.totalRows
}

func (pr *parquetReader) Close() error {
	if pr.currentBatch != nil {
		pr.currentBatch.Release()
		pr.currentBatch = nil
	}
	pr.recordReader.Release()
	if err := pr.fileReader.Close(); err != nil {
		return err
	}
	return pr.f.Close()
}
