package columnar

import (
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// arrowWriter implements Writer for the Arrow IPC file format.
type arrowWriter struct {
	config        *WriterConfig
	w             io.Writer
	arrowSchema   *arrow.Schema
	fileWriter    *ipc.FileWriter
	recordBuilder *array.RecordBuilder
	pending       int
	rowsWritten   int64
}

func newArrowWriter(w io.Writer, config *WriterConfig) (*arrowWriter, error) {
	arrowSchema, err := toArrowSchema(config.Schema)
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(arrowSchema), ipc.WithAllocator(alloc))
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create arrow writer")
	}

	return &arrowWriter{
		config:        config,
		w:             w,
		arrowSchema:   arrowSchema,
		fileWriter:    fw,
		recordBuilder: array.NewRecordBuilder(alloc, arrowSchema),
	}, nil
}

func (aw *arrowWriter) WriteRow(values []interface{}) error {
	if len(values) != aw.arrowSchema.NumFields() {
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
			"row has %d values, schema has %d columns", len(values), aw.arrowSchema.NumFields())
	}
	for i, v := range values {
		if err := appendValue(aw.recordBuilder.Field(i), v); err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
				"failed to append value").WithDetail("column", aw.arrowSchema.Field(i).Name)
		}
	}
	aw.pending++
	if aw.pending >= aw.config.BatchRows {
		return aw.flushBatch()
	}
	return nil
}

func (aw *arrowWriter) WriteRows(rows [][]interface{}) error {
	for _, row := range rows {
		if err := aw.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (aw *arrowWriter) Flush() error {
	return aw.flushBatch()
}

// Close finalizes the IPC footer and closes the underlying writer when it
// is closeable, matching the parquet writer's ownership of its file.
func (aw *arrowWriter) Close() error {
	if err := aw.flushBatch(); err != nil {
		return err
	}
	if err := aw.fileWriter.Close(); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to close arrow writer")
	}
	if c, ok := aw.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"failed to close arrow output")
		}
	}
	return nil
}

func (aw *arrowWriter) Format() Format {
	return Arrow
}

func (aw *arrowWriter) RowsWritten() int64 {
	return aw.rowsWritten
}

func (aw *arrowWriter) flushBatch() error {
	if aw.pending == 0 {
		return nil
	}
	record := aw.recordBuilder.NewRecord()
	defer record.Release()

	if err := aw.fileWriter.Write(record); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to write arrow batch")
	}
	aw.rowsWritten += int64(aw.pending)
	aw.pending = 0
	return nil
}

// arrowReader implements Reader for the Arrow IPC file format.
type arrowReader struct {
	f            *os.File
	fileReader   *ipc.FileReader
	currentBatch arrow.Record
	currentRow   int
	batchIndex   int
	totalRows    int64
	schema       *schema.Unified
}

func openArrowReader(path string) (*arrowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to open arrow file").WithDetail("path", path)
	}

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to read arrow file").WithDetail("path", path)
	}

	var total int64
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.RecordAt(i)
		if err != nil {
			fr.Close()
			f.Close()
			return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"failed to read arrow batch").WithDetail("path", path)
		}
		total += rec.NumRows()
		rec.Release()
	}

	return &arrowReader{
		f:          f,
		fileReader: fr,
		totalRows:  total,
		schema:     fromArrowSchema(fr.Schema()),
	}, nil
}

func (ar *arrowReader) Next() ([]interface{}, error) {
	if ar.currentBatch == nil || ar.currentRow >= int(ar.currentBatch.NumRows()) {
		if err := ar.loadNextBatch(); err != nil {
			return nil, err
		}
	}

	row := make([]interface{}, ar.currentBatch.NumCols())
	for i := range row {
		row[i] = columnValue(ar.currentBatch.Column(i), ar.currentRow)
	}
	ar.currentRow++
	return row, nil
}

func (ar *arrowReader) loadNextBatch() error {
	if ar.currentBatch != nil {
		ar.currentBatch.Release()
		ar.currentBatch = nil
	}
	if ar.batchIndex >= ar.fileReader.NumRecords() {
		return io.EOF
	}
	rec, err := ar.fileReader.RecordAt(ar.batchIndex)
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to read arrow batch")
	}
	ar.currentBatch = rec
	ar.currentRow = 0
	ar.batchIndex++
	return nil
}

func (ar *arrowReader) Schema() *schema.Unified {
	return ar.schema
}

func (ar *arrowReader) Rows() int64 {
	return ar.totalRows
}

func (ar *arrowReader) Close() error {
	if ar.currentBatch != nil {
		ar.currentBatch.Release()
		ar.currentBatch = nil
	}
	if err := ar.fileReader.Close(); err != nil {
		return err
	}
	return ar.f.Close()
}
