// Package convert streams fixed-width input files into a columnar sink
// under a byte budget.
//
// A file is converted in bounded batches: the batch row count is derived
// from the active memory budget and the observed average decoded row
// footprint, recomputed between batches. At most one batch is in memory at
// a time; each batch is flushed to the sink before the next is decoded.
package convert

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/decode"
	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/metrics"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

const (
	minBatchRows = 256
	maxBatchRows = 1 << 20
	// earlyAbortMinRows is how many records must be seen before the
	// tolerance check can abort a file mid-stream.
	earlyAbortMinRows = 10000
)

// Options configures one file conversion.
type Options struct {
	// Budget is the byte budget for in-flight batch data.
	Budget uint64
	// Tolerance is the maximum rejected-row fraction before the file fails.
	Tolerance float64
	// RetryAttempts bounds retries of transient open failures.
	RetryAttempts int
	// RetryDelay is the initial backoff delay, doubled per attempt.
	RetryDelay time.Duration
	// Metrics receives per-file counters when non-nil.
	Metrics *metrics.Collector
}

// FileSummary reports the outcome of one file conversion.
type FileSummary struct {
	File          string `json:"file"`
	RowsConverted int64  `json:"rows_converted"`
	RowsRejected  int64  `json:"rows_rejected"`
	Batches       int    `json:"batches"`
}

// ConvertFile streams one input file through the decoder and alignment map
// into the sink. Rows whose width does not match the layout are rejected
// and counted; if the rejected fraction exceeds the tolerance the whole
// file fails with a conversion error and its partial output must be
// discarded by the caller.
func ConvertFile(
	ctx context.Context,
	inputPath string,
	l *layout.RecordLayout,
	unified *schema.Unified,
	align *schema.Alignment,
	sink columnar.Writer,
	opts Options,
) (*FileSummary, error) {
	log := logger.With(zap.String("file", inputPath))

	f, err := openWithRetry(ctx, inputPath, opts.RetryAttempts, opts.RetryDelay)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := decode.NewDecoder(l, unified)
	summary := &FileSummary{File: inputPath}

	// Initial footprint estimate: raw record plus per-column boxing
	// overhead once decoded.
	estimator := newFootprintEstimator(l.Width, unified.Len())
	batchRows := estimator.batchRows(opts.Budget)

	batch := make([][]interface{}, 0, batchRows)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.WriteRows(batch); err != nil {
			return err
		}
		if err := sink.Flush(); err != nil {
			return err
		}
		summary.Batches++
		if opts.Metrics != nil {
			opts.Metrics.BatchFlushed(inputPath)
		}
		batch = batch[:0]
		batchRows = estimator.batchRows(opts.Budget)
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		values, err := dec.Decode(line)
		if err != nil {
			if !pufkiterrors.IsType(err, pufkiterrors.ErrorTypeRecordWidth) {
				return nil, err
			}
			summary.RowsRejected++
			if opts.Metrics != nil {
				opts.Metrics.RowsRejected(inputPath, 1)
			}
			if exceeded, frac := toleranceExceeded(summary, opts.Tolerance, earlyAbortMinRows); exceeded {
				return nil, conversionError(inputPath, summary, frac, opts.Tolerance)
			}
			continue
		}

		aligned := make([]interface{}, unified.Len())
		for i, srcIdx := range align.SourceIndex {
			if srcIdx >= 0 {
				aligned[i] = values[srcIdx]
			}
		}
		estimator.observe(aligned)

		batch = append(batch, aligned)
		summary.RowsConverted++
		if opts.Metrics != nil {
			opts.Metrics.RowsConverted(inputPath, 1)
		}

		if len(batch) >= batchRows {
			if err := ctx.Err(); err != nil {
				return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
					"conversion cancelled").WithDetail("file", inputPath)
			}
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to read input file").WithDetail("file", inputPath)
	}

	if err := flush(); err != nil {
		return nil, err
	}

	if exceeded, frac := toleranceExceeded(summary, opts.Tolerance, 1); exceeded {
		return nil, conversionError(inputPath, summary, frac, opts.Tolerance)
	}

	if summary.RowsRejected > 0 {
		log.Warn("rows rejected within tolerance",
			zap.Int64("rejected", summary.RowsRejected),
			zap.Int64("converted", summary.RowsConverted))
	}
	log.Info("file converted",
		zap.Int64("rows", summary.RowsConverted),
		zap.Int("batches", summary.Batches))
	if opts.Metrics != nil {
		opts.Metrics.FileConverted()
	}
	return summary, nil
}

func toleranceExceeded(s *FileSummary, tolerance float64, minRows int64) (bool, float64) {
	total := s.RowsConverted + s.RowsRejected
	if total < minRows || total == 0 {
		return false, 0
	}
	frac := float64(s.RowsRejected) / float64(total)
	return frac > tolerance, frac
}

func conversionError(path string, s *FileSummary, frac, tolerance float64) error {
	return pufkiterrors.Newf(pufkiterrors.ErrorTypeConversion,
		"rejected-row fraction %.4f exceeds tolerance %.4f", frac, tolerance).
		WithDetail("file", path).
		WithDetail("rows_rejected", s.RowsRejected).
		WithDetail("rows_converted", s.RowsConverted)
}

// openWithRetry opens the input file, retrying transient failures with
// exponential backoff. Missing files are not transient and fail at once.
func openWithRetry(ctx context.Context, path string, attempts int, delay time.Duration) (*os.File, error) {
	if attempts < 1 {
		attempts = 1
	} else {
		attempts++ // first try plus retries
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeConfig,
				"input file not readable").WithDetail("file", path)
		}
		lastErr = err
		logger.Warn("transient open failure, retrying",
			zap.String("file", path), zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, pufkiterrors.Wrap(ctx.Err(), pufkiterrors.ErrorTypeIO,
				"conversion cancelled").WithDetail("file", path)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, pufkiterrors.Wrap(lastErr, pufkiterrors.ErrorTypeIO,
		"failed to open input file").WithDetail("file", path)
}

// footprintEstimator tracks the observed average decoded row footprint so
// batch sizing follows the data rather than a constant.
type footprintEstimator struct {
	rows       int64
	totalBytes int64
	initial    int64
}

func newFootprintEstimator(recordWidth, columns int) *footprintEstimator {
	return &footprintEstimator{
		initial: int64(recordWidth) + int64(columns)*24,
	}
}

func (e *footprintEstimator) observe(row []interface{}) {
	var b int64
	for _, v := range row {
		switch s := v.(type) {
		case string:
			b += int64(len(s)) + 16
		case nil:
			b += 8
		default:
			b += 24
		}
	}
	e.rows++
	e.totalBytes += b
}

func (e *footprintEstimator) avgRowBytes() int64 {
	if e.rows == 0 {
		return e.initial
	}
	return e.totalBytes / e.rows
}

// batchRows sizes the next batch. Half the budget is reserved for the
// sink's builder copy of the batch.
func (e *footprintEstimator) batchRows(budget uint64) int {
	avg := e.avgRowBytes()
	if avg <= 0 {
		avg = e.initial
	}
	rows := int(int64(budget/2) / avg)
	if rows < minBatchRows {
		rows = minBatchRows
	}
	if rows > maxBatchRows {
		rows = maxBatchRows
	}
	return rows
}
