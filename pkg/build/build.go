// Package build orchestrates a complete dataset build: layout parsing,
// schema reconciliation, per-file conversion, the derived-column pass,
// verification, and the build summary.
//
// Output files are written through temporary siblings and renamed only
// after a file converts cleanly, and the summary document is written last,
// so a directory containing a summary is always a complete dataset.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/config"
	"github.com/oncodata/pufkit/pkg/convert"
	"github.com/oncodata/pufkit/pkg/dictionary"
	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/memory"
	"github.com/oncodata/pufkit/pkg/metrics"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
	"github.com/oncodata/pufkit/pkg/transform"
)

// SummaryFile is the build summary written to the output directory once
// every other artifact is in place.
const SummaryFile = "build_summary.json"

// DictionaryFile is the data dictionary document.
const DictionaryFile = "data_dictionary.json"

// FileFailure records one input file whose conversion failed in
// non-strict mode.
type FileFailure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Summary is the machine-readable record of one build.
type Summary struct {
	StartedAt    time.Time              `json:"started_at"`
	Duration     string                 `json:"duration"`
	OutputFormat string                 `json:"output_format"`
	BudgetBytes  uint64                 `json:"budget_bytes"`
	Columns      []schema.Column        `json:"columns"`
	Files        []*convert.FileSummary `json:"files"`
	Failures     []FileFailure          `json:"failures,omitempty"`
	RowsTotal    int64                  `json:"rows_total"`
}

// Result reports a completed build.
type Result struct {
	OutputDir string
	Schema    *schema.Unified
	Summary   *Summary
}

// Builder runs dataset builds for one configuration.
type Builder struct {
	cfg     *config.BuildConfig
	metrics *metrics.Collector
}

// New creates a builder. The collector may be nil to disable metrics.
func New(cfg *config.BuildConfig, collector *metrics.Collector) *Builder {
	return &Builder{cfg: cfg, metrics: collector}
}

// Run executes the full build.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	format, err := columnar.ParseFormat(b.cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	budget, err := memory.Budget(b.cfg.MemoryLimit)
	if err != nil {
		return nil, err
	}

	inputs, err := discoverInputs(b.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	layouts, layoutFor, err := b.resolveLayouts(inputs)
	if err != nil {
		return nil, err
	}
	for _, l := range layouts {
		if l.Width != schema.DefaultRecordLength {
			logger.Warn("record width differs from the standard PUF width",
				zap.String("layout", l.Name),
				zap.Int("width", l.Width), zap.Int("standard", schema.DefaultRecordLength))
		}
	}
	unified, alignments, err := schema.Reconcile(layouts)
	if err != nil {
		return nil, err
	}

	outputDir, err := b.resolveOutputDir(start)
	if err != nil {
		return nil, err
	}

	logger.Info("build starting",
		zap.Int("files", len(inputs)),
		zap.Int("columns", unified.Len()),
		zap.Uint64("budget_bytes", budget),
		zap.String("output_dir", outputDir))

	summary := &Summary{
		StartedAt:    start,
		OutputFormat: string(format),
		BudgetBytes:  budget,
	}

	opts := convert.Options{
		Budget:        budget,
		Tolerance:     b.cfg.RejectTolerance,
		RetryAttempts: b.cfg.RetryAttempts,
		RetryDelay:    b.cfg.RetryDelay,
		Metrics:       b.metrics,
	}
	for _, input := range inputs {
		l := layoutFor[input]
		fs, err := b.convertOne(ctx, input, outputDir, format, l, unified, alignments[l.Name], opts)
		if err != nil {
			if b.cfg.StrictMode {
				return nil, err
			}
			logger.Error("file conversion failed, continuing",
				zap.String("file", input), zap.Error(err))
			summary.Failures = append(summary.Failures, FileFailure{
				File:  input,
				Error: err.Error(),
			})
			continue
		}
		summary.Files = append(summary.Files, fs)
		summary.RowsTotal += fs.RowsConverted
	}
	if len(summary.Files) == 0 {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeConversion,
			"no input file converted successfully").WithDetail("data_dir", b.cfg.DataDir)
	}

	finalSchema := unified
	if b.cfg.ApplyTransforms {
		engine := transform.NewEngine(transform.DefaultRules()...)
		finalSchema, err = engine.TransformDataset(ctx, outputDir, unified, format)
		if err != nil {
			return nil, err
		}
	}

	if b.cfg.VerifyFiles {
		if err := verifyDataset(outputDir, finalSchema, format, summary); err != nil {
			return nil, err
		}
	}

	if b.cfg.GenerateDictionary {
		dictPath := filepath.Join(outputDir, DictionaryFile)
		if err := dictionary.Generate(ctx, outputDir, finalSchema, format, dictPath); err != nil {
			return nil, err
		}
	}

	summary.Columns = finalSchema.Columns
	summary.Duration = time.Since(start).String()
	if err := writeSummary(outputDir, summary); err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.ObserveBuild(time.Since(start))
	}
	logger.Info("build complete",
		zap.Int64("rows", summary.RowsTotal),
		zap.Int("files", len(summary.Files)),
		zap.Int("failures", len(summary.Failures)),
		zap.String("duration", summary.Duration))

	return &Result{OutputDir: outputDir, Schema: finalSchema, Summary: summary}, nil
}

// convertOne converts a single input file into the output directory through
// a temporary sibling. A failed conversion leaves no partial output behind.
func (b *Builder) convertOne(
	ctx context.Context,
	input, outputDir string,
	format columnar.Format,
	l *layout.RecordLayout,
	unified *schema.Unified,
	align *schema.Alignment,
	opts convert.Options,
) (*convert.FileSummary, error) {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	outPath := filepath.Join(outputDir, base+format.Extension())
	tmpPath := outPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create output file").WithDetail("file", tmpPath)
	}
	defer os.Remove(tmpPath)

	sink, err := columnar.NewWriter(out, &columnar.WriterConfig{
		Format: format,
		Schema: unified,
	})
	if err != nil {
		out.Close()
		return nil, err
	}

	fs, err := convert.ConvertFile(ctx, input, l, unified, align, sink, opts)
	if err != nil {
		out.Close()
		return nil, err
	}
	// The columnar sink owns the output file; Close finalizes and
	// closes it.
	if err := sink.Close(); err != nil {
		out.Close()
		return nil, err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to publish output file").WithDetail("file", outPath)
	}
	fs.File = outPath
	return fs, nil
}

// resolveLayouts maps every input file to its record layout so one build
// can span format versions. A columns CSV overrides everything. Otherwise
// an input with a sibling label document (same base name, .sas extension)
// uses it; the rest share the configured or discovered label document.
// Returns the distinct layouts and the per-input assignment.
func (b *Builder) resolveLayouts(inputs []string) ([]*layout.RecordLayout, map[string]*layout.RecordLayout, error) {
	layoutFor := make(map[string]*layout.RecordLayout, len(inputs))

	if b.cfg.ColumnsFile != "" {
		l, err := layout.ParseColumnsCSV(b.cfg.ColumnsFile)
		if err != nil {
			return nil, nil, err
		}
		for _, input := range inputs {
			layoutFor[input] = l
		}
		return []*layout.RecordLayout{l}, layoutFor, nil
	}

	var (
		layouts []*layout.RecordLayout
		shared  *layout.RecordLayout
	)
	for _, input := range inputs {
		sibling := strings.TrimSuffix(input, filepath.Ext(input)) + ".sas"
		if _, err := os.Stat(sibling); err == nil {
			l, err := layout.ParseSASLabels(sibling)
			if err != nil {
				return nil, nil, err
			}
			layouts = append(layouts, l)
			layoutFor[input] = l
			continue
		}
		if shared == nil {
			l, err := b.sharedLayout(siblingsForInputs(inputs))
			if err != nil {
				return nil, nil, err
			}
			shared = l
			layouts = append(layouts, l)
		}
		layoutFor[input] = shared
	}
	return layouts, layoutFor, nil
}

// siblingsForInputs lists the per-input label paths so the shared label
// discovery can skip them.
func siblingsForInputs(inputs []string) map[string]struct{} {
	siblings := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		siblings[strings.TrimSuffix(input, filepath.Ext(input))+".sas"] = struct{}{}
	}
	return siblings
}

// sharedLayout resolves the label document for inputs without a sibling:
// the configured labels_file, or the single non-sibling .sas in the data
// directory.
func (b *Builder) sharedLayout(siblings map[string]struct{}) (*layout.RecordLayout, error) {
	labels := b.cfg.LabelsFile
	if labels == "" {
		matches, err := filepath.Glob(filepath.Join(b.cfg.DataDir, "*.sas"))
		if err != nil {
			return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"failed to scan for label files").WithDetail("dir", b.cfg.DataDir)
		}
		candidates := matches[:0]
		for _, m := range matches {
			if _, taken := siblings[m]; !taken {
				candidates = append(candidates, m)
			}
		}
		switch len(candidates) {
		case 1:
			labels = candidates[0]
		case 0:
			return nil, pufkiterrors.New(pufkiterrors.ErrorTypeConfig,
				"no label file found; set labels_file").WithDetail("dir", b.cfg.DataDir)
		default:
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
				"%d label files found; set labels_file to pick one", len(candidates)).
				WithDetail("dir", b.cfg.DataDir)
		}
	}
	return layout.ParseSASLabels(labels)
}

func (b *Builder) resolveOutputDir(start time.Time) (string, error) {
	dir := b.cfg.OutputDir
	if dir == "" {
		dir = filepath.Join(b.cfg.DataDir,
			fmt.Sprintf("pufkit_data_%s", start.Format("20060102_150405")))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create output directory").WithDetail("dir", dir)
	}
	return dir, nil
}

// discoverInputs lists the fixed-width input files in deterministic order.
func discoverInputs(dataDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dataDir, "*.dat"))
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to scan data directory").WithDetail("dir", dataDir)
	}
	if len(matches) == 0 {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeConfig,
			"no .dat input files found").WithDetail("dir", dataDir)
	}
	sort.Strings(matches)
	return matches, nil
}

// verifyDataset re-opens every converted file and checks its row count and
// column count against what the build recorded.
func verifyDataset(outputDir string, s *schema.Unified, format columnar.Format, summary *Summary) error {
	for _, fs := range summary.Files {
		r, err := columnar.OpenReader(fs.File)
		if err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"verification failed to open file").WithDetail("file", fs.File)
		}
		rows, cols := r.Rows(), r.Schema().Len()
		r.Close()

		if rows != fs.RowsConverted {
			return pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
				"verification row count mismatch: wrote %d, read %d", fs.RowsConverted, rows).
				WithDetail("file", fs.File)
		}
		if cols != s.Len() {
			return pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
				"verification column count mismatch: schema has %d, file has %d", s.Len(), cols).
				WithDetail("file", fs.File)
		}
	}
	logger.Info("dataset verified",
		zap.String("dir", outputDir), zap.Int("files", len(summary.Files)))
	return nil
}

// writeSummary publishes the build summary through a temporary sibling. The
// summary is the completion marker for the whole directory.
func writeSummary(outputDir string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
			"failed to encode build summary")
	}

	path := filepath.Join(outputDir, SummaryFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to write build summary").WithDetail("file", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to publish build summary").WithDetail("file", path)
	}
	return nil
}
