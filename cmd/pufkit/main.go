package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oncodata/pufkit/pkg/build"
	"github.com/oncodata/pufkit/pkg/config"
	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/memory"
	"github.com/oncodata/pufkit/pkg/metrics"
	"github.com/oncodata/pufkit/pkg/query"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "pufkit",
		Short: "pufkit - registry PUF to columnar dataset converter",
		Long: `pufkit converts fixed-width registry participant-use files into a
memory-bounded columnar dataset (Parquet or Arrow), with schema
reconciliation, derived clinical columns, and a data dictionary.`,
	}

	root.AddCommand(versionCmd())
	root.AddCommand(buildCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(dictCmd())
	root.AddCommand(layoutCmd())
	root.AddCommand(memCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pufkit v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func buildCmd() *cobra.Command {
	var configFile string
	cfg := config.NewBuildConfig()
	var noTransforms, noVerify, noDictionary bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Convert fixed-width input files into a columnar dataset",
		Long: `Build a columnar dataset from the .dat files and label document in a
data directory.

Example:
  pufkit build --data-dir ./registry_data --memory-limit 4GB`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				// File settings apply where flags were not given.
				applyUnsetFlags(cmd, cfg, loaded)
			}
			cfg.ApplyEnv()
			if noTransforms {
				cfg.ApplyTransforms = false
			}
			if noVerify {
				cfg.VerifyFiles = false
			}
			if noDictionary {
				cfg.GenerateDictionary = false
			}

			if err := initLogger(cfg.LogLevel); err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			builder := build.New(cfg, metrics.NewCollector(nil))
			result, err := builder.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Dataset written to %s\n", result.OutputDir)
			fmt.Printf("  rows:     %d\n", result.Summary.RowsTotal)
			fmt.Printf("  files:    %d\n", len(result.Summary.Files))
			fmt.Printf("  columns:  %d\n", result.Schema.Len())
			if n := len(result.Summary.Failures); n > 0 {
				fmt.Printf("  failures: %d (see %s)\n", n, build.SummaryFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "", "directory of .dat input files")
	cmd.Flags().StringVar(&cfg.OutputDir, "output-dir", "", "dataset output directory")
	cmd.Flags().StringVar(&cfg.LabelsFile, "labels", "", "SAS label document")
	cmd.Flags().StringVar(&cfg.ColumnsFile, "columns", "", "columns CSV override")
	cmd.Flags().StringVar(&cfg.MemoryLimit, "memory-limit", "", "memory budget cap, e.g. 4GB")
	cmd.Flags().StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "columnar format: parquet or arrow")
	cmd.Flags().Float64Var(&cfg.RejectTolerance, "tolerance", cfg.RejectTolerance, "max rejected-row fraction per file")
	cmd.Flags().BoolVar(&cfg.StrictMode, "strict", cfg.StrictMode, "fail the build on any file failure")
	cmd.Flags().BoolVar(&noTransforms, "no-transforms", false, "skip the derived-column pass")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip post-build verification")
	cmd.Flags().BoolVar(&noDictionary, "no-dictionary", false, "skip data dictionary generation")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	return cmd
}

// applyUnsetFlags copies file-loaded settings over defaults for every flag
// the user did not set explicitly. Flags beat file, file beats defaults.
func applyUnsetFlags(cmd *cobra.Command, cfg, loaded *config.BuildConfig) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("data-dir") {
		cfg.DataDir = loaded.DataDir
	}
	if !set("output-dir") {
		cfg.OutputDir = loaded.OutputDir
	}
	if !set("labels") {
		cfg.LabelsFile = loaded.LabelsFile
	}
	if !set("columns") {
		cfg.ColumnsFile = loaded.ColumnsFile
	}
	if !set("memory-limit") {
		cfg.MemoryLimit = loaded.MemoryLimit
	}
	if !set("format") {
		cfg.OutputFormat = loaded.OutputFormat
	}
	if !set("tolerance") {
		cfg.RejectTolerance = loaded.RejectTolerance
	}
	if !set("strict") {
		cfg.StrictMode = loaded.StrictMode
	}
	if !set("log-level") {
		cfg.LogLevel = loaded.LogLevel
	}
	cfg.ApplyTransforms = loaded.ApplyTransforms
	cfg.VerifyFiles = loaded.VerifyFiles
	cfg.GenerateDictionary = loaded.GenerateDictionary
	cfg.RetryAttempts = loaded.RetryAttempts
	cfg.RetryDelay = loaded.RetryDelay
}

func inspectCmd() *cobra.Command {
	var (
		site, histology string
		year            int
		limit           int64
		columns         []string
		countOnly       bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <dataset-dir>",
		Short: "Query a converted dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger("warn"); err != nil {
				return err
			}
			defer logger.Sync()

			ds, err := query.Open(args[0])
			if err != nil {
				return err
			}

			q := ds.Query()
			if site != "" {
				q = q.ForSite(site)
			}
			if histology != "" {
				q = q.ForHistology(histology)
			}
			if year > 0 {
				q = q.ForYear(year)
			}
			if len(columns) > 0 {
				q = q.Select(columns...)
			}
			if limit > 0 {
				q = q.Limit(limit)
			}

			ctx := context.Background()
			if countOnly {
				n, err := q.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			}

			rows, err := q.Collect(ctx)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(q.Columns(), "\t"))
			for _, row := range rows {
				cells := make([]string, len(row))
				for i, v := range row {
					if v == nil {
						cells[i] = ""
						continue
					}
					cells[i] = fmt.Sprintf("%v", v)
				}
				fmt.Println(strings.Join(cells, "\t"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "primary site code prefix filter")
	cmd.Flags().StringVar(&histology, "histology", "", "histology code prefix filter")
	cmd.Flags().IntVar(&year, "year", 0, "diagnosis year filter")
	cmd.Flags().Int64VarP(&limit, "limit", "n", 20, "maximum rows to print")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to print")
	cmd.Flags().BoolVar(&countOnly, "count", false, "print the match count only")

	return cmd
}

func dictCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "dict <dataset-dir>",
		Short: "Regenerate the data dictionary for a converted dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger("warn"); err != nil {
				return err
			}
			defer logger.Sync()

			ds, err := query.Open(args[0])
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = filepath.Join(args[0], build.DictionaryFile)
			}
			if err := ds.GenerateDictionary(context.Background(), outPath); err != nil {
				return err
			}
			fmt.Printf("Data dictionary written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output path for the JSON document")
	return cmd
}

func layoutCmd() *cobra.Command {
	var columnsFile string

	cmd := &cobra.Command{
		Use:   "layout <labels-file>",
		Short: "Parse a label document and print the record layout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				l   *layout.RecordLayout
				err error
			)
			switch {
			case columnsFile != "":
				l, err = layout.ParseColumnsCSV(columnsFile)
			case len(args) == 1:
				l, err = layout.ParseSASLabels(args[0])
			default:
				return fmt.Errorf("a labels file argument or --columns is required")
			}
			if err != nil {
				return err
			}

			fmt.Printf("record width: %d\n", l.Width)
			fmt.Printf("fields: %d\n\n", len(l.Fields))
			for _, f := range l.Fields {
				fmt.Printf("%-32s %5d-%-5d %-8s %s\n",
					f.Name, f.Start+1, f.End(), f.DeclaredType, f.Label)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&columnsFile, "columns", "", "parse a columns CSV instead")
	return cmd
}

func memCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mem",
		Short: "Show the memory budget a build would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := memory.Probe()
			if err != nil {
				return err
			}
			fmt.Printf("total:       %d MB\n", info.TotalBytes>>20)
			fmt.Printf("available:   %d MB\n", info.AvailableBytes>>20)
			fmt.Printf("used:        %.1f%%\n", info.UsedPercent)
			fmt.Printf("recommended: %d MB\n", info.RecommendedBytes>>20)
			return nil
		},
	}
}

func initLogger(level string) error {
	return logger.Init(logger.Config{
		Level:       level,
		Encoding:    "console",
		OutputPaths: []string{"stderr"},
	})
}
