// Package config defines the build configuration surface for pufkit.
//
// Configuration is resolved in order: defaults, then a YAML file (with
// ${ENV} substitution), then PUFKIT_* environment variables, then CLI
// flags. Validation is pre-flight: a malformed value fails the build before
// any input file is opened.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oncodata/pufkit/pkg/memory"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
)

// BuildConfig configures one dataset build.
type BuildConfig struct {
	// DataDir holds the fixed-width input files and their label document.
	DataDir string `yaml:"data_dir"`
	// OutputDir receives the columnar dataset. Empty derives a timestamped
	// subdirectory of DataDir.
	OutputDir string `yaml:"output_dir"`
	// LabelsFile is the SAS-style label document. Empty discovers a single
	// .sas file in DataDir.
	LabelsFile string `yaml:"labels_file"`
	// ColumnsFile optionally overrides label positions with a columns CSV.
	ColumnsFile string `yaml:"columns_file"`

	// MemoryLimit caps the advisor's budget, e.g. "4GB". Empty uses the
	// recommendation alone.
	MemoryLimit string `yaml:"memory_limit"`
	// OutputFormat selects the columnar format: parquet (default) or arrow.
	OutputFormat string `yaml:"output_format"`

	// RejectTolerance is the maximum fraction of width-rejected rows per
	// file before its conversion fails.
	RejectTolerance float64 `yaml:"reject_tolerance"`
	// StrictMode promotes any per-file conversion failure to a whole-build
	// failure.
	StrictMode bool `yaml:"strict_mode"`

	// ApplyTransforms enables the derived-column pass.
	ApplyTransforms bool `yaml:"apply_transforms"`
	// VerifyFiles enables the post-build verification pass.
	VerifyFiles bool `yaml:"verify_files"`
	// GenerateDictionary enables data dictionary generation.
	GenerateDictionary bool `yaml:"generate_dictionary"`

	// RetryAttempts bounds retries of transient I/O failures.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the initial backoff delay; it doubles per attempt.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// LogLevel sets the zap level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// NewBuildConfig returns a configuration with defaults applied.
func NewBuildConfig() *BuildConfig {
	return &BuildConfig{
		OutputFormat:       "parquet",
		RejectTolerance:    0.01,
		ApplyTransforms:    true,
		VerifyFiles:        true,
		GenerateDictionary: true,
		RetryAttempts:      3,
		RetryDelay:         500 * time.Millisecond,
		LogLevel:           "info",
	}
}

// Load reads a YAML configuration file over the defaults, substituting
// ${VAR} references with environment variable values.
func Load(path string) (*BuildConfig, error) {
	cfg := NewBuildConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeConfig,
			"failed to read config file").WithDetail("path", path)
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeConfig,
			"failed to parse config YAML").WithDetail("path", path)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays PUFKIT_* environment variables onto the configuration.
func (c *BuildConfig) ApplyEnv() {
	if v := os.Getenv("PUFKIT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PUFKIT_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("PUFKIT_MEMORY_LIMIT"); v != "" {
		c.MemoryLimit = v
	}
}

// Validate checks the configuration before any file I/O. Every violation is
// a config error naming the offending field.
func (c *BuildConfig) Validate() error {
	if c.DataDir == "" {
		return pufkiterrors.New(pufkiterrors.ErrorTypeConfig, "data_dir is required")
	}
	if c.RejectTolerance < 0 || c.RejectTolerance >= 1 {
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"reject_tolerance must be in [0, 1), got %g", c.RejectTolerance)
	}
	if c.MemoryLimit != "" {
		if _, err := memory.ParseLimit(c.MemoryLimit); err != nil {
			return err
		}
	}
	switch c.OutputFormat {
	case "", "parquet", "arrow":
	default:
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"output_format must be parquet or arrow, got %q", c.OutputFormat)
	}
	if c.RetryAttempts < 0 {
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"retry_attempts must be non-negative, got %d", c.RetryAttempts)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
