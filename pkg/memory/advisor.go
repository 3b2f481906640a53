// Package memory recommends a byte budget for batch conversion based on
// host memory.
//
// The host is probed once per build, not continuously: the budget is
// advisory, and batch sizing in the converter is the only enforcement.
package memory

import (
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
)

const (
	// availableFraction of currently free memory is recommended.
	availableFraction = 0.6
	// MinBudgetBytes is the floor below which the recommendation never
	// drops, so conversion stays possible on loaded hosts.
	MinBudgetBytes = 256 << 20
	// lowMemoryWarnPercent triggers a warning before the build starts.
	lowMemoryWarnPercent = 85.0
)

// Info is a snapshot of host memory taken at build start.
type Info struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedPercent    float64
	// RecommendedBytes is the advised conversion budget.
	RecommendedBytes uint64
}

// Probe queries host memory and computes the recommended budget.
func Probe() (*Info, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
			"failed to query host memory")
	}

	recommended := uint64(float64(vm.Available) * availableFraction)
	if recommended < MinBudgetBytes {
		recommended = MinBudgetBytes
	}

	return &Info{
		TotalBytes:       vm.Total,
		AvailableBytes:   vm.Available,
		UsedPercent:      vm.UsedPercent,
		RecommendedBytes: recommended,
	}, nil
}

// Budget returns the byte budget for a build. A non-empty user limit caps
// the recommendation; a malformed limit fails before any file I/O.
func Budget(userLimit string) (uint64, error) {
	info, err := Probe()
	if err != nil {
		return 0, err
	}

	if info.UsedPercent > lowMemoryWarnPercent {
		logger.Warn("host memory usage is high, conversion may be slow",
			zap.Float64("used_percent", info.UsedPercent))
	}

	budget := info.RecommendedBytes
	if userLimit != "" {
		limit, err := ParseLimit(userLimit)
		if err != nil {
			return 0, err
		}
		if limit < budget {
			budget = limit
		}
	}

	logger.Info("memory budget resolved",
		zap.Uint64("available_bytes", info.AvailableBytes),
		zap.Uint64("budget_bytes", budget),
		zap.String("user_limit", userLimit))

	return budget, nil
}

var unitMultipliers = []struct {
	suffix     string
	multiplier uint64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseLimit parses a memory limit such as "4GB", "512MB", or a bare byte
// count. Zero, negative, and malformed limits are configuration errors:
// an explicitly malformed input is never silently replaced with a default.
func ParseLimit(limit string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(limit))
	if s == "" {
		return 0, pufkiterrors.New(pufkiterrors.ErrorTypeConfig, "memory limit is empty")
	}

	for _, u := range unitMultipliers {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
		if err != nil {
			return 0, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
				"invalid memory limit %q", limit)
		}
		if value <= 0 {
			return 0, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
				"memory limit must be positive: %q", limit)
		}
		return uint64(value * float64(u.multiplier)), nil
	}

	// Bare number: bytes.
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"invalid memory limit %q", limit)
	}
	if value <= 0 {
		return 0, pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"memory limit must be positive: %q", limit)
	}
	return uint64(value), nil
}
