package polyleaf

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Page size bounds, mirroring the original source's BtMinBits/BtMaxBits-style
// sanity clamp on the buffer manager's page size.
const (
	MinPageSize = 512
	MaxPageSize = 65536

	// DefaultPageSize is the page size used when Config.PageSize is zero.
	DefaultPageSize = 4096

	// pageHeaderBudget approximates the per-page header overhead (tag/dirty
	// byte, counts, offsets, fences, hints) subtracted out of the page when
	// deriving MaxKVSize.
	pageHeaderBudget = 256
)

// Features toggles the format and heuristic switches that were compile-time
// constants in the original C++ (config.hpp); here they are startup config.
type Features struct {
	Dense         bool // enable Dense-1 conversion
	Dense2        bool // recorded only: densification always targets Dense-1
	Hash          bool // enable hash leaves at all
	HashAdapt     bool // enable automatic hash<->basic conversion by counter
	DensifySplit  bool // allow a basic-leaf split to emit dense children directly
	Prefix        bool // recorded only: basic nodes always truncate the common prefix
	BasicHead     bool // recorded only: basic nodes always keep a 4-byte head per slot
	HintCount     int  // number of evenly spaced hints cached per basic node
}

// DefaultFeatures matches config.hpp's "dev_config_name" defaults.
func DefaultFeatures() Features {
	return Features{
		Dense:        true,
		Dense2:       false,
		Hash:         true,
		HashAdapt:    true,
		DensifySplit: true,
		Prefix:       true,
		BasicHead:    true,
		HintCount:    16,
	}
}

// AdaptationThresholds exposes the range/point-operation probabilities that
// the original source hard-coded as RangeOpCounter::RANGE_THRESHOLD /
// POINT_THRESHOLD. spec.md's Design Notes (c) calls out that these
// constants lack empirical justification and should stay configurable.
type AdaptationThresholds struct {
	RangeOpProbability float64 // p_r, default 0.15
	PointOpProbability float64 // p_p, default 0.05
	MaxCount           uint8   // saturation point, default 3
}

func DefaultAdaptationThresholds() AdaptationThresholds {
	return AdaptationThresholds{
		RangeOpProbability: 0.15,
		PointOpProbability: 0.05,
		MaxCount:           3,
	}
}

// Config is the startup-only environment described in spec.md section 6.
type Config struct {
	// PageSize is the fixed page size in bytes, applied to every page in the
	// store (inner and leaf alike).
	PageSize uint32

	// VirtualPageBudget bounds the number of pageSize-aligned frames the
	// virtual address range can address.
	VirtualPageBudget uint64

	// PhysicalPageBudget bounds how many of those frames may be resident in
	// memory at once before eviction kicks in.
	PhysicalPageBudget uint64

	// BackingFilePath is where the buffer manager's direct-I/O backed pages
	// live. Empty means "use an in-memory backing store" (tests only).
	BackingFilePath string

	// WorkerCount is the fixed number of worker threads (goroutines) that
	// drive the tree; it sizes the per-worker writeback channel fan-out.
	WorkerCount int

	Features   Features
	Adaptation AdaptationThresholds

	// RunID is a per-process identifier attached to log lines and metrics
	// labels, useful for correlating a benchmark run across dashboards.
	RunID string

	// MaintenanceSchedule is a cron(5) expression driving the periodic
	// background eviction sweep; empty disables the scheduler and leaves
	// eviction purely on-demand.
	MaintenanceSchedule string
}

// MaxKVSize is the page-size-dependent bound on combined key+payload length,
// matching BTreeNode::maxKVSize / config.hpp's maxKvSize (~pageSize/4).
func (c Config) MaxKVSize() uint32 {
	return (c.PageSize - pageHeaderBudget) / 4
}

// DefaultConfig returns sane defaults for an embedded, single-process index.
func DefaultConfig() Config {
	return Config{
		PageSize:            DefaultPageSize,
		VirtualPageBudget:   1 << 20, // 1M frames addressable
		PhysicalPageBudget:  1 << 16, // 64K frames resident
		BackingFilePath:     "",
		WorkerCount:         4,
		Features:            DefaultFeatures(),
		Adaptation:          DefaultAdaptationThresholds(),
		RunID:               uuid.NewString(),
		MaintenanceSchedule: "",
	}
}

// LoadConfig layers defaults, an optional YAML file, then environment
// variable overrides, matching spec.md section 6's "all read at startup".
// A malformed file or out-of-range value is a BadConfig fatal error.
func LoadConfig(yamlPath string) (Config, error) {
	cfg := DefaultConfig()

	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, newBadConfigError("reading config file %q", yamlPath).wrap(err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, newBadConfigError("parsing config file %q", yamlPath).wrap(err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("POLYLEAF_PAGE_SIZE"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.PageSize = uint32(n)
		}
	}
	if v, ok := os.LookupEnv("POLYLEAF_BACKING_FILE"); ok {
		cfg.BackingFilePath = v
	}
	if v, ok := os.LookupEnv("POLYLEAF_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCount = n
		}
	}
	if v, ok := os.LookupEnv("POLYLEAF_PHYS_BUDGET"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.PhysicalPageBudget = n
		}
	}
	if v, ok := os.LookupEnv("POLYLEAF_MAINTENANCE_SCHEDULE"); ok {
		cfg.MaintenanceSchedule = v
	}
}

func (c Config) validate() error {
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize {
		return newBadConfigError("page size %d out of range [%d,%d]", c.PageSize, MinPageSize, MaxPageSize)
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return newBadConfigError("page size %d is not a power of two", c.PageSize)
	}
	if c.WorkerCount <= 0 {
		return newBadConfigError("worker count %d must be positive", c.WorkerCount)
	}
	if c.PhysicalPageBudget == 0 || c.PhysicalPageBudget > c.VirtualPageBudget {
		return newBadConfigError("physical page budget %d invalid against virtual budget %d",
			c.PhysicalPageBudget, c.VirtualPageBudget)
	}
	if c.Features.HintCount <= 0 {
		return newBadConfigError("hint count must be positive, got %d", c.Features.HintCount)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config{run=%s page=%d virt=%d phys=%d workers=%d backing=%q}",
		c.RunID, c.PageSize, c.VirtualPageBudget, c.PhysicalPageBudget, c.WorkerCount, c.BackingFilePath)
}
