package slipstream

import (
	"os"
	"strconv"
	"time"

	"github.com/dtzWill/ipcopter/internal/accounting"
	"github.com/dtzWill/ipcopter/internal/daemonclient"
	"github.com/dtzWill/ipcopter/internal/engine"
	"github.com/dtzWill/ipcopter/internal/table"
)

// Config collects the process-wide tunables named in spec §6, following the
// teacher's MountConfig pattern: a plain struct of knobs passed to the
// constructor rather than package-level globals, so a test can build
// several independently-configured Layers in one process.
type Config struct {
	// Threshold is THRESHOLD: the per-direction byte count that triggers a
	// pairing attempt.
	Threshold uint64

	// TableSize is TABLE_SIZE: the fixed fd/endpoint table capacity.
	TableSize int

	// MaxSyncAttempts and RetrySleep bound the pairing retry schedule
	// (spec §4.4): three immediate retries (ImmediateRetries), then
	// yield-and-sleep up to MaxSyncAttempts total.
	MaxSyncAttempts  int
	ImmediateRetries int
	RetrySleep       time.Duration

	// Disabled mirrors IPCD_DISABLE: when true every intercepted call is a
	// pure pass-through and no table/daemon state is touched beyond init.
	Disabled bool

	DaemonSocketPath string
	DaemonBinaryPath string
}

// Environment variable names read by FromEnv, mirroring the original's
// IPCD_* constants (ipcd.h).
const (
	envDisable         = "IPCD_DISABLE"
	envThreshold       = "IPCD_THRESHOLD"
	envMaxSyncAttempts = "IPCD_MAX_SYNC_ATTEMPTS"
	envTableSize       = "IPCD_TABLE_SIZE"
	envSocketPath      = "IPCD_SOCK_PATH"
	envBinaryPath      = "IPCD_BIN_PATH"
)

// DefaultConfig returns spec §6's default tunables.
func DefaultConfig() Config {
	eng := engine.DefaultConfig()
	dmn := daemonclient.DefaultConfig()
	return Config{
		Threshold:        accounting.DefaultThreshold,
		TableSize:        4096,
		MaxSyncAttempts:  eng.MaxSyncAttempts,
		ImmediateRetries: eng.ImmediateRetries,
		RetrySleep:       eng.RetrySleep,
		DaemonSocketPath: dmn.SocketPath,
		DaemonBinaryPath: dmn.BinaryPath,
	}
}

// ConfigFromEnv starts from DefaultConfig and overrides any field named by
// its corresponding IPCD_* environment variable, following the teacher's
// single-flag-parse-at-startup discipline (debug.go's flag.Bool +
// sync.Once) translated to env vars since this is a library linked into an
// arbitrary host process, not a main binary with its own flag set.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv(envDisable) != "" {
		cfg.Disabled = true
	}
	if v, ok := envUint(envThreshold); ok {
		cfg.Threshold = v
	}
	if v, ok := envInt(envMaxSyncAttempts); ok {
		cfg.MaxSyncAttempts = v
	}
	if v, ok := envInt(envTableSize); ok {
		cfg.TableSize = v
	}
	if v, ok := os.LookupEnv(envSocketPath); ok && v != "" {
		cfg.DaemonSocketPath = v
	}
	if v, ok := os.LookupEnv(envBinaryPath); ok && v != "" {
		cfg.DaemonBinaryPath = v
	}

	return cfg
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint(name string) (uint64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) newTable() *table.Table {
	size := c.TableSize
	if size <= 0 {
		size = 4096
	}
	return table.New(size)
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		MaxSyncAttempts:  c.MaxSyncAttempts,
		ImmediateRetries: c.ImmediateRetries,
		RetrySleep:       c.RetrySleep,
	}
}

func (c Config) daemonConfig() daemonclient.Config {
	cfg := daemonclient.DefaultConfig()
	if c.DaemonSocketPath != "" {
		cfg.SocketPath = c.DaemonSocketPath
	}
	if c.DaemonBinaryPath != "" {
		cfg.BinaryPath = c.DaemonBinaryPath
	}
	return cfg
}
