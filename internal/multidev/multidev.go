// Package multidev runs a fleet of device instances out of one process,
// the Go counterpart of lib/simbricks/nicbm/multinic.h's MultiNicRunner:
// the original multiplexes boost::fibers cooperatively inside a single
// thread; a goroutine per instance gives the same one-thread-feel
// (each device's runtime.Runner still owns its BaseIf exclusively, per
// spec.md §5) without requiring a fiber library dependency.
package multidev

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/opencosim/nicbm/internal/nlog"
	"github.com/opencosim/nicbm/internal/runtime"
)

var log = nlog.For("multidev")

// Config is one device instance's worth of configuration, built either
// from a `--`-split argv slice or a [device] section of a config file.
type Config struct {
	PCIeSocket string
	EthSocket  string
	DeviceKind string
	MACAddr    string

	// SyncMode, latencies and sync period mirror spec.md §6's optional
	// CLI args; zero values mean "use the transport's own defaults".
	SyncMode     string
	SyncPeriodNs uint64
	PCILatencyNs uint64
	EthLatencyNs uint64
}

// SplitArgv splits argv (excluding argv[0]) into one slice per device on
// a literal "--" separator, matching MultiNicRunner::RunMain's own
// strcmp(argv[end], "--") scan. A single device with no "--" at all is
// the common case and yields a slice of one.
func SplitArgv(argv []string) [][]string {
	var groups [][]string

	start := 0
	for i := 0; i <= len(argv); i++ {
		if i == len(argv) || argv[i] == "--" {
			groups = append(groups, argv[start:i])
			start = i + 1
		}
	}

	return groups
}

// ParseConfigFile reads a small INI-style file, one [device] section per
// instance, each holding the same fields the CLI accepts
// (pcie-socket/eth-socket/device/mac/sync-mode/sync-period-ns/
// pci-latency-ns/eth-latency-ns). This has no original_source
// counterpart: it is new functionality layered on top of the `--`-split
// argv form for process supervisors that prefer a static file over long
// argv lines (spec.md has nothing to say here since CLI parsing is
// out of its scope as a collaborator).
func ParseConfigFile(path string) ([]Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("multidev: open config file: %w", err)
	}
	defer f.Close()

	var (
		configs []Config
		cur     *Config
	)

	scanner := bufio.NewScanner(f)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("multidev: %s:%d: malformed section header", path, lineNo)
			}

			if cur != nil {
				configs = append(configs, *cur)
			}

			cur = &Config{}

			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("multidev: %s:%d: key=value outside any [section]", path, lineNo)
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("multidev: %s:%d: expected key=value", path, lineNo)
		}

		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "pcie-socket":
			cur.PCIeSocket = val
		case "eth-socket":
			cur.EthSocket = val
		case "device":
			cur.DeviceKind = val
		case "mac":
			cur.MACAddr = val
		case "sync-mode":
			cur.SyncMode = val
		case "sync-period-ns":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("multidev: %s:%d: sync-period-ns: %w", path, lineNo, err)
			}

			cur.SyncPeriodNs = n
		case "pci-latency-ns":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("multidev: %s:%d: pci-latency-ns: %w", path, lineNo, err)
			}

			cur.PCILatencyNs = n
		case "eth-latency-ns":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("multidev: %s:%d: eth-latency-ns: %w", path, lineNo, err)
			}

			cur.EthLatencyNs = n
		default:
			return nil, fmt.Errorf("multidev: %s:%d: unknown key %q", path, lineNo, key)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("multidev: read config file: %w", err)
	}

	if cur != nil {
		configs = append(configs, *cur)
	}

	return configs, nil
}

// Build constructs a fully wired Runner for one Config. Supplied by the
// caller (cmd/nicbm) since it alone knows how to turn a device kind name
// into a concrete internal/runtime.Device.
type Build func(ctx context.Context, cfg Config) (*runtime.Runner, error)

// Run builds and drives one Runner per Config concurrently, returning the
// first error any of them produces (after ctx is canceled for the rest).
// Mirrors MultiNicRunner::RunMain's "start a runner per `--`-delimited
// argv group, then join them all" shape, substituting goroutines for
// fibers.
func Run(ctx context.Context, configs []Config, build Build) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		firstErr error
	)

	for i, cfg := range configs {
		wg.Add(1)

		go func(i int, cfg Config) {
			defer wg.Done()

			if err := runOne(ctx, i, cfg, build); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i, cfg)
	}

	wg.Wait()

	return firstErr
}

func runOne(ctx context.Context, index int, cfg Config, build Build) error {
	runner, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("multidev: device %d (%s): %w", index, cfg.DeviceKind, err)
	}

	log.WithField("index", index).WithField("kind", cfg.DeviceKind).Info("multidev: device started")

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("multidev: device %d (%s): %w", index, cfg.DeviceKind, err)
	}

	return nil
}
