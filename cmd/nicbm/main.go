// Command nicbm runs one or more NIC device models as SimBricks-style
// co-simulation peers (spec.md §6 "CLI surface"). Each device gets its
// own positional/optional argument group, split on a literal "--" the
// same way MultiNicRunner::RunMain does for multiple fiber-driven
// instances in one process; internal/multidev drives the fan-out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencosim/nicbm/internal/enso"
	device40g "github.com/opencosim/nicbm/internal/i40e/device"
	"github.com/opencosim/nicbm/internal/multidev"
	"github.com/opencosim/nicbm/internal/nlog"
	"github.com/opencosim/nicbm/internal/ringnic"
	"github.com/opencosim/nicbm/internal/runtime"
	"github.com/opencosim/nicbm/internal/shmif"
	"github.com/opencosim/nicbm/internal/stats"
)

var log = nlog.For("nicbm")

// options is one device instance's CLI surface, matching spec.md §6's
// positional PCI-SOCKET/ETH-SOCKET/SHM-PATH and optional sync-mode,
// start-tick, sync-period-ns, pci-latency-ns, eth-latency-ns, clock-mhz
// set, plus the handful of flags the distilled spec leaves unspecified
// (device kind, MAC, debug server, profiling, multi-device config file).
type options struct {
	Args struct {
		PCISocket string `positional-arg-name:"PCI-SOCKET"`
		EthSocket string `positional-arg-name:"ETH-SOCKET"`
		ShmPath   string `positional-arg-name:"SHM-PATH"`
	} `positional-args:"yes"`

	SyncMode     string `long:"sync-mode" choice:"disabled" choice:"optional" choice:"required" default:"optional" description:"co-simulation sync mode"`
	StartTick    uint64 `long:"start-tick" default:"0" description:"simulated start time in picoseconds (informational; simulated time always starts at zero)"`
	SyncPeriodNs uint64 `long:"sync-period-ns" default:"100" description:"sync message interval in nanoseconds"`
	PCILatencyNs uint64 `long:"pci-latency-ns" default:"500" description:"PCIe link latency in nanoseconds"`
	EthLatencyNs uint64 `long:"eth-latency-ns" default:"500" description:"Ethernet link latency in nanoseconds"`
	ClockMHz     uint64 `long:"clock-mhz" default:"812" description:"PTP hardware clock frequency (informational; the modeled PHC runs at a fixed rate)"`

	Device        string `long:"device" choice:"ring" choice:"i40e" choice:"enso" default:"i40e" description:"device model to instantiate"`
	MAC           string `long:"mac" description:"MAC address reported in logs for this instance"`
	DebugAddr     string `long:"debug-addr" description:"address to serve /metrics and /debug/fgprof on, e.g. :6060"`
	Profile       bool   `long:"profile" description:"write a pprof CPU profile for the whole process lifetime"`
	DevicesConfig string `long:"devices-config" description:"path to an INI-style file describing multiple device instances, in place of positional args"`
}

func main() {
	if err := run(); err != nil {
		log.WithError(err).Error("nicbm: fatal")
		os.Exit(1)
	}
}

func run() error {
	groups := multidev.SplitArgv(os.Args[1:])

	var (
		opts      []options
		debugAddr string
		doProfile bool
	)

	for _, argv := range groups {
		var o options

		parser := flags.NewParser(&o, flags.Default)
		if _, err := parser.ParseArgs(argv); err != nil {
			return fmt.Errorf("nicbm: parse args: %w", err)
		}

		if o.DebugAddr != "" {
			debugAddr = o.DebugAddr
		}

		if o.Profile {
			doProfile = true
		}

		opts = append(opts, o)
	}

	var configs []multidev.Config

	if len(opts) == 1 && opts[0].DevicesConfig != "" {
		fileConfigs, err := multidev.ParseConfigFile(opts[0].DevicesConfig)
		if err != nil {
			return err
		}

		configs = fileConfigs
	} else {
		for _, o := range opts {
			configs = append(configs, optsToConfig(o))
		}
	}

	if doProfile {
		stop := profile.Start(profile.CPUProfile, profile.Quiet)
		defer stop.Stop()
	}

	if debugAddr != "" {
		errc := make(chan error, 1)
		stats.ServeDebug(debugAddr, errc)

		go func() {
			if err := <-errc; err != nil {
				log.WithError(err).Error("nicbm: debug server failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigc
		log.Info("nicbm: shutting down on signal")
		cancel()
	}()

	build := func(ctx context.Context, cfg multidev.Config) (*runtime.Runner, error) {
		return buildRunner(cfg)
	}

	return multidev.Run(ctx, configs, build)
}

func optsToConfig(o options) multidev.Config {
	return multidev.Config{
		PCIeSocket:   o.Args.PCISocket,
		EthSocket:    o.Args.EthSocket,
		DeviceKind:   o.Device,
		MACAddr:      o.MAC,
		SyncMode:     o.SyncMode,
		SyncPeriodNs: o.SyncPeriodNs,
		PCILatencyNs: o.PCILatencyNs,
		EthLatencyNs: o.EthLatencyNs,
	}
}

func syncModeFromString(s string) shmif.SyncMode {
	switch s {
	case "disabled":
		return shmif.SyncDisabled
	case "required":
		return shmif.SyncRequired
	default:
		return shmif.SyncOptional
	}
}

// buildRunner wires a concrete device model into a fresh Runner, the
// nicbm equivalent of the original's per-instance main() setting up a
// PcieIf/EthIf pair and handing them to a Device subclass.
func buildRunner(cfg multidev.Config) (*runtime.Runner, error) {
	pciParams := shmif.DefaultParams()
	pciParams.SockPath = cfg.PCIeSocket
	pciParams.UpperLayerProto = shmif.ProtoPCIe
	pciParams.SyncMode = syncModeFromString(cfg.SyncMode)

	if cfg.PCILatencyNs != 0 {
		pciParams.LinkLatency = cfg.PCILatencyNs * 1000
	}

	if cfg.SyncPeriodNs != 0 {
		pciParams.SyncInterval = cfg.SyncPeriodNs * 1000
	}

	log.WithField("socket", cfg.PCIeSocket).WithField("device", cfg.DeviceKind).
		WithField("mac", cfg.MACAddr).Info("nicbm: waiting for PCIe peer")

	pci, err := shmif.Listen(pciParams, nil)
	if err != nil {
		return nil, fmt.Errorf("nicbm: pcie listen: %w", err)
	}

	var eth *shmif.BaseIf

	if cfg.EthSocket != "" {
		ethParams := shmif.DefaultParams()
		ethParams.SockPath = cfg.EthSocket
		ethParams.UpperLayerProto = shmif.ProtoEthernet
		ethParams.SyncMode = syncModeFromString(cfg.SyncMode)

		if cfg.EthLatencyNs != 0 {
			ethParams.LinkLatency = cfg.EthLatencyNs * 1000
		}

		eth, err = shmif.Listen(ethParams, nil)
		if err != nil {
			return nil, fmt.Errorf("nicbm: eth listen: %w", err)
		}
	}

	r := runtime.NewRunner(pci, eth)

	counters, err := attachDevice(r, cfg)
	if err != nil {
		return nil, err
	}

	if counters != nil {
		if err := prometheus.Register(stats.NewCollector(cfg.DeviceKind+"@"+cfg.PCIeSocket, counters)); err != nil {
			log.WithError(err).Warn("nicbm: metric registration failed")
		}
	}

	return r, nil
}

func attachDevice(r *runtime.Runner, cfg multidev.Config) (*stats.Counters, error) {
	eng := r.Engine()
	sched := r.Scheduler()

	switch cfg.DeviceKind {
	case "", "i40e":
		d := device40g.New(eng, sched.Raw(), r.RaiseInterrupt, r.EthSend, sched.Now)
		r.SetDevice(d)
		r.SetMSIXEnabled(true)

		return d.Counters(), nil

	case "ring":
		d := ringnic.NewDevice(eng, r.RaiseInterrupt, r.EthSend)
		r.SetDevice(d)

		return d.Counters(), nil

	case "enso":
		d := enso.NewDevice(eng, r.RaiseInterrupt, r.EthSend)
		r.SetDevice(d)

		return d.Counters(), nil

	default:
		return nil, fmt.Errorf("nicbm: unknown device kind %q", cfg.DeviceKind)
	}
}
