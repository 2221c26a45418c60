package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/inhies/go-bytesize"
	"go.uber.org/zap"

	"github.com/lattice-os/corekernel/internal/arch/sim"
	"github.com/lattice-os/corekernel/internal/boot"
	"github.com/lattice-os/corekernel/internal/bootcfg"
	"github.com/lattice-os/corekernel/internal/netstack"
	"github.com/lattice-os/corekernel/internal/pmm"
)

var (
	setupLog logr.Logger

	physicalMemory    string
	tickInterval      time.Duration
	maxTasks          int
	maxSockets        int
	arpCacheSize      int
	arpEntryTTL       time.Duration
	arpResolveTimeout time.Duration
	diskPath          string
	dnsServer         string
	verbose           bool
)

func init() {
	flag.StringVar(&physicalMemory, "physical-memory", "", "Simulated physical memory size (e.g. 128MB). Empty uses the built-in default")
	flag.DurationVar(&tickInterval, "tick-interval", 0, "Scheduler tick interval. Zero uses the built-in default")
	flag.IntVar(&maxTasks, "max-tasks", 0, "Maximum number of schedulable tasks. Zero uses the built-in default")
	flag.IntVar(&maxSockets, "max-sockets", 0, "Maximum number of TCP sockets. Zero uses the built-in default")
	flag.IntVar(&arpCacheSize, "arp-cache-size", 0, "ARP cache entry limit. Zero uses the built-in default")
	flag.DurationVar(&arpEntryTTL, "arp-entry-ttl", 0, "ARP cache entry lifetime. Zero uses the built-in default")
	flag.DurationVar(&arpResolveTimeout, "arp-resolve-timeout", 0, "ARP resolution timeout. Zero uses the built-in default")
	flag.StringVar(&diskPath, "disk-path", "", "Path to the backing store mounted at /sys/config. Empty uses the built-in default")
	flag.StringVar(&dnsServer, "dns-server", "", "DNS server address the stub resolver queries. Empty uses the built-in default")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose (debug-level) logging")
}

func newLogger(name string) logr.Logger {
	var zapLog *zap.Logger
	var err error
	if verbose {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		// zap's constructors only fail on a broken encoder/sink config, which
		// these defaults cannot produce.
		panic(err)
	}
	return zapr.NewLogger(zapLog).WithName(name)
}

func configFromFlags() bootcfg.Config {
	cfg := bootcfg.Config{
		TickInterval:      tickInterval,
		MaxTasks:          maxTasks,
		MaxSockets:        maxSockets,
		ARPCacheSize:      arpCacheSize,
		ARPEntryTTL:       arpEntryTTL,
		ARPResolveTimeout: arpResolveTimeout,
		DiskPath:          diskPath,
		DNSServer:         dnsServer,
	}
	if physicalMemory != "" {
		sz, err := bytesize.Parse([]byte(physicalMemory))
		if err != nil {
			setupLog.Error(err, "invalid -physical-memory value, falling back to default")
		} else {
			cfg.PhysicalMemory = sz
		}
	}
	cfg.ApplyDefaults()
	return cfg
}

// simDeps builds the KernelDependencies for a single simulated machine. This
// kernel has no real x86 hardware boundary to bring up: arch/sim.Machine is
// the one concrete implementation of the arch interfaces, serving here the
// same role real MMU/APIC/NIC drivers would in a native build.
func simDeps(cfg bootcfg.Config, halt func()) boot.KernelDependencies {
	numFrames := int(cfg.PhysicalMemory) / pmm.PageSize
	machine := sim.NewMachine(numFrames)
	return boot.KernelDependencies{
		Frames:    machine,
		MMU:       machine,
		Switcher:  machine,
		NumFrames: numFrames,
		Sender:    noopSender{},
		Interfaces: []netstack.Interface{
			{Name: "eth0", MAC: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, IP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}},
		},
		Halt: halt,
		Now:  time.Now,
	}
}

type noopSender struct{}

func (noopSender) SendFrame(iface netstack.Interface, frame []byte) error { return nil }

func main() {
	if len(os.Args) > 1 && os.Args[1] == "dump-state" {
		runDumpState()
		return
	}

	flag.Parse()
	setupLog = newLogger("setup")
	cfg := configFromFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	halted := make(chan struct{})
	halt := func() {
		select {
		case <-halted:
		default:
			close(halted)
		}
	}

	orch, k := boot.BuildStandardOrchestrator(setupLog, cfg, simDeps(cfg, halt))
	if err := orch.Run(ctx); err != nil {
		setupLog.Error(err, "boot failed")
		os.Exit(1)
	}
	defer k.Shutdown()

	setupLog.Info("kernel booted", "physicalMemory", cfg.PhysicalMemory.String(), "maxTasks", cfg.MaxTasks)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		setupLog.Info("received shutdown signal")
	case <-halted:
		setupLog.Info("kernel panic handler halted the system")
	}
}

// runDumpState boots a kernel once, prints a JSON snapshot of its live
// subsystem state to stdout, shuts it down, and exits. Grounded on the
// teacher's "test-collectors" one-shot subcommand in cmd/main.go, which
// likewise boots just enough of the system to produce one data point per
// collector instead of running the long-lived manager.
func runDumpState() {
	dumpFlags := flag.NewFlagSet("dump-state", flag.ExitOnError)
	verbose := dumpFlags.Bool("verbose", false, "Enable verbose logging")
	diskPath := dumpFlags.String("disk-path", "", "Path to the backing store mounted at /sys/config")
	dumpFlags.Parse(os.Args[2:])

	var log logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		log = zapr.NewLogger(zapLog)
	} else {
		log = logr.Discard()
	}

	cfg := bootcfg.Config{DiskPath: *diskPath}
	cfg.ApplyDefaults()

	orch, k := boot.BuildStandardOrchestrator(log, cfg, simDeps(cfg, func() {}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := orch.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %v\n", err)
		os.Exit(1)
	}
	defer k.Shutdown()

	snapshot := struct {
		Memory  interface{} `json:"memory"`
		Tasks   interface{} `json:"tasks"`
		Mounts  interface{} `json:"mounts"`
		Denials interface{} `json:"accessDenials"`
	}{
		Memory:  k.PMM.Stats(),
		Tasks:   k.Sched.Snapshot(),
		Mounts:  k.VFS.Mounts(),
		Denials: k.Access.Denials(),
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
