// Package boot is the bring-up orchestrator: an ordered list of named
// stages, each wired to one subsystem constructor, run in sequence until
// one fails or all succeed. Grounded on the teacher's cmd/main.go
// ctrl.Manager/mgr.Add/mgr.Start shape, reimplemented as a plain
// Orchestrator/Stage list since no Kubernetes object model exists here.
package boot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/arch"
	"github.com/lattice-os/corekernel/internal/bootcfg"
	"github.com/lattice-os/corekernel/internal/dnsstub"
	"github.com/lattice-os/corekernel/internal/kpanic"
	"github.com/lattice-os/corekernel/internal/netstack"
	"github.com/lattice-os/corekernel/internal/pmm"
	"github.com/lattice-os/corekernel/internal/sched"
	"github.com/lattice-os/corekernel/internal/tcp"
	"github.com/lattice-os/corekernel/internal/useraccount"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/internal/vfs/devfs"
	"github.com/lattice-os/corekernel/internal/vfs/diskfs"
	"github.com/lattice-os/corekernel/internal/vfs/procfs"
	"github.com/lattice-os/corekernel/internal/vfs/ramfs"
	"github.com/lattice-os/corekernel/internal/vmm"
	"github.com/lattice-os/corekernel/pkg/ringbuffer"
)

// Stage is one named unit of bring-up work.
type Stage struct {
	Name  string
	Start func(ctx context.Context) error
}

// Orchestrator runs Stages in order, stopping at the first failure.
type Orchestrator struct {
	log    logr.Logger
	panic  *kpanic.Handler
	stages []Stage
}

// NewOrchestrator constructs an Orchestrator that escalates any stage
// failure to panicHandler.Panic, per spec.md §7.2: a boot-time invariant
// that cannot be maintained is a severity-2 resource exhaustion, not a
// recoverable API error.
func NewOrchestrator(log logr.Logger, panicHandler *kpanic.Handler) *Orchestrator {
	return &Orchestrator{log: log.WithName("boot"), panic: panicHandler}
}

// Add appends a stage to the bring-up sequence.
func (o *Orchestrator) Add(stage Stage) {
	o.stages = append(o.stages, stage)
}

// Run executes every stage in order. It returns the first error
// encountered after also escalating it to the panic handler; callers in
// tests typically pass a no-op halt so the error can still be inspected.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, s := range o.stages {
		o.log.Info("starting stage", "stage", s.Name)
		if err := s.Start(ctx); err != nil {
			o.log.Error(err, "stage failed", "stage", s.Name)
			if o.panic != nil {
				o.panic.Panic(fmt.Sprintf("boot stage %q failed: %v", s.Name, err), "boot.go", 0)
			}
			return fmt.Errorf("boot: stage %q: %w", s.Name, err)
		}
		o.log.Info("stage complete", "stage", s.Name)
	}
	return nil
}

// Kernel holds every subsystem manager constructed during bring-up, wired
// together the way Orchestrator's stages leave them. cmd/kernel assembles
// one of these and then hands control to the scheduler.
type Kernel struct {
	Config bootcfg.Config

	PMM      *pmm.Manager
	VMM      *vmm.Manager
	Sched    *sched.Manager
	VFS      *vfs.Manager
	Net      *netstack.Stack
	TCP      *tcp.Manager
	DNS      dnsstub.Resolver
	Access   *access.Auditor
	Panic    *kpanic.Handler
	RingLog  *ringbuffer.RingBuffer[string]
	Disk     *diskfs.FS

	rootSession *vfs.Session
}

// Shutdown releases resources that outlive the VFS node tree, currently
// just the disk-backed filesystem's bbolt handle and host file lock.
func (k *Kernel) Shutdown() error {
	if k.Disk != nil {
		return k.Disk.Shutdown()
	}
	return nil
}

// KernelDependencies are the arch-level leaf primitives the orchestrator
// cannot construct itself (spec.md §1's out-of-core-scope boundary).
type KernelDependencies struct {
	Frames   arch.FrameIO
	MMU      arch.PageTableIO
	Switcher arch.ContextSwitcher
	NumFrames int
	Sender   netstack.FrameSender
	Interfaces []netstack.Interface
	Halt     kpanic.HaltFunc
	Now      func() time.Time
}

// BuildStandardOrchestrator wires the canonical bring-up order: PMM, VMM,
// scheduler, VFS (with the standard directory tree and backends mounted),
// netstack/TCP, and the access auditor, per spec.md §4's module ordering
// and §6's standard tree.
func BuildStandardOrchestrator(log logr.Logger, cfg bootcfg.Config, deps KernelDependencies) (*Orchestrator, *Kernel) {
	cfg.ApplyDefaults()

	k := &Kernel{Config: cfg}
	ringLog, err := ringbuffer.New[string](1024)
	if err != nil {
		panic(err) // fixed capacity literal, never fails
	}
	k.RingLog = ringLog

	out := &logWriter{ring: ringLog}
	k.Panic = kpanic.NewHandler(log, out, deps.Halt)

	orch := NewOrchestrator(log, k.Panic)

	orch.Add(Stage{Name: "pmm", Start: func(ctx context.Context) error {
		numFrames := deps.NumFrames
		if numFrames == 0 {
			numFrames = int(cfg.PhysicalMemory) / pmm.PageSize
		}
		k.PMM = pmm.New(log, numFrames)
		return nil
	}})

	orch.Add(Stage{Name: "vmm", Start: func(ctx context.Context) error {
		if deps.Frames == nil || deps.MMU == nil {
			return fmt.Errorf("boot: vmm requires arch.FrameIO and arch.PageTableIO")
		}
		rootFrame, ok := k.PMM.AllocPage()
		if !ok {
			return fmt.Errorf("boot: no frame available for kernel page table root")
		}
		kernelRoot := uintptr(rootFrame) * pmm.PageSize
		deps.Frames.ZeroFrame(kernelRoot)
		k.VMM = vmm.New(log, k.PMM, deps.Frames, deps.MMU, vmm.X86_64Layout, kernelRoot)
		return nil
	}})

	orch.Add(Stage{Name: "sched", Start: func(ctx context.Context) error {
		if deps.Switcher == nil {
			return fmt.Errorf("boot: sched requires an arch.ContextSwitcher")
		}
		k.Sched = sched.New(log, deps.Switcher)
		k.Sched.RegisterIdleTask()
		as := k.VMM.KernelAddressSpace()
		k.Sched.CreateTask("kernel", cfg.RootUserID, access.SYSTEMOwner, sched.NORMAL, as, access.DefaultSandbox())
		return nil
	}})

	orch.Add(Stage{Name: "vfs", Start: func(ctx context.Context) error {
		k.VFS = vfs.New(log)
		if err := mountStandardTree(k, cfg); err != nil {
			return err
		}
		return nil
	}})

	orch.Add(Stage{Name: "netstack", Start: func(ctx context.Context) error {
		if deps.Sender == nil {
			return fmt.Errorf("boot: netstack requires a netstack.FrameSender")
		}
		k.Net = netstack.New(log, deps.Sender, cfg.ARPCacheSize, cfg.ARPEntryTTL)
		for _, iface := range deps.Interfaces {
			k.Net.AddInterface(iface)
		}
		return nil
	}})

	orch.Add(Stage{Name: "tcp", Start: func(ctx context.Context) error {
		now := deps.Now
		if now == nil {
			now = time.Now
		}
		k.TCP = tcp.New(log, deps.Sender, &netstackResolverAdapter{k.Net}, cfg.MaxSockets, now)
		k.DNS = dnsstub.NewMiekgResolver(cfg.DNSServer)
		return nil
	}})

	orch.Add(Stage{Name: "access", Start: func(ctx context.Context) error {
		auditor, err := access.NewAuditor(log, 256)
		if err != nil {
			return err
		}
		k.Access = auditor
		return nil
	}})

	return orch, k
}

// netstackResolverAdapter satisfies tcp.Resolver against a *netstack.Stack,
// bridging the narrower collaborator interface the TCP layer depends on to
// the full netstack surface boot constructs.
type netstackResolverAdapter struct {
	stack *netstack.Stack
}

func (a *netstackResolverAdapter) Route(dst [4]byte) (netstack.Interface, [4]byte, error) {
	return netstack.Route(dst, a.stack.Interfaces())
}

func (a *netstackResolverAdapter) ResolveMAC(iface netstack.Interface, ip [4]byte, timeout time.Duration) ([6]byte, error) {
	return a.stack.Resolve(iface, ip, timeout, time.Now)
}

// mountStandardTree builds the directory layout of spec.md §6: ramfs at
// the root plus /sys, /usr, /bin, /tmp, /etc; devfs at /dev; procfs at
// /proc; diskfs wherever persistent storage is needed (/sys/config).
func mountStandardTree(k *Kernel, cfg bootcfg.Config) error {
	rootFS, rootNode := ramfs.New(k.VFS, cfg.RootUserID, access.SYSTEMOwner)
	if err := k.VFS.Mount("/", rootNode, "ramfs", 0); err != nil {
		return fmt.Errorf("boot: mount /: %w", err)
	}

	k.rootSession = k.VFS.NewSession(0, cfg.RootUserID, access.SYSTEMOwner, "/usr/root/home")

	for _, dir := range []string{"/sys", "/sys/config", "/sys/log", "/sys/data", "/usr", "/usr/root", "/usr/root/home", "/bin", "/tmp", "/dev", "/proc", "/etc"} {
		if _, err := mkdirAll(rootFS, rootNode, dir); err != nil {
			return fmt.Errorf("boot: create %s: %w", dir, err)
		}
	}

	devFS, devFSRoot := devfs.New(k.VFS)
	devFS.Register("null", devfs.NullDevice{})
	devFS.Register("kmsg", devfs.NewKmsgDevice(k.RingLog))
	if err := k.VFS.Mount("/dev", devFSRoot, "devfs", 0); err != nil {
		return fmt.Errorf("boot: mount /dev: %w", err)
	}

	procFS, procRoot := procfs.New(k.VFS)
	procFS.RegisterFile("/meminfo", func() string {
		stats := k.PMM.Stats()
		return procfs.FormatKV([][2]string{
			{"TotalFrames", fmt.Sprint(stats.TotalFrames)},
			{"FreeFrames", fmt.Sprint(stats.FreeFrames)},
			{"UsedFrames", fmt.Sprint(stats.UsedFrames)},
		})
	})
	procFS.RegisterFile("/tasks", func() string {
		var pairs [][2]string
		for _, t := range k.Sched.Snapshot() {
			pairs = append(pairs, [2]string{fmt.Sprint(t.TID), fmt.Sprintf("%s state=%v priority=%v", t.Name, t.State, t.Priority)})
		}
		return procfs.FormatKV(pairs)
	})
	procFS.RegisterFile("/net/tcp", func() string {
		var pairs [][2]string
		for _, sock := range k.TCP.Sockets() {
			pairs = append(pairs, [2]string{fmt.Sprint(sock.ID), fmt.Sprintf("local=%s:%d remote=%s:%d state=%v",
				sock.Local.Name, sock.LocalPort, ipString(sock.RemoteIP), sock.RemotePort, sock.State)})
		}
		return procfs.FormatKV(pairs)
	})
	procFS.RegisterFile("/access/denials", func() string {
		var pairs [][2]string
		for i, d := range k.Access.Denials() {
			pairs = append(pairs, [2]string{fmt.Sprint(i), fmt.Sprintf("owner=%d kind=%v", d.RequesterID, d.Kind)})
		}
		return procfs.FormatKV(pairs)
	})
	if err := k.VFS.Mount("/proc", procRoot, "procfs", 0); err != nil {
		return fmt.Errorf("boot: mount /proc: %w", err)
	}

	diskFS, diskRoot, err := diskfs.Open(k.VFS, cfg.DiskPath)
	if err != nil {
		return fmt.Errorf("boot: open diskfs at %s: %w", cfg.DiskPath, err)
	}
	k.Disk = diskFS
	if err := k.VFS.Mount("/sys/config", diskRoot, "diskfs", 0); err != nil {
		return fmt.Errorf("boot: mount /sys/config: %w", err)
	}

	if err := seedUserDatabase(k, cfg); err != nil {
		return fmt.Errorf("boot: seed user database: %w", err)
	}

	return nil
}

// seedUserDatabase writes the initial /sys/config/users.db on first boot: a
// single root account matching cfg.RootUserID. An existing database (a
// reused disk-path across boots) is left untouched.
func seedUserDatabase(k *Kernel, cfg bootcfg.Config) error {
	existing, err := useraccount.Load(k.VFS, k.rootSession, "/sys/config/users.db")
	if err == nil && len(existing) > 0 {
		return nil
	}
	root := useraccount.User{
		UID:       cfg.RootUserID,
		OwnerType: access.SYSTEMOwner,
		Username:  "root",
		HomeDir:   "/usr/root/home",
		MaxMemory: uint64(cfg.PhysicalMemory),
		MaxFiles:  256,
	}
	return useraccount.Save(k.VFS, k.rootSession, "/sys/config/users.db", []useraccount.User{root})
}

// mkdirAll creates path (and any missing ancestors) under root using fs's
// own Mkdir, since the directories being created here predate any session
// resolving through them.
func mkdirAll(fs vfs.Ops, root *vfs.Node, path string) (*vfs.Node, error) {
	segments := splitClean(path)
	cur := root
	for _, seg := range segments {
		next, err := fs.FindDir(cur, seg)
		if err == nil {
			cur = next
			continue
		}
		next, err = fs.Mkdir(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func ipString(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func splitClean(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

// logWriter adapts kpanic's io.Writer console stand-in onto the kernel
// ring log, so a panic dump is visible through /dev/kmsg like every other
// kernel message.
type logWriter struct {
	ring *ringbuffer.RingBuffer[string]
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.ring.Push(string(p))
	return len(p), nil
}
