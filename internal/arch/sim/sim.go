// Package sim is the only implementation of arch.ContextSwitcher,
// arch.PageTableIO and arch.FrameIO shipped in this repository. It models
// "physical memory" as a flat byte slice indexed by frame, standing in for
// the hardware leaf primitives spec.md places out of core scope, so the PMM
// and VMM can be driven and tested with real read/write/zero behavior
// instead of mocks.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/lattice-os/corekernel/internal/arch"
)

// PageSize is the frame size this simulation uses, matching x86's 4 KiB
// base page size.
const PageSize = 4096

// Machine is a software stand-in for the CPU/MMU boundary: a flat slice of
// "physical memory" plus the minimal register-level state a hosted
// simulation needs to make context switches and ring-3 entry observable in
// tests.
type Machine struct {
	mu     sync.Mutex
	mem    []byte
	root   uintptr
	rootSet bool
	flushCount int
	ring3  bool
	ring3Entry uintptr
	ring3Stack uintptr
}

// NewMachine allocates a simulated physical memory of the given number of
// frames.
func NewMachine(numFrames int) *Machine {
	return &Machine{mem: make([]byte, numFrames*PageSize)}
}

// NumFrames returns the simulated physical memory's size in frames.
func (m *Machine) NumFrames() int {
	return len(m.mem) / PageSize
}

func (m *Machine) checkBounds(phys uintptr, n int) error {
	if int(phys)+n > len(m.mem) {
		return fmt.Errorf("sim: access at %#x+%d exceeds simulated memory of %d bytes", phys, n, len(m.mem))
	}
	return nil
}

// ZeroFrame implements arch.FrameIO.
func (m *Machine) ZeroFrame(phys uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBounds(phys, PageSize); err != nil {
		panic(err)
	}
	clear(m.mem[phys : phys+PageSize])
}

// WriteEntry implements arch.FrameIO.
func (m *Machine) WriteEntry(phys uintptr, index int, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := phys + uintptr(index*8)
	if err := m.checkBounds(off, 8); err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(m.mem[off:off+8], value)
}

// ReadEntry implements arch.FrameIO.
func (m *Machine) ReadEntry(phys uintptr, index int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := phys + uintptr(index*8)
	if err := m.checkBounds(off, 8); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(m.mem[off : off+8])
}

// WriteRoot implements arch.PageTableIO.
func (m *Machine) WriteRoot(phys uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rootSet || m.root != phys {
		m.flushCount++
	}
	m.root = phys
	m.rootSet = true
}

// FlushTLBSingle implements arch.PageTableIO. The simulation has no TLB to
// invalidate; it counts the call so tests can assert flush discipline.
func (m *Machine) FlushTLBSingle(vaddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCount++
}

// FlushTLBFull implements arch.PageTableIO.
func (m *Machine) FlushTLBFull() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCount++
}

// FlushCount reports how many TLB-affecting operations have been observed,
// for test assertions on flush-on-change discipline.
func (m *Machine) FlushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushCount
}

// CurrentRoot reports the last root written via WriteRoot.
func (m *Machine) CurrentRoot() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Switch implements arch.ContextSwitcher. The simulation has a single
// goroutine of control standing in for the CPU, so a "switch" does
// nothing: no registers are saved or restored and no stack is swapped.
func (m *Machine) Switch(old, new *arch.CPUContext) {
	// Nothing to do: the simulation runs on a single goroutine of control,
	// so by the time Switch returns, new is already "running".
	_ = old
	_ = new
}

// EnterRing3 implements arch.ContextSwitcher. It records the entry/stack the
// kernel requested and marks the machine as having transitioned; callers in
// tests observe this via Ring3Entered rather than an actual non-returning
// jump, since there is no real ring 3 in a hosted simulation.
func (m *Machine) EnterRing3(entry, stack uintptr) error {
	if entry == 0 {
		return fmt.Errorf("sim: ring3 entry point is nil")
	}
	if stack == 0 {
		return fmt.Errorf("sim: ring3 stack is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring3 = true
	m.ring3Entry = entry
	m.ring3Stack = stack
	return nil
}

// Ring3Entered reports whether EnterRing3 has succeeded, and with what
// entry/stack, for boot-sequence tests.
func (m *Machine) Ring3Entered() (entered bool, entry, stack uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring3, m.ring3Entry, m.ring3Stack
}

var (
	_ arch.ContextSwitcher = (*Machine)(nil)
	_ arch.PageTableIO     = (*Machine)(nil)
	_ arch.FrameIO         = (*Machine)(nil)
)
