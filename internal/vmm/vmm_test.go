package vmm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/arch/sim"
	"github.com/lattice-os/corekernel/internal/pmm"
	"github.com/lattice-os/corekernel/internal/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numFrames is generous enough for a handful of address spaces and page
// tables in these tests.
const numFrames = pmm.ReservedFrames + 4096

func newTestManager(t *testing.T) (*vmm.Manager, *pmm.Manager, *sim.Machine) {
	t.Helper()
	machine := sim.NewMachine(numFrames)
	p := pmm.New(logr.Discard(), numFrames)

	kernelFrame, ok := p.AllocPage()
	require.True(t, ok)
	kernelRoot := uintptr(kernelFrame) * pmm.PageSize
	machine.ZeroFrame(kernelRoot)

	m := vmm.New(logr.Discard(), p, machine, machine, vmm.X86_64Layout, kernelRoot)
	return m, p, machine
}

// TestMapResolveSymmetry is scenario S2 and testable property 2 from
// spec.md §8.
func TestMapResolveSymmetry(t *testing.T) {
	m, p, _ := newTestManager(t)
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	const vaddr = 0x00400000
	const paddr = 0x12345000
	require.NoError(t, m.Map(as, vaddr, paddr, vmm.PRESENT|vmm.WRITE|vmm.USER))

	got, flags, ok := m.Resolve(as, vaddr+0x123)
	require.True(t, ok)
	assert.Equal(t, uintptr(paddr+0x123), got)
	assert.NotZero(t, flags&vmm.USER)
	assert.NotZero(t, flags&vmm.WRITE)

	m.Unmap(as, vaddr)
	_, _, ok = m.Resolve(as, vaddr)
	assert.False(t, ok, "resolve after unmap must report not-present")

	_ = p
}

// TestKernelCloneIsolation is testable property 3: a fresh address space
// has every user page absent and every cloned kernel-half page with USER
// cleared.
func TestKernelCloneIsolation(t *testing.T) {
	m, _, machine := newTestManager(t)

	kernel := m.KernelAddressSpace()
	const kernelVA = vmm.KernelHalfBoundary + 0x1000
	require.NoError(t, m.Map(kernel, kernelVA, 0x200000, vmm.PRESENT|vmm.WRITE|vmm.GLOBAL))

	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	_, _, ok := m.Resolve(as, 0x1000)
	assert.False(t, ok, "user half of a fresh address space must be empty")

	paddr, flags, ok := m.Resolve(as, kernelVA)
	require.True(t, ok, "kernel half must be cloned into the new address space")
	assert.Equal(t, uintptr(0x200000), paddr)
	assert.Zero(t, flags&vmm.USER, "cloned kernel entries must have USER cleared")

	_ = machine
}

func TestAllocAtIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	const vaddr = 0x500000
	require.NoError(t, m.AllocAt(as, vaddr, 3*pmm.PageSize, vmm.PRESENT|vmm.WRITE|vmm.USER))
	firstPhys, _, ok := m.Resolve(as, vaddr)
	require.True(t, ok)

	require.NoError(t, m.AllocAt(as, vaddr, 3*pmm.PageSize, vmm.PRESENT|vmm.WRITE|vmm.USER))
	secondPhys, _, ok := m.Resolve(as, vaddr)
	require.True(t, ok)
	assert.Equal(t, firstPhys, secondPhys, "re-allocating an already-mapped range must be a no-op for those pages")
}

func TestSwitchToFlushesOnlyOnChange(t *testing.T) {
	m, _, machine := newTestManager(t)
	as1, err := m.CreateAddressSpace()
	require.NoError(t, err)
	as2, err := m.CreateAddressSpace()
	require.NoError(t, err)

	before := machine.FlushCount()
	m.SwitchTo(as1)
	assert.Equal(t, before+1, machine.FlushCount())

	m.SwitchTo(as1)
	assert.Equal(t, before+1, machine.FlushCount(), "switching to the already-active address space must not flush")

	m.SwitchTo(as2)
	assert.Equal(t, before+2, machine.FlushCount())
}

func TestDestroyRefusesKernelAddressSpace(t *testing.T) {
	m, _, _ := newTestManager(t)
	kernel := m.KernelAddressSpace()
	assert.Error(t, m.Destroy(kernel))
}

func TestDestroyFreesUserPages(t *testing.T) {
	m, p, _ := newTestManager(t)
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	require.NoError(t, m.AllocAt(as, 0x600000, 2*pmm.PageSize, vmm.PRESENT|vmm.WRITE|vmm.USER))
	statsBefore := p.Stats()

	require.NoError(t, m.Destroy(as))
	statsAfter := p.Stats()
	// Freed frames land in the PMM hot-cache first, which still counts them
	// as used, so the cache length is what grows.
	assert.Greater(t, statsAfter.HotCacheLen, statsBefore.HotCacheLen)
}

func TestLargePageSplit(t *testing.T) {
	m, _, machine := newTestManager(t)
	as, err := m.CreateAddressSpace()
	require.NoError(t, err)

	// Manually install a 2 MiB large page at the PD level covering vaddr 0.
	const largePhys = 0x600000
	pdEntry := uint64(largePhys) | uint64(vmm.PRESENT) | uint64(vmm.WRITE) | uint64(vmm.LARGEPAGE)

	// Walk down to the PD table by mapping a 4 KiB page first, then
	// overwrite its PD-level entry with a synthetic large page.
	require.NoError(t, m.Map(as, 0x0, 0x700000, vmm.PRESENT|vmm.WRITE))
	pdpt := uintptr(machine.ReadEntry(as.Root, 0) &^ 0xfff)
	pd := uintptr(machine.ReadEntry(pdpt, 0) &^ 0xfff)
	machine.WriteEntry(pd, 0, pdEntry)

	// Mapping a 4 KiB page inside that large page's range must transparently split it.
	require.NoError(t, m.Map(as, 0x1000, 0x800000, vmm.PRESENT|vmm.WRITE|vmm.USER))

	paddr, _, ok := m.Resolve(as, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x800000), paddr)

	// The rest of the split large page must still resolve to its inherited mapping.
	paddr, _, ok = m.Resolve(as, 0x2000)
	require.True(t, ok)
	assert.Equal(t, uintptr(largePhys+0x2000), paddr)
}
