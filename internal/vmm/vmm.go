// Package vmm implements the virtual memory manager / paging layer:
// spec.md §4.B. The page-table walk is written level-neutral behind a
// PagingLayout so the same code serves the x86_64 four-level layout and a
// hypothetical two-level x86 one; only the 64-bit-entry, 512-entries-per-
// table layout is implemented since this repository targets x86_64.
package vmm

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/arch"
	"github.com/lattice-os/corekernel/internal/pmm"
)

// Flag is a page-table entry flag bit.
type Flag uint64

const (
	PRESENT      Flag = 1 << 0
	WRITE        Flag = 1 << 1
	USER         Flag = 1 << 2
	WRITETHROUGH Flag = 1 << 3
	NOCACHE      Flag = 1 << 4
	ACCESSED     Flag = 1 << 5
	DIRTY        Flag = 1 << 6
	LARGEPAGE    Flag = 1 << 7 // 2-MiB/1-GiB page bit at the appropriate level
	GLOBAL       Flag = 1 << 8
	NX           Flag = 1 << 63
)

const entriesPerTable = 512

// PagingLayout parameterizes the walker over the bit positions that define
// a page-table layout, so the walk itself is level-neutral.
type PagingLayout struct {
	// LevelShifts holds the bit position of each level's index field, from
	// the root level down to the leaf (4 KiB) level. x86_64: {39, 30, 21, 12}.
	LevelShifts []uint
	// LargePageLevel is the index into LevelShifts (0 = root) at which a
	// large-page leaf may appear instead of descending further. For
	// x86_64's 2-MiB pages this is 2 (the level whose shift is 21).
	LargePageLevel int
}

// X86_64Layout is the standard four-level layout spec.md §4.B describes.
var X86_64Layout = PagingLayout{
	LevelShifts:    []uint{39, 30, 21, 12},
	LargePageLevel: 2,
}

func (l PagingLayout) levels() int { return len(l.LevelShifts) }

func (l PagingLayout) index(vaddr uintptr, level int) int {
	shift := l.LevelShifts[level]
	return int((vaddr >> shift) & (entriesPerTable - 1))
}

const pageMask = uintptr(pmm.PageSize - 1)

// AddressSpace owns a page-table root and the bookkeeping spec.md §3
// assigns to it.
type AddressSpace struct {
	Root       uintptr
	HeapStart  uintptr
	HeapEnd    uintptr
	UserCodeBase uintptr
	UserStackTop uintptr

	isKernel bool
}

// Manager drives page tables for every address space in the kernel. It is
// the VMM of spec.md §4.B.
type Manager struct {
	mu sync.Mutex
	log logr.Logger

	pmm    *pmm.Manager
	frames arch.FrameIO
	mmu    arch.PageTableIO
	layout PagingLayout

	kernelRoot uintptr
	current    uintptr // root of the address space currently loaded via switch_to
}

// KernelHalfBoundary is the vaddr at/above which mappings belong to the
// shared kernel half; below it is user space. x86_64 canonical split.
const KernelHalfBoundary = uintptr(1) << 47

// New constructs a Manager. kernelRoot must already be an allocated, zeroed
// frame; New does not create it, matching spec.md's description of boot
// orchestration owning the very first root.
func New(log logr.Logger, p *pmm.Manager, frames arch.FrameIO, mmu arch.PageTableIO, layout PagingLayout, kernelRoot uintptr) *Manager {
	return &Manager{
		log:        log.WithName("vmm"),
		pmm:        p,
		frames:     frames,
		mmu:        mmu,
		layout:     layout,
		kernelRoot: kernelRoot,
	}
}

func isKernelHalf(vaddr uintptr) bool {
	return vaddr >= KernelHalfBoundary
}

func allocZeroedTable(p *pmm.Manager, frames arch.FrameIO) (uintptr, error) {
	frame, ok := p.AllocPage()
	if !ok {
		return 0, fmt.Errorf("vmm: out of physical memory allocating page table")
	}
	phys := uintptr(frame) * pmm.PageSize
	frames.ZeroFrame(phys)
	return phys, nil
}

// CreateAddressSpace allocates a fresh root and clones every kernel-half
// entry from the current kernel root, forcing USER off on the clones. The
// user half starts empty.
func (m *Manager) CreateAddressSpace() (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := allocZeroedTable(m.pmm, m.frames)
	if err != nil {
		return nil, err
	}

	rootIdxBoundary := m.layout.index(KernelHalfBoundary, 0)
	for i := rootIdxBoundary; i < entriesPerTable; i++ {
		entry := m.frames.ReadEntry(m.kernelRoot, i)
		if entry&uint64(PRESENT) == 0 {
			continue
		}
		entry &^= uint64(USER)
		m.frames.WriteEntry(root, i, entry)
	}

	return &AddressSpace{Root: root}, nil
}

// KernelAddressSpace returns a handle wrapping the boot-time kernel root.
// It is marked isKernel so Destroy refuses to free it.
func (m *Manager) KernelAddressSpace() *AddressSpace {
	return &AddressSpace{Root: m.kernelRoot, isKernel: true}
}

// SwitchTo programs as the active root, flushing the TLB only when the
// address space actually changes.
func (m *Manager) SwitchTo(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == as.Root {
		return
	}
	m.current = as.Root
	m.mmu.WriteRoot(as.Root)
}

// Map installs a mapping for vaddr -> paddr with the given leaf flags. Both
// must be page-aligned. If the walk needs an interior table that does not
// exist, it is allocated via PMM and zeroed; if such a PMM allocation fails,
// Map unlinks and frees the interior tables it allocated earlier in the same
// call and returns an error. USER/WRITE bits it already added to interior
// entries that existed before the call stay set. A USER or WRITE leaf propagates that flag up every
// interior entry on the path, matching spec.md §4.B.
func (m *Manager) Map(as *AddressSpace, vaddr, paddr uintptr, flags Flag) error {
	if vaddr&pageMask != 0 || paddr&pageMask != 0 {
		return fmt.Errorf("vmm: map requires page-aligned addresses")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	table := as.Root
	levels := m.layout.levels()
	// Interior tables allocated by this call, freed again if a deeper
	// allocation fails.
	var allocated []uintptr
	var firstTable uintptr
	var firstIdx int
	for level := 0; level < levels-1; level++ {
		idx := m.layout.index(vaddr, level)
		entry := m.frames.ReadEntry(table, idx)

		if entry&uint64(PRESENT) != 0 && entry&uint64(LARGEPAGE) != 0 {
			if level != m.layout.LargePageLevel {
				return fmt.Errorf("vmm: splitting a large page at level %d is out of scope (only %d-level large pages split)", level, m.layout.LargePageLevel)
			}
			split, err := m.splitLargePage(entry)
			if err != nil {
				return err
			}
			entry = uint64(split) | uint64(PRESENT) | uint64(WRITE)
			m.frames.WriteEntry(table, idx, entry)
		}

		if entry&uint64(PRESENT) == 0 {
			child, err := allocZeroedTable(m.pmm, m.frames)
			if err != nil {
				if len(allocated) > 0 {
					m.frames.WriteEntry(firstTable, firstIdx, 0)
				}
				for _, t := range allocated {
					m.pmm.FreePage(int(t / pmm.PageSize))
				}
				return err
			}
			if len(allocated) == 0 {
				firstTable, firstIdx = table, idx
			}
			allocated = append(allocated, child)
			entry = uint64(child) | uint64(PRESENT) | uint64(WRITE)
		}

		if flags&USER != 0 {
			entry |= uint64(USER)
		}
		if flags&WRITE != 0 {
			entry |= uint64(WRITE)
		}
		m.frames.WriteEntry(table, idx, entry)

		table = uintptr(entry &^ 0xfff)
	}

	leafIdx := m.layout.index(vaddr, levels-1)
	leaf := uint64(paddr) | uint64(flags) | uint64(PRESENT)
	m.frames.WriteEntry(table, leafIdx, leaf)
	return nil
}

// splitLargePage allocates a child table and populates 512 leaf entries
// inheriting the large page's flags minus the SIZE bit, per spec.md §4.B.
// 1-GiB splits are out of scope and fail; this walker only ever encounters
// 2-MiB large pages given X86_64Layout's LargePageLevel.
func (m *Manager) splitLargePage(largeEntry uint64) (uintptr, error) {
	largeBase := uintptr(largeEntry &^ 0xfff &^ uint64(LARGEPAGE))
	flags := Flag(largeEntry) &^ LARGEPAGE

	child, err := allocZeroedTable(m.pmm, m.frames)
	if err != nil {
		return 0, err
	}
	for i := 0; i < entriesPerTable; i++ {
		leafPhys := largeBase + uintptr(i)*pmm.PageSize
		m.frames.WriteEntry(child, i, uint64(leafPhys)|uint64(flags)|uint64(PRESENT))
	}
	return child, nil
}

// Unmap clears the leaf entry for vaddr, if present.
func (m *Manager) Unmap(as *AddressSpace, vaddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, leafIdx, ok := m.walkToLeaf(as.Root, vaddr)
	if !ok {
		return
	}
	m.frames.WriteEntry(table, leafIdx, 0)
	m.mmu.FlushTLBSingle(vaddr)
}

// walkToLeaf descends to the table holding vaddr's leaf entry, without
// allocating anything. ok is false if any interior entry is absent.
func (m *Manager) walkToLeaf(root, vaddr uintptr) (table uintptr, leafIdx int, ok bool) {
	table = root
	levels := m.layout.levels()
	for level := 0; level < levels-1; level++ {
		idx := m.layout.index(vaddr, level)
		entry := m.frames.ReadEntry(table, idx)
		if entry&uint64(PRESENT) == 0 {
			return 0, 0, false
		}
		if entry&uint64(LARGEPAGE) != 0 {
			return 0, 0, false
		}
		table = uintptr(entry &^ 0xfff)
	}
	return table, m.layout.index(vaddr, levels-1), true
}

// Resolve returns the physical frame and full flag set for vaddr's current
// mapping, or ok=false if not present.
func (m *Manager) Resolve(as *AddressSpace, vaddr uintptr) (paddr uintptr, flags Flag, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, leafIdx, ok := m.walkToLeaf(as.Root, vaddr)
	if !ok {
		return 0, 0, false
	}
	entry := m.frames.ReadEntry(table, leafIdx)
	if entry&uint64(PRESENT) == 0 {
		return 0, 0, false
	}
	return uintptr(entry&^0xfff) | (vaddr & pageMask), Flag(entry), true
}

// IsPresent reports whether vaddr currently has a present mapping.
func (m *Manager) IsPresent(as *AddressSpace, vaddr uintptr) bool {
	_, _, ok := m.Resolve(as, vaddr)
	return ok
}

// AllocAt maps size bytes (rounded up to whole pages) starting at vaddr,
// allocating a fresh physical frame per page. It is idempotent: mapping an
// already-mapped page in the range is a no-op for that page. If any page
// cannot be mapped, AllocAt releases every page it did map in this call
// and returns an error.
func (m *Manager) AllocAt(as *AddressSpace, vaddr uintptr, size uintptr, flags Flag) error {
	pages := (size + pageMask) / pmm.PageSize
	mapped := make([]uintptr, 0, pages)

	for i := uintptr(0); i < pages; i++ {
		va := vaddr + i*pmm.PageSize
		if m.IsPresent(as, va) {
			continue
		}
		frame, ok := m.pmm.AllocPage()
		if !ok {
			m.freePages(as, mapped)
			return fmt.Errorf("vmm: out of physical memory in alloc_at")
		}
		phys := uintptr(frame) * pmm.PageSize
		if err := m.Map(as, va, phys, flags); err != nil {
			m.pmm.FreePage(frame)
			m.freePages(as, mapped)
			return err
		}
		mapped = append(mapped, va)
	}
	return nil
}

func (m *Manager) freePages(as *AddressSpace, vaddrs []uintptr) {
	for _, va := range vaddrs {
		if paddr, _, ok := m.Resolve(as, va); ok {
			m.pmm.FreePage(int(paddr / pmm.PageSize))
		}
		m.Unmap(as, va)
	}
}

// FreePages unmaps n pages starting at vaddr and returns their physical
// frames to the PMM.
func (m *Manager) FreePages(as *AddressSpace, vaddr uintptr, n int) {
	vaddrs := make([]uintptr, n)
	for i := 0; i < n; i++ {
		vaddrs[i] = vaddr + uintptr(i)*pmm.PageSize
	}
	m.freePages(as, vaddrs)
}

// Destroy frees every owned leaf, then mid-level tables, then the root, in
// four nested passes matching the four levels of X86_64Layout. The
// kernel's own root is never destroyed.
func (m *Manager) Destroy(as *AddressSpace) error {
	if as.isKernel || as.Root == m.kernelRoot {
		return fmt.Errorf("vmm: refusing to destroy the kernel address space")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rootIdxBoundary := m.layout.index(KernelHalfBoundary, 0)
	m.destroyLevel(as.Root, 0, rootIdxBoundary)
	m.pmm.FreePage(int(as.Root / pmm.PageSize))
	return nil
}

// destroyLevel recursively frees user-half tables only: entries at or above
// skipFromIdx (the kernel-half boundary at the root level) are left alone
// because they are shared, supervisor-only clones, not owned by this
// address space.
func (m *Manager) destroyLevel(table uintptr, level int, skipFromIdx int) {
	levels := m.layout.levels()
	limit := entriesPerTable
	if level == 0 {
		limit = skipFromIdx
	}
	for i := 0; i < limit; i++ {
		entry := m.frames.ReadEntry(table, i)
		if entry&uint64(PRESENT) == 0 {
			continue
		}
		childPhys := uintptr(entry &^ 0xfff)

		if level == levels-1 || entry&uint64(LARGEPAGE) != 0 {
			// table's entries are leaf data frames (or, one level up, a
			// large page whose entry already is a data frame): free the
			// frame itself, nothing to recurse into.
			m.pmm.FreePage(int(childPhys / pmm.PageSize))
			continue
		}

		// childPhys is an interior table: free everything it owns first,
		// then the table frame itself (leaves-before-mid-levels, per
		// spec.md's four nested passes).
		m.destroyLevel(childPhys, level+1, entriesPerTable)
		m.pmm.FreePage(int(childPhys / pmm.PageSize))
	}
}
