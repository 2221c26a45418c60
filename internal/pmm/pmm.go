// Package pmm implements the physical memory manager: spec.md §4.A.
//
// A word-packed bitmap tracks every frame's free/allocated state. The first
// 512 frames (2 MiB) are permanently reserved for the kernel image and the
// sub-2MiB BIOS region. A small LIFO hot-cache of up to 256 recently freed
// frames accelerates the common alloc/free churn pattern before falling
// back to a bitmap scan.
package pmm

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/go-logr/logr"
	"github.com/inhies/go-bytesize"
	"github.com/lattice-os/corekernel/internal/kpanic"
)

// PageSize matches arch/sim's simulated frame size.
const PageSize = 4096

// ReservedFrames is the permanent reservation at the base of memory: the
// kernel image and the BIOS region below 2 MiB.
const ReservedFrames = 512

// HotCacheCapacity bounds the LIFO of recently freed frames.
const HotCacheCapacity = 256

// Zone boundaries, expressed in frame indices derived from the byte
// boundaries spec.md §3 specifies (16 MiB, 896 MiB).
const (
	dmaEndByte    = 16 * 1024 * 1024
	normalEndByte = 896 * 1024 * 1024
)

// Zone is one of the three physical memory zones spec.md §3 defines.
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneNormal
	ZoneHigh
	zoneCount
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "NORMAL"
	case ZoneHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

type zoneRange struct {
	start, end int // [start, end) in frame indices
}

// ZoneStats is a snapshot of one zone's frame accounting.
type ZoneStats struct {
	Zone     Zone
	Total    int
	Used     int
	Reserved int
}

// Stats is a point-in-time snapshot of the whole allocator, suitable for
// logging at boot and for exposing through /proc/meminfo.
type Stats struct {
	TotalFrames    int
	UsedFrames     int
	FreeFrames     int
	ReservedFrames int
	HotCacheLen    int
	Zones          [3]ZoneStats
}

// Manager is the physical memory manager. It is not safe for access from
// more than one task concurrently with an unbounded critical section; all
// operations below complete in bounded time, matching spec.md §5's
// requirement that PMM callers never yield while holding it.
type Manager struct {
	mu sync.Mutex
	log logr.Logger

	numFrames int
	bitmap    []uint64 // 1 bit per frame, set = used
	zones     [3]zoneRange
	used      [3]int
	reserved  [3]int
	totalUsed int

	hotCache []int // LIFO, most-recently-freed at the end
}

// New constructs a Manager over numFrames frames and reserves the first
// ReservedFrames of them.
func New(log logr.Logger, numFrames int) *Manager {
	m := &Manager{
		log:       log.WithName("pmm"),
		numFrames: numFrames,
		bitmap:    make([]uint64, (numFrames+63)/64),
	}
	m.zones = computeZones(numFrames)
	m.reserveRange(0, ReservedFrames)
	return m
}

func computeZones(numFrames int) [3]zoneRange {
	dmaEnd := clampFrames(dmaEndByte/PageSize, numFrames)
	normalEnd := clampFrames(normalEndByte/PageSize, numFrames)
	if normalEnd < dmaEnd {
		normalEnd = dmaEnd
	}
	return [3]zoneRange{
		ZoneDMA:    {start: 0, end: dmaEnd},
		ZoneNormal: {start: dmaEnd, end: normalEnd},
		ZoneHigh:   {start: normalEnd, end: numFrames},
	}
}

func clampFrames(n, max int) int {
	if n > max {
		return max
	}
	return n
}

func (m *Manager) zoneOf(frame int) Zone {
	for z := ZoneDMA; z < zoneCount; z++ {
		r := m.zones[z]
		if frame >= r.start && frame < r.end {
			return z
		}
	}
	return ZoneHigh
}

func (m *Manager) bitSet(frame int) bool {
	return m.bitmap[frame/64]&(1<<(uint(frame)%64)) != 0
}

func (m *Manager) setBit(frame int) {
	m.bitmap[frame/64] |= 1 << (uint(frame) % 64)
}

func (m *Manager) clearBit(frame int) {
	m.bitmap[frame/64] &^= 1 << (uint(frame) % 64)
}

// reserveRange permanently marks [start, end) used and reserved. Used only
// at construction; reservation is not a public runtime operation because
// spec.md §3 says reservation is permanent.
func (m *Manager) reserveRange(start, end int) {
	for f := start; f < end && f < m.numFrames; f++ {
		if !m.bitSet(f) {
			m.setBit(f)
			z := m.zoneOf(f)
			m.used[z]++
			m.totalUsed++
		}
		m.reserved[m.zoneOf(f)]++
	}
}

func (m *Manager) isReserved(frame int) bool {
	return frame < ReservedFrames
}

// AllocPage allocates any free frame, preferring the hot-cache, then
// scanning NORMAL, then DMA, then HIGH. It reports ok=false when every zone
// is exhausted; the caller decides whether that is fatal.
func (m *Manager) AllocPage() (frame int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked()
}

func (m *Manager) allocLocked() (int, bool) {
	if n := len(m.hotCache); n > 0 {
		// Cached frames are kept marked used the whole time they sit in the
		// hot-cache, so popping one hands out an already-accounted-for frame:
		// no markUsed, no counter bump.
		frame := m.hotCache[n-1]
		m.hotCache = m.hotCache[:n-1]
		return frame, true
	}
	for _, z := range []Zone{ZoneNormal, ZoneDMA, ZoneHigh} {
		if frame, ok := m.scanZone(z); ok {
			m.markUsed(frame)
			return frame, true
		}
	}
	return 0, false
}

// AllocPageFromZone allocates specifically from zone z, bypassing the
// hot-cache (which is not zone-partitioned) and the other zones.
func (m *Manager) AllocPageFromZone(z Zone) (frame int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frame, ok = m.scanZone(z)
	if ok {
		m.markUsed(frame)
	}
	return frame, ok
}

func (m *Manager) scanZone(z Zone) (int, bool) {
	r := m.zones[z]
	for f := r.start; f < r.end; f++ {
		if !m.bitSet(f) {
			return f, true
		}
	}
	return 0, false
}

func (m *Manager) inHotCache(frame int) bool {
	for _, f := range m.hotCache {
		if f == frame {
			return true
		}
	}
	return false
}

func (m *Manager) markUsed(frame int) {
	m.setBit(frame)
	z := m.zoneOf(frame)
	m.used[z]++
	m.totalUsed++
}

// AllocContiguous finds n consecutive free frames and marks them all used,
// returning the first frame index. It scans sequentially and, on hitting a
// used frame, resumes scanning immediately past it (each examined frame is
// advanced over exactly once — spec.md §9's Open Question on the original
// off-by-one is resolved this way: only termination and correctness of the
// returned span are load-bearing, not the original's re-examination).
func (m *Manager) AllocContiguous(n int) (start int, ok bool) {
	if n <= 0 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for f := 0; f < m.numFrames; f++ {
		if m.bitSet(f) {
			run = 0
			continue
		}
		run++
		if run == n {
			start = f - n + 1
			for i := start; i <= f; i++ {
				m.markUsed(i)
			}
			return start, true
		}
	}
	return 0, false
}

// FreePage returns a frame to the allocator. Freeing an out-of-bounds
// frame, a reserved frame, or an already-free frame (a double free) is not
// fatal: it is reported via kpanic.LogIgnore and otherwise ignored.
func (m *Manager) FreePage(frame int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame < 0 || frame >= m.numFrames {
		kpanic.LogIgnore(m.log, "free_page", fmt.Sprintf("frame %d out of bounds [0,%d)", frame, m.numFrames))
		return
	}
	if m.isReserved(frame) {
		kpanic.LogIgnore(m.log, "free_page", fmt.Sprintf("frame %d is in the permanently reserved range", frame))
		return
	}
	if !m.bitSet(frame) {
		kpanic.LogIgnore(m.log, "free_page", fmt.Sprintf("frame %d is already free (double free)", frame))
		return
	}
	// A cached frame's bit stays set, so the bitmap alone can't catch a
	// double free of it; check the cache too.
	if m.inHotCache(frame) {
		kpanic.LogIgnore(m.log, "free_page", fmt.Sprintf("frame %d is already free (double free)", frame))
		return
	}

	// A frame entering the hot-cache stays marked used — spec.md §3 counts
	// hot-cache frames as used — so only a frame that overflows the cache
	// (and is genuinely returned to the bitmap) clears its bit and the
	// counters.
	if len(m.hotCache) < HotCacheCapacity {
		m.hotCache = append(m.hotCache, frame)
		return
	}

	m.clearBit(frame)
	z := m.zoneOf(frame)
	m.used[z]--
	m.totalUsed--
}

// Check is the integrity self-check: it recomputes the used count by
// popcount over the bitmap and compares it against the tracked counter, and
// verifies every reserved frame is still marked used.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	popcount := 0
	for _, word := range m.bitmap {
		popcount += bits.OnesCount64(word)
	}
	if popcount != m.totalUsed {
		return fmt.Errorf("pmm: integrity check failed: popcount=%d tracked=%d", popcount, m.totalUsed)
	}
	for f := 0; f < ReservedFrames && f < m.numFrames; f++ {
		if !m.bitSet(f) {
			return fmt.Errorf("pmm: integrity check failed: reserved frame %d is not marked used", f)
		}
	}
	return nil
}

// Stats returns a snapshot of allocator state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalFrames:    m.numFrames,
		UsedFrames:     m.totalUsed,
		FreeFrames:     m.numFrames - m.totalUsed,
		ReservedFrames: ReservedFrames,
		HotCacheLen:    len(m.hotCache),
	}
	for z := ZoneDMA; z < zoneCount; z++ {
		r := m.zones[z]
		s.Zones[z] = ZoneStats{
			Zone:     z,
			Total:    r.end - r.start,
			Used:     m.used[z],
			Reserved: m.reserved[z],
		}
	}
	return s
}

// LogStats writes a human-readable summary of Stats using byte-size
// formatting, intended for the boot log.
func (m *Manager) LogStats() {
	s := m.Stats()
	total := bytesize.ByteSize(s.TotalFrames * PageSize)
	used := bytesize.ByteSize(s.UsedFrames * PageSize)
	m.log.Info("physical memory", "total", total.String(), "used", used.String(), "hotCache", s.HotCacheLen)
	for _, zs := range s.Zones {
		m.log.V(1).Info("zone", "zone", zs.Zone.String(),
			"total", bytesize.ByteSize(zs.Total*PageSize).String(),
			"used", bytesize.ByteSize(zs.Used*PageSize).String())
	}
}
