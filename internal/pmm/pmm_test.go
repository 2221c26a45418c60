package pmm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/pmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, frames int) *pmm.Manager {
	t.Helper()
	return pmm.New(logr.Discard(), frames)
}

// TestHotCacheLIFO is scenario S1 from spec.md §8: alloc, alloc, free(p1),
// alloc must return p1.
func TestHotCacheLIFO(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+16)

	p1, ok := m.AllocPage()
	require.True(t, ok)
	p2, ok := m.AllocPage()
	require.True(t, ok)
	require.NotEqual(t, p1, p2)

	m.FreePage(p1)
	p3, ok := m.AllocPage()
	require.True(t, ok)
	assert.Equal(t, p1, p3, "hot-cache must return the most recently freed frame first")
}

func TestReservedFramesNeverAllocated(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+4)
	for i := 0; i < 4; i++ {
		frame, ok := m.AllocPage()
		require.True(t, ok)
		assert.GreaterOrEqual(t, frame, pmm.ReservedFrames)
	}
	_, ok := m.AllocPage()
	assert.False(t, ok, "every non-reserved frame should now be exhausted")
}

func TestFreeReservedFrameIsIgnoredNotFatal(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+4)
	assert.NotPanics(t, func() {
		m.FreePage(0)
	})
	require.NoError(t, m.Check())
}

func TestDoubleFreeIsIgnoredNotFatal(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+4)
	frame, ok := m.AllocPage()
	require.True(t, ok)
	m.FreePage(frame)
	assert.NotPanics(t, func() {
		m.FreePage(frame)
	})
	require.NoError(t, m.Check())
}

func TestFreeOutOfBoundsIsIgnored(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+4)
	assert.NotPanics(t, func() {
		m.FreePage(-1)
		m.FreePage(1_000_000)
	})
}

func TestAllocContiguousFindsSpan(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+32)
	start, ok := m.AllocContiguous(8)
	require.True(t, ok)
	assert.GreaterOrEqual(t, start, pmm.ReservedFrames)

	statsBefore := m.Stats()
	assert.Equal(t, pmm.ReservedFrames+8, statsBefore.UsedFrames)
}

func TestAllocContiguousSkipsConflict(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+16)

	// Allocate a single frame (the first free one) so the contiguous scan
	// has to start past it.
	blocker, ok := m.AllocPage()
	require.True(t, ok)

	start, ok := m.AllocContiguous(4)
	require.True(t, ok)
	for f := start; f < start+4; f++ {
		assert.NotEqual(t, blocker, f)
	}
}

func TestIntegrityCheckPassesOnFreshManager(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+4)
	require.NoError(t, m.Check())
}

// TestPMMAccounting is testable property 1 from spec.md §8: the tracked
// used count always equals bitmap popcount, for arbitrary alloc/free
// sequences, and a reserved frame is never counted as free.
func TestPMMAccounting(t *testing.T) {
	m := newManager(t, pmm.ReservedFrames+64)
	var held []int
	for i := 0; i < 40; i++ {
		if i%3 == 0 && len(held) > 0 {
			m.FreePage(held[0])
			held = held[1:]
		} else {
			if f, ok := m.AllocPage(); ok {
				held = append(held, f)
			}
		}
		require.NoError(t, m.Check())
	}
	stats := m.Stats()
	assert.Equal(t, len(held)+pmm.ReservedFrames, stats.UsedFrames)
}
