package sim_test

import (
	"testing"

	"github.com/lattice-os/corekernel/internal/arch/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroFrame(t *testing.T) {
	m := sim.NewMachine(4)
	m.WriteEntry(0, 0, 0xdeadbeef)
	m.ZeroFrame(0)
	assert.Equal(t, uint64(0), m.ReadEntry(0, 0))
}

func TestEntryRoundTrip(t *testing.T) {
	m := sim.NewMachine(4)
	m.WriteEntry(sim.PageSize, 3, 0x1122334455667788)
	assert.Equal(t, uint64(0x1122334455667788), m.ReadEntry(sim.PageSize, 3))
}

func TestWriteRootFlushesOnlyOnChange(t *testing.T) {
	m := sim.NewMachine(4)
	m.WriteRoot(0)
	require.Equal(t, 1, m.FlushCount())
	m.WriteRoot(0)
	assert.Equal(t, 1, m.FlushCount(), "writing the same root must not flush again")
	m.WriteRoot(sim.PageSize)
	assert.Equal(t, 2, m.FlushCount())
}

func TestEnterRing3RejectsNilEntryOrStack(t *testing.T) {
	m := sim.NewMachine(1)
	require.Error(t, m.EnterRing3(0, 0x1000))
	require.Error(t, m.EnterRing3(0x1000, 0))

	require.NoError(t, m.EnterRing3(0x400000, 0x7fff0000))
	entered, entry, stack := m.Ring3Entered()
	assert.True(t, entered)
	assert.EqualValues(t, 0x400000, entry)
	assert.EqualValues(t, 0x7fff0000, stack)
}
