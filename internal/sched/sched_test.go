package sched_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/arch"
	"github.com/lattice-os/corekernel/internal/sched"
	"github.com/lattice-os/corekernel/internal/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopSwitcher struct{}

func (noopSwitcher) Switch(old, new *arch.CPUContext)         {}
func (noopSwitcher) EnterRing3(entry, stack uintptr) error { return nil }

func newManager(t *testing.T) *sched.Manager {
	t.Helper()
	m := sched.New(logr.Discard(), noopSwitcher{})
	m.RegisterIdleTask()
	return m
}

func TestIdleFallbackWhenReadyQueueEmpty(t *testing.T) {
	m := newManager(t)
	assert.NotPanics(t, func() {
		next := m.Schedule()
		assert.Equal(t, "idle", m.Get(next).Name)
	})
}

// TestSchedulerFairnessWithinPriority is testable property 7 from
// spec.md §8: three NORMAL tasks each yielding in a loop all run within
// time_slice*3 ticks (here: within 3 Schedule rounds of each other).
func TestSchedulerFairnessWithinPriority(t *testing.T) {
	m := newManager(t)
	var tids []sched.TID
	for i := 0; i < 3; i++ {
		task := m.CreateTask("t", 1, access.USR, sched.NORMAL, nil, access.DefaultSandbox())
		tids = append(tids, task.TID)
	}

	seen := map[sched.TID]int{}
	for i := 0; i < 9; i++ {
		next := m.Schedule()
		seen[next]++
	}
	for _, tid := range tids {
		assert.GreaterOrEqual(t, seen[tid], 1, "every NORMAL task must be scheduled within a few rounds")
	}
}

func TestPreemptDisableSkipsTickReschedule(t *testing.T) {
	m := newManager(t)
	task := m.CreateTask("worker", 1, access.USR, sched.NORMAL, nil, access.DefaultSandbox())
	m.Schedule() // make task current

	m.PreemptDisable()
	for i := 0; i < sched.NORMAL.TimeSlice()+2; i++ {
		m.Tick()
	}
	assert.Equal(t, task.TID, m.Current(), "preempt-disable must suspend tick-driven reschedules")
	m.PreemptEnable()
}

// TestSleepWakesOnTime is testable property 8: a task sleeping N ticks is
// not READY again until at least N ticks have elapsed.
func TestSleepWakesOnTime(t *testing.T) {
	m := newManager(t)
	sleeper := m.CreateTask("sleeper", 1, access.USR, sched.NORMAL, nil, access.DefaultSandbox())
	m.Schedule() // becomes current

	wake := m.CurrentTick() + 5
	m.Sleep(wake)
	assert.Equal(t, sched.SLEEPING, m.Get(sleeper.TID).State)

	for i := uint64(0); i < 4; i++ {
		m.Tick()
		assert.Equal(t, sched.SLEEPING, m.Get(sleeper.TID).State, "must not wake before its wake_tick")
	}
	m.Tick() // fifth tick reaches wake
	assert.NotEqual(t, sched.SLEEPING, m.Get(sleeper.TID).State)
}

func TestForkWaitPid(t *testing.T) {
	m := newManager(t)
	parent := m.CreateTask("parent", 1, access.USR, sched.NORMAL, nil, access.DefaultSandbox())
	m.Schedule()
	require.Equal(t, parent.TID, m.Current())

	cloneAS := func(p *vmm.AddressSpace) (*vmm.AddressSpace, error) { return nil, nil }
	child, err := m.Fork(cloneAS, func(ctx *arch.CPUContext) { ctx.Regs[0] = 0 })
	require.NoError(t, err)
	assert.Contains(t, child.Name, "-fork")
	assert.Equal(t, parent.TID, child.Parent)

	m.Kill(child.TID, 0)
	reaped, status, blocked := m.WaitPid(-1, nil)
	assert.False(t, blocked)
	assert.Equal(t, child.TID, reaped)
	assert.Equal(t, 128, status)
}

func TestKernelTaskRegistrationRejectsDuplicateName(t *testing.T) {
	m := newManager(t)
	_, err := m.RegisterKernelTask("netdrv", sched.ServiceClassDriver)
	require.NoError(t, err)
	_, err = m.RegisterKernelTask("netdrv", sched.ServiceClassDriver)
	assert.Error(t, err)

	// Same name in a different class is fine.
	_, err = m.RegisterKernelTask("netdrv", sched.ServiceClassSubsystem)
	assert.NoError(t, err)
}

func TestKillNonSchedulableRoutesToStopHook(t *testing.T) {
	m := newManager(t)
	stopped := false
	m.SetStopHook(sched.ServiceClassDriver, func(task *sched.Task) error {
		stopped = true
		return nil
	})
	task, err := m.RegisterKernelTask("vgadrv", sched.ServiceClassDriver)
	require.NoError(t, err)

	require.NoError(t, m.Kill(task.TID, 0))
	assert.True(t, stopped)
}

func TestKillNonSchedulableWithoutHookRefused(t *testing.T) {
	m := newManager(t)
	task, err := m.RegisterKernelTask("rootsvc", sched.ServiceClassSubsystem)
	require.NoError(t, err)
	assert.Error(t, m.Kill(task.TID, 0))
}
