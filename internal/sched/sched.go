// Package sched implements the process table and preemptive priority
// scheduler of spec.md §4.D.
package sched

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/arch"
	"github.com/lattice-os/corekernel/internal/vmm"
)

// Priority is one of the five scheduling classes, each with its own fixed
// time slice.
type Priority int

const (
	IDLE Priority = iota
	LOW
	NORMAL
	HIGH
	REALTIME
	priorityCount
)

// TimeSlice returns the fixed tick allotment for a priority level.
func (p Priority) TimeSlice() int {
	return [priorityCount]int{1, 5, 10, 15, 20}[p]
}

// State is a task's scheduling state.
type State int

const (
	READY State = iota
	RUNNING
	BLOCKED
	SLEEPING
	ZOMBIE
	DEAD
)

// TID identifies a task. TIDs are never reused while a task's slot is
// occupied; 0 is never a valid TID.
type TID int

// Task is a process/task table entry, spec.md §3.
type Task struct {
	TID         TID
	Name        string
	OwnerID     uint32
	OwnerType   access.OwnerType
	Sandbox     access.Sandbox
	AddressSpace *vmm.AddressSpace
	KernelStackTop uintptr
	Context     arch.CPUContext

	State      State
	Priority   Priority
	TimeSlice  int
	WakeTick   uint64
	ExitStatus int

	Parent   TID
	Children []TID

	FDs      [32]int
	Privilege int // 0 or 3

	Schedulable bool
	ServiceClass ServiceClass
}

// ServiceClass buckets non-schedulable kernel task registrations, grounded
// on the teacher's CollectorRegistry's two-bucket point/continuous split
// (see DESIGN.md). kill() routes to the class-specific stop hook.
type ServiceClass int

const (
	ServiceClassNone ServiceClass = iota
	ServiceClassDriver
	ServiceClassSubsystem
)

// StopHook is invoked when kill targets a non-schedulable task.
type StopHook func(t *Task) error

// Manager is the process table and scheduler. Single-CPU, cooperative plus
// timer-driven preemption gated by preemptDisable, per spec.md §4.D/§5.
type Manager struct {
	mu sync.Mutex
	log logr.Logger

	tasks map[TID]*Task
	nextTID TID

	ready [priorityCount][]TID
	sleeping []TID // unsorted; scanned each tick, fine at kernel scale

	current TID
	idle    TID

	preemptDisable int
	tick           uint64

	registryNames map[ServiceClass]map[string]TID
	stopHooks     map[ServiceClass]StopHook

	switcher arch.ContextSwitcher
}

// New constructs an empty scheduler. RegisterIdleTask must be called before
// any Tick/Schedule to satisfy the idle-process-exists invariant.
func New(log logr.Logger, switcher arch.ContextSwitcher) *Manager {
	return &Manager{
		log:           log.WithName("sched"),
		tasks:         make(map[TID]*Task),
		nextTID:       1,
		registryNames: map[ServiceClass]map[string]TID{ServiceClassDriver: {}, ServiceClassSubsystem: {}},
		stopHooks:     map[ServiceClass]StopHook{},
		switcher:      switcher,
	}
}

// SetStopHook installs the stop/unload hook kill() invokes for a
// non-schedulable task of the given class.
func (m *Manager) SetStopHook(class ServiceClass, hook StopHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHooks[class] = hook
}

func (m *Manager) allocTID() TID {
	tid := m.nextTID
	m.nextTID++
	return tid
}

// newTaskLocked creates a task table entry with defaults common to every
// creation path.
func (m *Manager) newTaskLocked(name string, ownerID uint32, ownerType access.OwnerType, priority Priority, parent TID) *Task {
	t := &Task{
		TID:         m.allocTID(),
		Name:        name,
		OwnerID:     ownerID,
		OwnerType:   ownerType,
		State:       READY,
		Priority:    priority,
		TimeSlice:   priority.TimeSlice(),
		Parent:      parent,
		Schedulable: true,
	}
	for i := range t.FDs {
		t.FDs[i] = -1
	}
	m.tasks[t.TID] = t
	return t
}

// RegisterIdleTask creates the priority-0 halt-loop task the scheduler
// falls back to when no other task is ready.
func (m *Manager) RegisterIdleTask() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.newTaskLocked("idle", 0, access.SYSTEMOwner, IDLE, 0)
	m.idle = t.TID
	m.enqueueReadyLocked(t)
	return t
}

// CreateTask creates a fresh schedulable task and enqueues it READY. This
// is the non-fork creation path (used for the kernel's own initial task and
// similar bootstrap entries).
func (m *Manager) CreateTask(name string, ownerID uint32, ownerType access.OwnerType, priority Priority, as *vmm.AddressSpace, sandbox access.Sandbox) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.newTaskLocked(name, ownerID, ownerType, priority, 0)
	t.AddressSpace = as
	t.Sandbox = sandbox
	m.enqueueReadyLocked(t)
	return t
}

func (m *Manager) enqueueReadyLocked(t *Task) {
	if !t.Schedulable {
		return
	}
	t.State = READY
	m.ready[t.Priority] = append(m.ready[t.Priority], t.TID)
}

// Get returns the task for tid, or nil if it does not exist.
func (m *Manager) Get(tid TID) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[tid]
}

// Current returns the currently RUNNING task's TID.
func (m *Manager) Current() TID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PreemptDisable increments the preemption-disable nesting counter. While
// non-zero, tick-driven reschedules are skipped; explicit yield/sleep still
// work.
func (m *Manager) PreemptDisable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preemptDisable++
}

// PreemptEnable decrements the nesting counter.
func (m *Manager) PreemptEnable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preemptDisable > 0 {
		m.preemptDisable--
	}
}

// selectNextLocked scans ready queues highest-to-lowest and dequeues the
// head, falling back to idle. It panics only if idle itself has not been
// registered, matching spec.md §4.D's invariant.
func (m *Manager) selectNextLocked() TID {
	for p := REALTIME; p >= IDLE; p-- {
		q := m.ready[p]
		if len(q) > 0 {
			next := q[0]
			m.ready[p] = q[1:]
			return next
		}
	}
	if m.idle == 0 {
		panic("sched: no ready task and no idle task registered")
	}
	return m.idle
}

// Schedule picks the next task to run, performs the context switch via the
// ContextSwitcher, and returns its TID. The caller (boot orchestration or
// the tick handler) is responsible for calling this at a legitimate
// suspension point.
func (m *Manager) Schedule() TID {
	m.mu.Lock()
	old := m.current
	var oldCtx, newCtx *arch.CPUContext
	if old != 0 {
		if t := m.tasks[old]; t != nil {
			if t.State == RUNNING {
				m.enqueueReadyLocked(t)
			}
			oldCtx = &t.Context
		}
	}
	next := m.selectNextLocked()
	nt := m.tasks[next]
	nt.State = RUNNING
	nt.TimeSlice = nt.Priority.TimeSlice()
	m.current = next
	newCtx = &nt.Context
	m.mu.Unlock()

	if m.switcher != nil && oldCtx != nil {
		m.switcher.Switch(oldCtx, newCtx)
	}
	return next
}

// Yield voluntarily gives up the CPU, re-enqueuing the current task READY
// (if still schedulable) and scheduling the next one.
func (m *Manager) Yield() {
	m.Schedule()
}

// Sleep blocks the current task until wakeTick, moving it to SLEEPING.
func (m *Manager) Sleep(wakeTick uint64) {
	m.mu.Lock()
	t := m.tasks[m.current]
	t.State = SLEEPING
	t.WakeTick = wakeTick
	m.sleeping = append(m.sleeping, t.TID)
	m.mu.Unlock()
	m.Schedule()
}

// Tick is the timer-driven entry point: it increments the global tick
// counter, wakes any sleeping task whose wake_tick has arrived, decrements
// the running task's time slice, and reschedules if the slice is exhausted
// and preemption is enabled.
func (m *Manager) Tick() {
	m.mu.Lock()
	m.tick++
	currentTick := m.tick

	var woken []TID
	remaining := m.sleeping[:0]
	for _, tid := range m.sleeping {
		t := m.tasks[tid]
		if t != nil && t.WakeTick <= currentTick {
			woken = append(woken, tid)
		} else {
			remaining = append(remaining, tid)
		}
	}
	m.sleeping = remaining
	for _, tid := range woken {
		m.enqueueReadyLocked(m.tasks[tid])
	}

	exhausted := false
	if cur := m.tasks[m.current]; cur != nil {
		cur.TimeSlice--
		if cur.TimeSlice <= 0 && m.preemptDisable == 0 {
			exhausted = true
		}
	}
	m.mu.Unlock()

	if exhausted {
		m.Schedule()
	}
}

// CurrentTick returns the global tick counter.
func (m *Manager) CurrentTick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// Fork duplicates the current task: a fresh address space (a full copy, as
// spec.md permits), "-fork" appended to the name, the saved context cloned
// with the child's return value forced to 0, and the child linked into the
// parent's children list and enqueued.
func (m *Manager) Fork(cloneAddressSpace func(parent *vmm.AddressSpace) (*vmm.AddressSpace, error), zeroReturnValue func(ctx *arch.CPUContext)) (*Task, error) {
	m.mu.Lock()
	parent := m.tasks[m.current]
	if !parent.Sandbox.CheckChildren() {
		m.mu.Unlock()
		return nil, fmt.Errorf("sched: fork: child-process budget exceeded")
	}
	m.mu.Unlock()

	var childAS *vmm.AddressSpace
	var err error
	if cloneAddressSpace != nil {
		childAS, err = cloneAddressSpace(parent.AddressSpace)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	child := m.newTaskLocked(parent.Name+"-fork", parent.OwnerID, parent.OwnerType, parent.Priority, parent.TID)
	child.AddressSpace = childAS
	child.Sandbox = access.InheritSandbox(parent.Sandbox)
	child.Context = parent.Context
	if zeroReturnValue != nil {
		zeroReturnValue(&child.Context)
	}
	parent.Children = append(parent.Children, child.TID)
	parent.Sandbox.ReserveChild()
	m.enqueueReadyLocked(child)
	return child, nil
}

// WaitPid implements spec.md §4.D's waitpid: if a matching child is already
// ZOMBIE, harvest its exit status, destroy its address space via
// destroyAddressSpace, decrement the parent's child counter, and mark it
// DEAD. Otherwise block the caller; the wakeup path is Exit() enqueuing the
// blocked parent.
func (m *Manager) WaitPid(pid TID, destroyAddressSpace func(*vmm.AddressSpace) error) (reapedTID TID, status int, blocked bool) {
	m.mu.Lock()
	parent := m.tasks[m.current]

	for _, childTID := range parent.Children {
		child := m.tasks[childTID]
		if child == nil || child.State != ZOMBIE {
			continue
		}
		if pid != -1 && child.TID != pid {
			continue
		}
		status = child.ExitStatus
		as := child.AddressSpace
		child.State = DEAD
		removeChild(parent, childTID)
		parent.Sandbox.ReleaseChild()
		m.mu.Unlock()
		if destroyAddressSpace != nil && as != nil {
			_ = destroyAddressSpace(as)
		}
		return childTID, status, false
	}

	parent.State = BLOCKED
	m.mu.Unlock()
	m.Schedule()
	return 0, 0, true
}

func removeChild(parent *Task, tid TID) {
	for i, c := range parent.Children {
		if c == tid {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

// Exit transitions the current schedulable task to ZOMBIE with the given
// exit status and wakes its parent if blocked in waitpid.
func (m *Manager) Exit(status int) {
	m.mu.Lock()
	t := m.tasks[m.current]
	t.State = ZOMBIE
	t.ExitStatus = status
	// Address space teardown is the caller's (vmm's) job; sched only marks
	// the task ZOMBIE, matching the reap path in WaitPid which calls back
	// out for destruction before marking DEAD.
	parent := m.tasks[t.Parent]
	if parent != nil && parent.State == BLOCKED {
		m.enqueueReadyLocked(parent)
	}
	m.mu.Unlock()
	m.Schedule()
}

// Kill implements spec.md §4.D's kill: on a schedulable task it sets
// exit-status = 128+signal and transitions to ZOMBIE, waking the parent. On
// a non-schedulable task it routes by ServiceClass to the registered stop
// hook; killing a non-schedulable task with no service class, or whose class
// has no registered stop hook, is refused.
func (m *Manager) Kill(tid TID, signal int) error {
	m.mu.Lock()
	t := m.tasks[tid]
	if t == nil {
		m.mu.Unlock()
		return fmt.Errorf("sched: kill: no such task %d", tid)
	}
	if !t.Schedulable {
		class := t.ServiceClass
		hook := m.stopHooks[class]
		m.mu.Unlock()
		if class == ServiceClassNone || hook == nil {
			return fmt.Errorf("sched: kill: task %d is a non-schedulable root with no stop hook", tid)
		}
		return hook(t)
	}
	t.ExitStatus = 128 + signal
	t.State = ZOMBIE
	parent := m.tasks[t.Parent]
	if parent != nil && parent.State == BLOCKED {
		m.enqueueReadyLocked(parent)
	}
	m.mu.Unlock()
	return nil
}

// RegisterKernelTask registers a non-schedulable kernel service task
// (driver or subsystem): it occupies a TID for observability but is never
// enqueued to run. Duplicate names within the same class are rejected,
// mirroring the teacher's CollectorRegistry duplicate-metric-type check
// (see DESIGN.md).
func (m *Manager) RegisterKernelTask(name string, class ServiceClass) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registryNames[class][name]; exists {
		return nil, fmt.Errorf("sched: kernel task %q already registered in class %v", name, class)
	}
	t := m.newTaskLocked(name, 0, access.SYSTEMOwner, IDLE, 0)
	t.Schedulable = false
	t.ServiceClass = class
	t.State = DEAD // never runnable; DEAD best expresses "not in any queue"
	m.registryNames[class][name] = t.TID
	return t, nil
}

// Snapshot returns every task in the table, for procfs.
func (m *Manager) Snapshot() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}
