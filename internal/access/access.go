// Package access implements the file-permission decision table and the
// per-process sandbox of spec.md §4.C.
package access

import (
	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/pkg/ringbuffer"
)

// Bit is one of the seven per-file access flags.
type Bit uint8

const (
	VIEW Bit = 1 << iota
	MODIFY
	RUN
	DELETE
	OWNER
	SYSTEM
	HIDDEN
	LOCK
)

// Kind is the operation being checked against a descriptor.
type Kind int

const (
	CheckVIEW Kind = iota
	CheckMODIFY
	CheckRUN
	CheckDELETE
	CheckOWN
)

func (k Kind) requiredBit() Bit {
	switch k {
	case CheckVIEW:
		return VIEW
	case CheckMODIFY:
		return MODIFY
	case CheckRUN:
		return RUN
	case CheckDELETE:
		return DELETE
	default:
		return 0 // CheckOWN is resolved by owner-tuple match, not a bit.
	}
}

// OwnerType is one of the six privilege tiers, ordered by privilege.
type OwnerType int

const (
	SYSTEMOwner OwnerType = iota
	ROOT
	ADMIN
	PRGMS
	USR
	BASIC
)

// Descriptor is the permission descriptor attached to every VFS node
// (spec.md §3's file_access).
type Descriptor struct {
	OwnerID    uint32
	OwnerType  OwnerType
	OwnerBits  Bit
	OtherBits  Bit
	SystemFlag bool
}

// DefaultDescriptor returns the default permission descriptor for a newly
// created node owned by ownerType, per spec.md §4.C: SYSTEM files get owner
// full plus others VIEW and the SYSTEM flag set; BASIC files get broad
// access; everything else gets owner full, others none.
func DefaultDescriptor(ownerID uint32, ownerType OwnerType) Descriptor {
	const fullBits = VIEW | MODIFY | RUN | DELETE | OWNER
	switch ownerType {
	case SYSTEMOwner:
		return Descriptor{OwnerID: ownerID, OwnerType: ownerType, OwnerBits: fullBits, OtherBits: VIEW, SystemFlag: true}
	case BASIC:
		return Descriptor{OwnerID: ownerID, OwnerType: ownerType, OwnerBits: fullBits, OtherBits: VIEW | MODIFY | RUN}
	default:
		return Descriptor{OwnerID: ownerID, OwnerType: ownerType, OwnerBits: fullBits, OtherBits: 0}
	}
}

func isOwner(d Descriptor, requesterID uint32, requesterType OwnerType) bool {
	return d.OwnerID == requesterID && d.OwnerType == requesterType
}

// Check evaluates the decision table from spec.md §4.C, top to bottom.
func Check(d Descriptor, requesterID uint32, requesterType OwnerType, kind Kind) bool {
	owner := isOwner(d, requesterID, requesterType)

	switch requesterType {
	case SYSTEMOwner:
		return true
	case ROOT:
		if d.SystemFlag {
			if owner {
				return true
			}
			return kind == CheckVIEW
		}
		return true
	case ADMIN:
		if d.SystemFlag {
			return kind == CheckVIEW
		}
		if d.OwnerType == USR || d.OwnerType == PRGMS {
			return true
		}
		// ADMIN against a non-USR/PRGMS target with SYSTEM clear: fall
		// through to the bit check below.
	}

	// Bit-check fall-through, reached by ADMIN-falls-through and "other".
	if kind == CheckOWN {
		return owner
	}
	bits := d.OtherBits
	if owner {
		bits = d.OwnerBits
	}
	if bits&LOCK != 0 {
		return kind == CheckVIEW
	}
	// Modifying implies reading: MODIFY also needs the VIEW bit.
	if kind == CheckMODIFY && bits&VIEW == 0 {
		return false
	}
	return bits&kind.requiredBit() != 0
}

// Sandbox is the per-process capability/resource-limit set of spec.md §3.
type Sandbox struct {
	CageLevel   CageLevel
	Immutable   bool
	MaxMemory   uint64
	MaxFiles    int
	MaxChildren int
	MaxCPUTicks uint64
	MaxFileSize uint64

	usedMemory   uint64
	usedFiles    int
	usedChildren int
	usedCPUTicks uint64
}

// CageLevel is the sandbox's coarse capability tier.
type CageLevel int

const (
	CageNone CageLevel = iota
	CageLight
	CageStrict
	CageIsolated
)

// DefaultSandbox returns the LIGHT-cage sandbox assigned when no parent
// cage is inherited.
func DefaultSandbox() Sandbox {
	return Sandbox{CageLevel: CageLight}
}

// InheritSandbox returns the sandbox a child process starts with: the
// parent's sandbox verbatim if the parent has a non-NONE cage, otherwise a
// fresh LIGHT-cage default. The child is never IMMUTABLE regardless of the
// parent, since immutability is a property applied to a specific process,
// not inherited.
func InheritSandbox(parent Sandbox) Sandbox {
	if parent.CageLevel == CageNone {
		return DefaultSandbox()
	}
	child := parent
	child.Immutable = false
	child.usedMemory, child.usedFiles, child.usedChildren, child.usedCPUTicks = 0, 0, 0, 0
	return child
}

// budgetAllows checks a requested increment against a limit; zero means
// unlimited.
func budgetAllows(limit, used, request uint64) bool {
	if limit == 0 {
		return true
	}
	return used+request <= limit
}

// CheckMemory reports whether allocating requestBytes more would stay
// within the sandbox's memory budget.
func (s *Sandbox) CheckMemory(requestBytes uint64) bool {
	return budgetAllows(s.MaxMemory, s.usedMemory, requestBytes)
}

// ReserveMemory commits requestBytes against the budget. Caller must have
// already checked CheckMemory.
func (s *Sandbox) ReserveMemory(requestBytes uint64) { s.usedMemory += requestBytes }

// ReleaseMemory returns requestBytes to the budget.
func (s *Sandbox) ReleaseMemory(requestBytes uint64) {
	if requestBytes > s.usedMemory {
		s.usedMemory = 0
		return
	}
	s.usedMemory -= requestBytes
}

// CheckFiles reports whether opening one more file stays within budget.
func (s *Sandbox) CheckFiles() bool {
	return budgetAllows(uint64(s.MaxFiles), uint64(s.usedFiles), 1)
}

// ReserveFile / ReleaseFile track open file descriptor counts.
func (s *Sandbox) ReserveFile() { s.usedFiles++ }
func (s *Sandbox) ReleaseFile() {
	if s.usedFiles > 0 {
		s.usedFiles--
	}
}

// CheckChildren reports whether forking one more child stays within budget.
func (s *Sandbox) CheckChildren() bool {
	return budgetAllows(uint64(s.MaxChildren), uint64(s.usedChildren), 1)
}

func (s *Sandbox) ReserveChild() { s.usedChildren++ }
func (s *Sandbox) ReleaseChild() {
	if s.usedChildren > 0 {
		s.usedChildren--
	}
}

// CheckCPUTicks reports whether consuming requestTicks more stays within
// the CPU time budget.
func (s *Sandbox) CheckCPUTicks(requestTicks uint64) bool {
	return budgetAllows(s.MaxCPUTicks, s.usedCPUTicks, requestTicks)
}

func (s *Sandbox) ReserveCPUTicks(requestTicks uint64) { s.usedCPUTicks += requestTicks }

// CheckFileSize reports whether a file may grow to size bytes.
func (s *Sandbox) CheckFileSize(size uint64) bool {
	return s.MaxFileSize == 0 || size <= s.MaxFileSize
}

// Relation describes the caller/target relationship for ApplyToProcess's
// authorization rule.
type Relation int

const (
	RelationOther Relation = iota
	RelationSelf
	RelationDirectChild
)

// ApplyToProcess reports whether callerType may overwrite target's sandbox,
// per spec.md §4.C: only SYSTEM/ROOT callers, or the target itself, or the
// target's direct parent, and never against an IMMUTABLE target. On
// success it copies next into *target; on failure *target is untouched.
func ApplyToProcess(target *Sandbox, callerType OwnerType, relation Relation, next Sandbox) bool {
	if target.Immutable {
		return false
	}
	authorized := callerType == SYSTEMOwner || callerType == ROOT ||
		relation == RelationSelf || relation == RelationDirectChild
	if !authorized {
		return false
	}
	*target = next
	return true
}

// DenialRecord is one entry in the access-denial audit trail.
type DenialRecord struct {
	RequesterID   uint32
	RequesterType OwnerType
	TargetOwner   uint32
	Kind          Kind
}

// Auditor wraps a bounded ring of recent denial decisions, exposed
// read-only through procfs at /proc/access/denials. This is not named in
// spec.md's decision table itself; it is the lightweight audit trail every
// permission checker in the reference pack carries (see DESIGN.md).
type Auditor struct {
	log  logr.Logger
	ring *ringbuffer.RingBuffer[DenialRecord]
}

// NewAuditor constructs an Auditor retaining the last capacity denials.
func NewAuditor(log logr.Logger, capacity int) (*Auditor, error) {
	ring, err := ringbuffer.New[DenialRecord](capacity)
	if err != nil {
		return nil, err
	}
	return &Auditor{log: log.WithName("access.audit"), ring: ring}, nil
}

// CheckAudited calls Check and, on denial, records it in the audit ring.
func (a *Auditor) CheckAudited(d Descriptor, requesterID uint32, requesterType OwnerType, kind Kind) bool {
	allowed := Check(d, requesterID, requesterType, kind)
	if !allowed {
		rec := DenialRecord{RequesterID: requesterID, RequesterType: requesterType, TargetOwner: d.OwnerID, Kind: kind}
		a.ring.Push(rec)
		a.log.V(1).Info("access denied", "requester", requesterID, "requesterType", requesterType, "targetOwner", d.OwnerID, "kind", kind)
	}
	return allowed
}

// Denials returns a snapshot of the most recent denial records, oldest
// first.
func (a *Auditor) Denials() []DenialRecord {
	return a.ring.GetAll()
}
