// Package vfs implements the virtual file system core of spec.md §4.E: the
// polymorphic node/operations vtable, mount table with longest-prefix
// resolution, per-session fd table, and path resolution including `~`
// expansion. Concrete backends (ramfs, diskfs, devfs, procfs) live in
// sibling packages and plug in by constructing Nodes with their own Ops.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/pkg/kernerr"
)

// NodeType is the kind of filesystem object a Node represents.
type NodeType int

const (
	TypeFile NodeType = iota
	TypeDir
	TypeCharDev
	TypeBlockDev
	TypePipe
	TypeSymlink
	TypeMountPoint
)

// OpenFlag mirrors the subset of POSIX open(2) flags spec.md §4.E needs.
type OpenFlag int

const (
	O_RDONLY OpenFlag = 1 << iota
	O_WRONLY
	O_RDWR
	O_CREAT
	O_TRUNC
	O_APPEND
)

// DirEntry is one entry returned by Ops.ReadDir.
type DirEntry struct {
	Name string
	Type NodeType
}

// StatInfo is the result of Ops.Stat.
type StatInfo struct {
	Inode uint64
	Type  NodeType
	Size  int64
	Perm  access.Descriptor
}

// Ops is the polymorphic node operations vtable. Every backend constructs
// its Nodes with its own Ops implementation; the core never type-switches
// on backend identity.
type Ops interface {
	Open(n *Node) error
	Close(n *Node) error
	Read(n *Node, offset int64, buf []byte) (int, error)
	Write(n *Node, offset int64, buf []byte) (int, error)
	FindDir(parent *Node, name string) (*Node, error)
	Create(parent *Node, name string, flags OpenFlag) (*Node, error)
	Unlink(parent *Node, name string) error
	Mkdir(parent *Node, name string) (*Node, error)
	ReadDir(n *Node, index int) (DirEntry, error)
	Stat(n *Node) (StatInfo, error)
}

// Node is the in-memory representation of a filesystem object, spec.md §3.
type Node struct {
	mu sync.Mutex

	Name   string
	Inode  uint64
	Type   NodeType
	Size   int64
	Flags  int
	Perm   access.Descriptor
	FSName string
	Ops    Ops
	Mount  *Mount // non-nil if this node is a mount point
	Private interface{}

	refCount int32
}

func (n *Node) acquire() {
	n.mu.Lock()
	n.refCount++
	n.mu.Unlock()
}

// Release drops a reference; at zero it flushes backend state via
// Ops.Close and the node becomes eligible for collection.
func (n *Node) Release() error {
	n.mu.Lock()
	n.refCount--
	zero := n.refCount <= 0
	n.mu.Unlock()
	if zero && n.Ops != nil {
		return n.Ops.Close(n)
	}
	return nil
}

// RefCount reports the current reference count, for tests and unmount
// checks.
func (n *Node) RefCount() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refCount
}

// Mount associates a path with the root of a mounted filesystem instance.
type Mount struct {
	Path  string
	Root  *Node
	FS    string
	Flags int
}

// OpenFile is (node reference, flags, offset, refcount); dup/dup2 share one
// by incrementing its refcount.
type OpenFile struct {
	Node    *Node
	Flags   OpenFlag
	Offset  int64
	refCount int32
}

// SessionID identifies the per-process VFS session (cwd + fd table). The
// caller supplies its own identifier space; boot's root session uses 0.
type SessionID int

// Session is a process's VFS-visible state: current working directory, the
// owning user for permission checks, and a fixed-size fd table.
type Session struct {
	ID        SessionID
	Cwd       string
	HomeDir   string
	OwnerID   uint32
	OwnerType access.OwnerType
	FDs       [32]*OpenFile
}

// Manager is the VFS: the mount table plus every active session.
type Manager struct {
	mu sync.Mutex
	log logr.Logger

	mounts   []*Mount
	sessions map[SessionID]*Session
	inodeSeq uint64
}

// New constructs an empty VFS with no mounts.
func New(log logr.Logger) *Manager {
	return &Manager{
		log:      log.WithName("vfs"),
		sessions: make(map[SessionID]*Session),
	}
}

// NextInode allocates a fresh inode number, for backends to use when
// constructing nodes.
func (m *Manager) NextInode() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inodeSeq++
	return m.inodeSeq
}

// Mount associates path with the root node of a filesystem instance. The
// mount root's refcount is pinned at +1 by the mount table itself.
func (m *Manager) Mount(path string, root *Node, fsName string, flags int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = cleanMountPath(path)
	for _, existing := range m.mounts {
		if existing.Path == path {
			return fmt.Errorf("vfs: %s is already a mount point", path)
		}
	}
	mnt := &Mount{Path: path, Root: root, FS: fsName, Flags: flags}
	root.acquire()
	root.Mount = mnt
	m.mounts = append(m.mounts, mnt)
	// Longest-prefix-first ordering makes resolution a simple linear scan.
	sort.Slice(m.mounts, func(i, j int) bool { return len(m.mounts[i].Path) > len(m.mounts[j].Path) })
	return nil
}

// Unmount removes the mount at path. It is refused while the mount root's
// refcount is above the mount table's own pin; references held on other
// nodes of that filesystem are not checked.
func (m *Manager) Unmount(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = cleanMountPath(path)
	for i, mnt := range m.mounts {
		if mnt.Path != path {
			continue
		}
		if mnt.Root.RefCount() > 1 {
			return fmt.Errorf("vfs: %s is busy", path)
		}
		m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)
		mnt.Root.Mount = nil
		return mnt.Root.Release()
	}
	return kernerr.ENOTFOUND
}

func cleanMountPath(p string) string {
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// longestMount returns the mount whose path is the longest prefix of path.
func (m *Manager) longestMount(path string) *Mount {
	for _, mnt := range m.mounts { // already sorted longest-first
		if mnt.Path == "/" || path == mnt.Path || strings.HasPrefix(path, mnt.Path+"/") {
			return mnt
		}
	}
	return nil
}

// Mounts returns a longest-prefix-first snapshot of the mount table, for
// introspection (e.g. /proc or a boot-time dump) rather than resolution.
func (m *Manager) Mounts() []Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mount, len(m.mounts))
	for i, mnt := range m.mounts {
		out[i] = *mnt
	}
	return out
}

// NewSession creates a fresh VFS session rooted at "/" for a process.
func (m *Manager) NewSession(id SessionID, ownerID uint32, ownerType access.OwnerType, homeDir string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{ID: id, Cwd: "/", HomeDir: homeDir, OwnerID: ownerID, OwnerType: ownerType}
	m.sessions[id] = s
	return s
}

// CloseSession releases every open file in a session's fd table.
func (m *Manager) CloseSession(id SessionID) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		return
	}
	for i := range s.FDs {
		if s.FDs[i] != nil {
			m.closeFD(s, i)
		}
	}
}

// Normalize collapses `.`/`..`/duplicate slashes and expands a leading `~`
// to the session's home directory, per spec.md §4.E.
func Normalize(path string, s *Session) string {
	if path == "" {
		path = "."
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		path = s.HomeDir + path[1:]
	}
	abs := path
	if !strings.HasPrefix(abs, "/") {
		abs = s.Cwd + "/" + abs
	}
	parts := strings.Split(abs, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	return "/" + strings.Join(stack, "/")
}

// resolve walks path component-by-component from the longest matching
// mount's root, transparently crossing further mount points it encounters
// along the way.
func (m *Manager) resolve(path string, s *Session) (*Node, error) {
	m.mu.Lock()
	mnt := m.longestMount(path)
	m.mu.Unlock()
	if mnt == nil {
		return nil, kernerr.ENOTFOUND
	}

	rel := strings.TrimPrefix(path, mnt.Path)
	rel = strings.TrimPrefix(rel, "/")

	current := mnt.Root
	current.acquire()

	if rel == "" {
		return current, nil
	}

	crossMount := func(n *Node) *Node {
		if n.Mount == nil || n == mnt.Root {
			return n
		}
		n.Mount.Root.acquire()
		_ = n.Release()
		return n.Mount.Root
	}

	current = crossMount(current)
	for _, comp := range strings.Split(rel, "/") {
		if comp == "" {
			continue
		}
		child, err := current.Ops.FindDir(current, comp)
		_ = current.Release()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, kernerr.ENOTFOUND
		}
		child.acquire()
		current = crossMount(child)
	}
	return current, nil
}

// Resolve is the public path-resolution entry point: normalize then walk.
func (m *Manager) Resolve(path string, s *Session) (*Node, error) {
	return m.resolve(Normalize(path, s), s)
}

