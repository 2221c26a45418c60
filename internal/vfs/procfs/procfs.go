// Package procfs is the read-only introspection VFS backend: each node's
// content is a plain struct-to-text marshaling of another subsystem's live
// state, regenerated on every Open. No backing library fits a view over
// in-process Go state, so this backend is built on the standard library
// alone (see DESIGN.md).
package procfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/pkg/kernerr"
)

// Generator renders a procfs file's current content on demand.
type Generator func() string

type fileData struct {
	gen     Generator
	snapshot []byte
	mu      sync.Mutex
}

// FS is a procfs instance: a fixed tree of generator-backed nodes.
type FS struct {
	vfsMgr *vfs.Manager
	ops    vfs.Ops
	root   *vfs.Node
	dirs   map[string]*vfs.Node // path -> dir node, keyed by full path
	files  map[string]*fileData
}

// New constructs a procfs instance. Call RegisterFile to add views; the
// conventional /proc/meminfo, /proc/tasks, /proc/net/tcp, and
// /proc/access/denials are wired up by the boot orchestrator.
func New(vfsMgr *vfs.Manager) (*FS, *vfs.Node) {
	fs := &FS{vfsMgr: vfsMgr, dirs: map[string]*vfs.Node{}, files: map[string]*fileData{}}
	fs.ops = fs
	fs.root = fs.newDir("/")
	fs.dirs["/"] = fs.root
	return fs, fs.root
}

func (fs *FS) newDir(name string) *vfs.Node {
	return &vfs.Node{
		Name:    name,
		Inode:   fs.vfsMgr.NextInode(),
		Type:    vfs.TypeDir,
		Perm:    access.DefaultDescriptor(0, access.SYSTEMOwner),
		FSName:  "procfs",
		Ops:     fs.ops,
		Private: &dirData{},
	}
}

type dirData struct {
	children []string
}

// RegisterFile installs a generator-backed file at path (e.g.
// "/meminfo", "/net/tcp"), creating any intermediate directories.
func (fs *FS) RegisterFile(path string, gen Generator) *vfs.Node {
	dirPath, name := splitPath(path)
	dir := fs.ensureDir(dirPath)
	n := &vfs.Node{
		Name:   name,
		Inode:  fs.vfsMgr.NextInode(),
		Type:   vfs.TypeFile,
		Perm:   access.DefaultDescriptor(0, access.SYSTEMOwner),
		FSName: "procfs",
		Ops:    fs.ops,
	}
	fs.files[path] = &fileData{gen: gen}
	n.Private = path
	dd := dir.Private.(*dirData)
	dd.children = append(dd.children, name)
	return n
}

func splitPath(p string) (dir, name string) {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/", p[idx+1:]
	}
	return p[:idx], p[idx+1:]
}

func (fs *FS) ensureDir(path string) *vfs.Node {
	if d, ok := fs.dirs[path]; ok {
		return d
	}
	parentPath, name := splitPath(path)
	parent := fs.ensureDir(parentPath)
	d := fs.newDir(name)
	fs.dirs[path] = d
	pd := parent.Private.(*dirData)
	pd.children = append(pd.children, name)
	return d
}

func (fs *FS) Open(n *vfs.Node) error {
	p, ok := n.Private.(string)
	if !ok {
		return nil
	}
	fd := fs.files[p]
	if fd == nil {
		return kernerr.ENOTFOUND
	}
	fd.mu.Lock()
	fd.snapshot = []byte(fd.gen())
	n.Size = int64(len(fd.snapshot))
	fd.mu.Unlock()
	return nil
}

func (fs *FS) Close(n *vfs.Node) error { return nil }

func (fs *FS) Read(n *vfs.Node, offset int64, buf []byte) (int, error) {
	p, ok := n.Private.(string)
	if !ok {
		return 0, kernerr.EISDIR
	}
	fd := fs.files[p]
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if offset >= int64(len(fd.snapshot)) {
		return 0, nil
	}
	return copy(buf, fd.snapshot[offset:]), nil
}

func (fs *FS) Write(n *vfs.Node, offset int64, buf []byte) (int, error) {
	return 0, kernerr.EPERM
}

func (fs *FS) FindDir(parent *vfs.Node, name string) (*vfs.Node, error) {
	for path, dir := range fs.dirs {
		if dir == parent {
			child := path
			if child != "/" {
				child += "/"
			}
			child += name
			if d, ok := fs.dirs[child]; ok {
				return d, nil
			}
			if _, ok := fs.files[child]; ok {
				return fs.fileNode(child), nil
			}
		}
	}
	return nil, kernerr.ENOTFOUND
}

// fileNode rebuilds the lightweight Node wrapper for an already-registered
// file path; content nodes are stateless aside from the shared fileData.
func (fs *FS) fileNode(path string) *vfs.Node {
	_, name := splitPath(path)
	return &vfs.Node{
		Name:    name,
		Inode:   fs.vfsMgr.NextInode(),
		Type:    vfs.TypeFile,
		Perm:    access.DefaultDescriptor(0, access.SYSTEMOwner),
		FSName:  "procfs",
		Ops:     fs.ops,
		Private: path,
	}
}

func (fs *FS) Create(parent *vfs.Node, name string, flags vfs.OpenFlag) (*vfs.Node, error) {
	return nil, kernerr.EPERM
}

func (fs *FS) Unlink(parent *vfs.Node, name string) error { return kernerr.EPERM }
func (fs *FS) Mkdir(parent *vfs.Node, name string) (*vfs.Node, error) {
	return nil, kernerr.EPERM
}

func (fs *FS) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, error) {
	dd, ok := n.Private.(*dirData)
	if !ok {
		return vfs.DirEntry{}, kernerr.ENOTDIR
	}
	names := append([]string(nil), dd.children...)
	sort.Strings(names)
	if index < 0 || index >= len(names) {
		return vfs.DirEntry{}, kernerr.ENOTFOUND
	}
	return vfs.DirEntry{Name: names[index], Type: vfs.TypeFile}, nil
}

func (fs *FS) Stat(n *vfs.Node) (vfs.StatInfo, error) {
	return vfs.StatInfo{Inode: n.Inode, Type: n.Type, Size: n.Size, Perm: n.Perm}, nil
}

// FormatKV renders a simple "key: value\n" table, the shape every /proc
// view below uses.
func FormatKV(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s: %s\n", p[0], p[1])
	}
	return b.String()
}

var _ vfs.Ops = (*FS)(nil)
