// Package ramfs is the in-memory VFS backend: a node tree held entirely in
// Go maps and byte slices. It is the "no library fits" case of the VFS
// backend set (see DESIGN.md) — an in-memory key-value tree has no natural
// third-party library the way an on-disk format or a packet layer does.
package ramfs

import (
	"sort"

	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/pkg/kernerr"
)

type dirEntry struct {
	name string
	node *vfs.Node
}

type nodeData struct {
	children []dirEntry // non-nil only for directories
	data     []byte     // used for files
}

// FS is a ramfs instance: an inode allocator shared with the owning
// vfs.Manager plus the storage each Node's Private field points into.
type FS struct {
	vfsMgr *vfs.Manager
	ops    vfs.Ops
}

// New constructs an empty ramfs instance and its root directory node,
// owned by ownerID/ownerType (typically SYSTEM for "/").
func New(vfsMgr *vfs.Manager, ownerID uint32, ownerType access.OwnerType) (*FS, *vfs.Node) {
	fs := &FS{vfsMgr: vfsMgr}
	fs.ops = fs // FS implements vfs.Ops directly; see below.
	root := &vfs.Node{
		Name:   "/",
		Inode:  vfsMgr.NextInode(),
		Type:   vfs.TypeDir,
		Perm:   access.DefaultDescriptor(ownerID, ownerType),
		FSName: "ramfs",
		Ops:    fs.ops,
		Private: &nodeData{},
	}
	return fs, root
}

func dataOf(n *vfs.Node) *nodeData {
	return n.Private.(*nodeData)
}

func (fs *FS) Open(n *vfs.Node) error  { return nil }
func (fs *FS) Close(n *vfs.Node) error { return nil }

func (fs *FS) Read(n *vfs.Node, offset int64, buf []byte) (int, error) {
	d := dataOf(n)
	if offset >= int64(len(d.data)) {
		return 0, nil
	}
	count := copy(buf, d.data[offset:])
	return count, nil
}

func (fs *FS) Write(n *vfs.Node, offset int64, buf []byte) (int, error) {
	d := dataOf(n)
	end := offset + int64(len(buf))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[offset:], buf)
	n.Size = int64(len(d.data))
	return len(buf), nil
}

func (fs *FS) FindDir(parent *vfs.Node, name string) (*vfs.Node, error) {
	d := dataOf(parent)
	for _, e := range d.children {
		if e.name == name {
			return e.node, nil
		}
	}
	return nil, kernerr.ENOTFOUND
}

func (fs *FS) Create(parent *vfs.Node, name string, flags vfs.OpenFlag) (*vfs.Node, error) {
	if existing, _ := fs.FindDir(parent, name); existing != nil {
		return nil, kernerr.EEXISTS
	}
	child := &vfs.Node{
		Name:    name,
		Inode:   fs.vfsMgr.NextInode(),
		Type:    vfs.TypeFile,
		Perm:    access.DefaultDescriptor(parent.Perm.OwnerID, parent.Perm.OwnerType),
		FSName:  "ramfs",
		Ops:     fs.ops,
		Private: &nodeData{},
	}
	d := dataOf(parent)
	d.children = append(d.children, dirEntry{name: name, node: child})
	return child, nil
}

func (fs *FS) Unlink(parent *vfs.Node, name string) error {
	d := dataOf(parent)
	for i, e := range d.children {
		if e.name == name {
			d.children = append(d.children[:i], d.children[i+1:]...)
			return nil
		}
	}
	return kernerr.ENOTFOUND
}

func (fs *FS) Mkdir(parent *vfs.Node, name string) (*vfs.Node, error) {
	if existing, _ := fs.FindDir(parent, name); existing != nil {
		return nil, kernerr.EEXISTS
	}
	child := &vfs.Node{
		Name:    name,
		Inode:   fs.vfsMgr.NextInode(),
		Type:    vfs.TypeDir,
		Perm:    access.DefaultDescriptor(parent.Perm.OwnerID, parent.Perm.OwnerType),
		FSName:  "ramfs",
		Ops:     fs.ops,
		Private: &nodeData{},
	}
	d := dataOf(parent)
	d.children = append(d.children, dirEntry{name: name, node: child})
	return child, nil
}

func (fs *FS) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, error) {
	d := dataOf(n)
	names := make([]string, len(d.children))
	byName := make(map[string]*vfs.Node, len(d.children))
	for i, e := range d.children {
		names[i] = e.name
		byName[e.name] = e.node
	}
	sort.Strings(names)
	if index < 0 || index >= len(names) {
		return vfs.DirEntry{}, kernerr.ENOTFOUND
	}
	child := byName[names[index]]
	return vfs.DirEntry{Name: names[index], Type: child.Type}, nil
}

func (fs *FS) Stat(n *vfs.Node) (vfs.StatInfo, error) {
	return vfs.StatInfo{Inode: n.Inode, Type: n.Type, Size: n.Size, Perm: n.Perm}, nil
}

var _ vfs.Ops = (*FS)(nil)
