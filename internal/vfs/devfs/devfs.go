// Package devfs is the device-filesystem VFS backend: opaque byte/frame
// transport nodes standing in for the driver boundary spec.md §1 excludes.
// It ships a null device and a kmsg device backed by the kernel ring log.
package devfs

import (
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/pkg/kernerr"
	"github.com/lattice-os/corekernel/pkg/ringbuffer"
)

// Device is the opaque byte-transport contract a driver exposes to devfs.
// This is the narrow interface standing in for the real ATA/VGA/PS2/NIC
// drivers spec.md §1 places out of core scope.
type Device interface {
	Read(offset int64, buf []byte) (int, error)
	Write(offset int64, buf []byte) (int, error)
}

// FS is a devfs instance.
type FS struct {
	vfsMgr *vfs.Manager
	ops    vfs.Ops
	root   *vfs.Node
	nodes  map[string]*vfs.Node
}

// New constructs an empty devfs instance rooted at its own directory node.
func New(vfsMgr *vfs.Manager) (*FS, *vfs.Node) {
	fs := &FS{vfsMgr: vfsMgr, nodes: map[string]*vfs.Node{}}
	fs.ops = fs
	fs.root = &vfs.Node{
		Name:   "/",
		Inode:  vfsMgr.NextInode(),
		Type:   vfs.TypeDir,
		Perm:   access.DefaultDescriptor(0, access.SYSTEMOwner),
		FSName: "devfs",
		Ops:    fs.ops,
	}
	return fs, fs.root
}

// Register installs dev under name at the devfs root.
func (fs *FS) Register(name string, dev Device) *vfs.Node {
	n := &vfs.Node{
		Name:    name,
		Inode:   fs.vfsMgr.NextInode(),
		Type:    vfs.TypeCharDev,
		Perm:    access.DefaultDescriptor(0, access.SYSTEMOwner),
		FSName:  "devfs",
		Ops:     fs.ops,
		Private: dev,
	}
	fs.nodes[name] = n
	return n
}

func (fs *FS) Open(n *vfs.Node) error  { return nil }
func (fs *FS) Close(n *vfs.Node) error { return nil }

func (fs *FS) Read(n *vfs.Node, offset int64, buf []byte) (int, error) {
	dev, ok := n.Private.(Device)
	if !ok {
		return 0, kernerr.EINVALID
	}
	return dev.Read(offset, buf)
}

func (fs *FS) Write(n *vfs.Node, offset int64, buf []byte) (int, error) {
	dev, ok := n.Private.(Device)
	if !ok {
		return 0, kernerr.EINVALID
	}
	return dev.Write(offset, buf)
}

func (fs *FS) FindDir(parent *vfs.Node, name string) (*vfs.Node, error) {
	if n, ok := fs.nodes[name]; ok {
		return n, nil
	}
	return nil, kernerr.ENOTFOUND
}

func (fs *FS) Create(parent *vfs.Node, name string, flags vfs.OpenFlag) (*vfs.Node, error) {
	return nil, kernerr.EPERM
}

func (fs *FS) Unlink(parent *vfs.Node, name string) error { return kernerr.EPERM }
func (fs *FS) Mkdir(parent *vfs.Node, name string) (*vfs.Node, error) {
	return nil, kernerr.EPERM
}

func (fs *FS) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, error) {
	names := make([]string, 0, len(fs.nodes))
	for name := range fs.nodes {
		names = append(names, name)
	}
	if index < 0 || index >= len(names) {
		return vfs.DirEntry{}, kernerr.ENOTFOUND
	}
	return vfs.DirEntry{Name: names[index], Type: vfs.TypeCharDev}, nil
}

func (fs *FS) Stat(n *vfs.Node) (vfs.StatInfo, error) {
	return vfs.StatInfo{Inode: n.Inode, Type: n.Type, Perm: n.Perm}, nil
}

// NullDevice discards writes and reads as EOF, the conventional /dev/null.
type NullDevice struct{}

func (NullDevice) Read(offset int64, buf []byte) (int, error)  { return 0, nil }
func (NullDevice) Write(offset int64, buf []byte) (int, error) { return len(buf), nil }

// KmsgDevice exposes the kernel ring log as a character device: a Read
// returns the buffered entries, one per line, from offset onward without
// removing them, and a Write appends buf to the ring as one entry.
type KmsgDevice struct {
	ring *ringbuffer.RingBuffer[string]
}

// NewKmsgDevice wraps an existing kernel log ring.
func NewKmsgDevice(ring *ringbuffer.RingBuffer[string]) *KmsgDevice {
	return &KmsgDevice{ring: ring}
}

func (k *KmsgDevice) Read(offset int64, buf []byte) (int, error) {
	lines := k.ring.GetAll()
	joined := ""
	for _, l := range lines {
		joined += l + "\n"
	}
	if offset >= int64(len(joined)) {
		return 0, nil
	}
	return copy(buf, joined[offset:]), nil
}

func (k *KmsgDevice) Write(offset int64, buf []byte) (int, error) {
	k.ring.Push(string(buf))
	return len(buf), nil
}

var _ vfs.Ops = (*FS)(nil)
