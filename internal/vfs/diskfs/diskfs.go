// Package diskfs is the on-disk VFS backend: an embedded bbolt store holds
// the inode tree and file content, and a gofrs/flock advisory lock
// protects the backing file from a second host-level process — the
// closest single-machine analogue to the LOCK access bit gating concurrent
// writers spec.md §4.C describes at the process level.
package diskfs

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sort"

	"github.com/gofrs/flock"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/pkg/kernerr"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("meta") // inode(8 bytes) -> gob(inodeMeta)
	bucketData = []byte("data") // inode(8 bytes) -> raw file bytes
)

type inodeMeta struct {
	Type     vfs.NodeType
	Size     int64
	Perm     access.Descriptor
	Children map[string]uint64 // name -> child inode, directories only
}

// FS is a diskfs instance backed by a single bbolt database file.
type FS struct {
	db   *bolt.DB
	lock *flock.Flock
	ops  vfs.Ops

	vfsMgr *vfs.Manager
}

// Open opens (creating if absent) the bbolt file at dbPath, takes an
// exclusive host-level advisory lock, and returns the backend plus its
// root node. The root is created on first use.
func Open(vfsMgr *vfs.Manager, dbPath string) (*FS, *vfs.Node, error) {
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !locked {
		return nil, nil, kernerr.New("diskfs: backing file is locked by another process")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}

	fs := &FS{db: db, lock: lock, vfsMgr: vfsMgr}
	fs.ops = fs

	var rootInode uint64
	err = db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		rootInode = vfsMgr.NextInode()
		if mb.Get(inodeKey(rootInode)) != nil {
			return nil
		}
		meta := inodeMeta{
			Type:     vfs.TypeDir,
			Perm:     access.DefaultDescriptor(0, access.SYSTEMOwner),
			Children: map[string]uint64{},
		}
		return putMeta(mb, rootInode, meta)
	})
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, nil, err
	}

	root := fs.nodeFor(rootInode, "/")
	return fs, root, nil
}

// Shutdown flushes and releases the database file and its advisory lock.
// Named distinctly from Ops.Close(*vfs.Node), which this type also
// implements for the VFS node lifecycle.
func (fs *FS) Shutdown() error {
	err := fs.db.Close()
	_ = fs.lock.Unlock()
	return err
}

func inodeKey(inode uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, inode)
	return b
}

func putMeta(mb *bolt.Bucket, inode uint64, meta inodeMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return err
	}
	return mb.Put(inodeKey(inode), buf.Bytes())
}

func getMeta(mb *bolt.Bucket, inode uint64) (inodeMeta, error) {
	raw := mb.Get(inodeKey(inode))
	if raw == nil {
		return inodeMeta{}, kernerr.ENOTFOUND
	}
	var meta inodeMeta
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta); err != nil {
		return inodeMeta{}, err
	}
	return meta, nil
}

func (fs *FS) nodeFor(inode uint64, name string) *vfs.Node {
	n := &vfs.Node{
		Name:    name,
		Inode:   inode,
		FSName:  "diskfs",
		Ops:     fs.ops,
		Private: inode,
	}
	_ = fs.db.View(func(tx *bolt.Tx) error {
		meta, err := getMeta(tx.Bucket(bucketMeta), inode)
		if err != nil {
			return err
		}
		n.Type = meta.Type
		n.Size = meta.Size
		n.Perm = meta.Perm
		return nil
	})
	return n
}

func (fs *FS) Open(n *vfs.Node) error  { return nil }
func (fs *FS) Close(n *vfs.Node) error { return nil }

func (fs *FS) Read(n *vfs.Node, offset int64, buf []byte) (int, error) {
	inode := n.Private.(uint64)
	var count int
	err := fs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData).Get(inodeKey(inode))
		if offset >= int64(len(data)) {
			return nil
		}
		count = copy(buf, data[offset:])
		return nil
	})
	return count, err
}

func (fs *FS) Write(n *vfs.Node, offset int64, buf []byte) (int, error) {
	inode := n.Private.(uint64)
	err := fs.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(bucketData)
		existing := db.Get(inodeKey(inode))
		end := offset + int64(len(buf))
		grown := existing
		if end > int64(len(existing)) {
			grown = make([]byte, end)
			copy(grown, existing)
		} else {
			grown = append([]byte(nil), existing...)
		}
		copy(grown[offset:], buf)
		if err := db.Put(inodeKey(inode), grown); err != nil {
			return err
		}
		mb := tx.Bucket(bucketMeta)
		meta, err := getMeta(mb, inode)
		if err != nil {
			return err
		}
		meta.Size = int64(len(grown))
		n.Size = meta.Size
		return putMeta(mb, inode, meta)
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (fs *FS) FindDir(parent *vfs.Node, name string) (*vfs.Node, error) {
	parentInode := parent.Private.(uint64)
	var child *vfs.Node
	err := fs.db.View(func(tx *bolt.Tx) error {
		meta, err := getMeta(tx.Bucket(bucketMeta), parentInode)
		if err != nil {
			return err
		}
		childInode, ok := meta.Children[name]
		if !ok {
			return kernerr.ENOTFOUND
		}
		child = fs.nodeForTx(tx, childInode, name)
		return nil
	})
	return child, err
}

func (fs *FS) nodeForTx(tx *bolt.Tx, inode uint64, name string) *vfs.Node {
	n := &vfs.Node{Name: name, Inode: inode, FSName: "diskfs", Ops: fs.ops, Private: inode}
	if meta, err := getMeta(tx.Bucket(bucketMeta), inode); err == nil {
		n.Type = meta.Type
		n.Size = meta.Size
		n.Perm = meta.Perm
	}
	return n
}

func (fs *FS) Create(parent *vfs.Node, name string, flags vfs.OpenFlag) (*vfs.Node, error) {
	return fs.newEntry(parent, name, vfs.TypeFile)
}

func (fs *FS) Mkdir(parent *vfs.Node, name string) (*vfs.Node, error) {
	return fs.newEntry(parent, name, vfs.TypeDir)
}

func (fs *FS) newEntry(parent *vfs.Node, name string, typ vfs.NodeType) (*vfs.Node, error) {
	parentInode := parent.Private.(uint64)
	childInode := fs.vfsMgr.NextInode()
	err := fs.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		pmeta, err := getMeta(mb, parentInode)
		if err != nil {
			return err
		}
		if _, exists := pmeta.Children[name]; exists {
			return kernerr.EEXISTS
		}
		childMeta := inodeMeta{Type: typ, Perm: access.DefaultDescriptor(parent.Perm.OwnerID, parent.Perm.OwnerType)}
		if typ == vfs.TypeDir {
			childMeta.Children = map[string]uint64{}
		}
		if err := putMeta(mb, childInode, childMeta); err != nil {
			return err
		}
		if pmeta.Children == nil {
			pmeta.Children = map[string]uint64{}
		}
		pmeta.Children[name] = childInode
		return putMeta(mb, parentInode, pmeta)
	})
	if err != nil {
		return nil, err
	}
	return fs.nodeFor(childInode, name), nil
}

func (fs *FS) Unlink(parent *vfs.Node, name string) error {
	parentInode := parent.Private.(uint64)
	return fs.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		pmeta, err := getMeta(mb, parentInode)
		if err != nil {
			return err
		}
		childInode, ok := pmeta.Children[name]
		if !ok {
			return kernerr.ENOTFOUND
		}
		delete(pmeta.Children, name)
		if err := putMeta(mb, parentInode, pmeta); err != nil {
			return err
		}
		if err := mb.Delete(inodeKey(childInode)); err != nil {
			return err
		}
		return tx.Bucket(bucketData).Delete(inodeKey(childInode))
	})
}

func (fs *FS) ReadDir(n *vfs.Node, index int) (vfs.DirEntry, error) {
	inode := n.Private.(uint64)
	var entry vfs.DirEntry
	err := fs.db.View(func(tx *bolt.Tx) error {
		meta, err := getMeta(tx.Bucket(bucketMeta), inode)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(meta.Children))
		for name := range meta.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		if index < 0 || index >= len(names) {
			return kernerr.ENOTFOUND
		}
		childMeta, err := getMeta(tx.Bucket(bucketMeta), meta.Children[names[index]])
		if err != nil {
			return err
		}
		entry = vfs.DirEntry{Name: names[index], Type: childMeta.Type}
		return nil
	})
	return entry, err
}

func (fs *FS) Stat(n *vfs.Node) (vfs.StatInfo, error) {
	inode := n.Private.(uint64)
	var info vfs.StatInfo
	err := fs.db.View(func(tx *bolt.Tx) error {
		meta, err := getMeta(tx.Bucket(bucketMeta), inode)
		if err != nil {
			return err
		}
		info = vfs.StatInfo{Inode: inode, Type: meta.Type, Size: meta.Size, Perm: meta.Perm}
		return nil
	})
	return info, err
}

var _ vfs.Ops = (*FS)(nil)
