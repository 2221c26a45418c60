package vfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/pkg/kernerr"
)

// checkKindFor maps open flags to the access.Kind the permission check
// must pass.
func checkKindFor(flags OpenFlag) access.Kind {
	if flags&(O_WRONLY|O_RDWR) != 0 {
		return access.CheckMODIFY
	}
	return access.CheckVIEW
}

// Open resolves path, creating the node via Create if O_CREAT is set and it
// does not exist, consults the permission check, and installs an open-file
// in the session's lowest free fd slot.
func (m *Manager) Open(s *Session, rawPath string, flags OpenFlag) (int, error) {
	norm := Normalize(rawPath, s)
	node, err := m.resolve(norm, s)
	if err == kernerr.ENOTFOUND && flags&O_CREAT != 0 {
		dir, name := path.Split(norm)
		parentPath := strings.TrimSuffix(dir, "/")
		if parentPath == "" {
			parentPath = "/"
		}
		parent, perr := m.resolve(parentPath, s)
		if perr != nil {
			return -1, perr
		}
		if !access.Check(parent.Perm, s.OwnerID, s.OwnerType, access.CheckMODIFY) {
			_ = parent.Release()
			return -1, kernerr.EPERM
		}
		child, cerr := parent.Ops.Create(parent, name, flags)
		_ = parent.Release()
		if cerr != nil {
			return -1, cerr
		}
		node = child
		node.acquire()
	} else if err != nil {
		return -1, err
	}

	if !access.Check(node.Perm, s.OwnerID, s.OwnerType, checkKindFor(flags)) {
		_ = node.Release()
		return -1, kernerr.EPERM
	}
	if node.Type == TypeDir && flags&(O_WRONLY|O_RDWR) != 0 {
		_ = node.Release()
		return -1, kernerr.EISDIR
	}

	if err := node.Ops.Open(node); err != nil {
		_ = node.Release()
		return -1, err
	}

	slot := -1
	for i, fd := range s.FDs {
		if fd == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		_ = node.Release()
		return -1, fmt.Errorf("vfs: fd table full")
	}
	var offset int64
	if flags&O_APPEND != 0 {
		offset = node.Size
	}
	s.FDs[slot] = &OpenFile{Node: node, Flags: flags, Offset: offset, refCount: 1}
	return slot, nil
}

// Close drops the open-file's refcount; at zero the node is released.
func (m *Manager) Close(s *Session, fd int) error {
	if fd < 0 || fd >= len(s.FDs) || s.FDs[fd] == nil {
		return kernerr.EINVALID
	}
	return m.closeFD(s, fd)
}

func (m *Manager) closeFD(s *Session, fd int) error {
	of := s.FDs[fd]
	s.FDs[fd] = nil
	of.refCount--
	if of.refCount > 0 {
		return nil
	}
	return of.Node.Release()
}

// Read reads up to len(buf) bytes from fd at its current offset, advancing
// it. Character devices are not seekable: their offset is always 0, since a
// live device's "current content" has no file position to track.
func (m *Manager) Read(s *Session, fd int, buf []byte) (int, error) {
	of, err := m.openFile(s, fd)
	if err != nil {
		return 0, err
	}
	if of.Node.Type == TypeCharDev {
		return of.Node.Ops.Read(of.Node, 0, buf)
	}
	n, err := of.Node.Ops.Read(of.Node, of.Offset, buf)
	of.Offset += int64(n)
	return n, err
}

// Write writes buf to fd at its current offset (or at EOF if O_APPEND),
// advancing the offset, except for character devices (see Read).
func (m *Manager) Write(s *Session, fd int, buf []byte) (int, error) {
	of, err := m.openFile(s, fd)
	if err != nil {
		return 0, err
	}
	if of.Node.Type == TypeCharDev {
		return of.Node.Ops.Write(of.Node, 0, buf)
	}
	if of.Flags&O_APPEND != 0 {
		of.Offset = of.Node.Size
	}
	n, err := of.Node.Ops.Write(of.Node, of.Offset, buf)
	of.Offset += int64(n)
	return n, err
}

// Whence values for Lseek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// Lseek repositions fd's offset.
func (m *Manager) Lseek(s *Session, fd int, offset int64, whence int) (int64, error) {
	of, err := m.openFile(s, fd)
	if err != nil {
		return 0, err
	}
	switch whence {
	case SeekSet:
		of.Offset = offset
	case SeekCur:
		of.Offset += offset
	case SeekEnd:
		of.Offset = of.Node.Size + offset
	default:
		return 0, kernerr.EINVALID
	}
	return of.Offset, nil
}

func (m *Manager) openFile(s *Session, fd int) (*OpenFile, error) {
	if fd < 0 || fd >= len(s.FDs) || s.FDs[fd] == nil {
		return nil, kernerr.EINVALID
	}
	return s.FDs[fd], nil
}

// Dup2 closes b if open, then points b at a's open-file and increments its
// refcount, per spec.md §4.E's fd table semantics.
func (m *Manager) Dup2(s *Session, a, b int) error {
	if a < 0 || a >= len(s.FDs) || s.FDs[a] == nil {
		return kernerr.EINVALID
	}
	if b < 0 || b >= len(s.FDs) {
		return kernerr.EINVALID
	}
	if a == b {
		return nil
	}
	if s.FDs[b] != nil {
		if err := m.closeFD(s, b); err != nil {
			return err
		}
	}
	s.FDs[a].refCount++
	s.FDs[b] = s.FDs[a]
	return nil
}

// Mkdir creates a directory at path.
func (m *Manager) Mkdir(s *Session, rawPath string) error {
	norm := Normalize(rawPath, s)
	dir, name := path.Split(norm)
	parentPath := strings.TrimSuffix(dir, "/")
	if parentPath == "" {
		parentPath = "/"
	}
	parent, err := m.resolve(parentPath, s)
	if err != nil {
		return err
	}
	defer parent.Release()
	if !access.Check(parent.Perm, s.OwnerID, s.OwnerType, access.CheckMODIFY) {
		return kernerr.EPERM
	}
	_, err = parent.Ops.Mkdir(parent, name)
	return err
}

// Rmdir removes an empty directory at path.
func (m *Manager) Rmdir(s *Session, rawPath string) error {
	return m.unlinkLike(s, rawPath, true)
}

// Unlink removes a non-directory node at path.
func (m *Manager) Unlink(s *Session, rawPath string) error {
	return m.unlinkLike(s, rawPath, false)
}

func (m *Manager) unlinkLike(s *Session, rawPath string, wantDir bool) error {
	norm := Normalize(rawPath, s)
	dir, name := path.Split(norm)
	parentPath := strings.TrimSuffix(dir, "/")
	if parentPath == "" {
		parentPath = "/"
	}
	parent, err := m.resolve(parentPath, s)
	if err != nil {
		return err
	}
	defer parent.Release()
	if !access.Check(parent.Perm, s.OwnerID, s.OwnerType, access.CheckDELETE) {
		return kernerr.EPERM
	}
	child, err := parent.Ops.FindDir(parent, name)
	if err != nil {
		return err
	}
	if child == nil {
		return kernerr.ENOTFOUND
	}
	isDir := child.Type == TypeDir
	if wantDir && !isDir {
		return kernerr.ENOTDIR
	}
	if !wantDir && isDir {
		return kernerr.EISDIR
	}
	return parent.Ops.Unlink(parent, name)
}

// Stat returns the StatInfo for path.
func (m *Manager) Stat(s *Session, rawPath string) (StatInfo, error) {
	node, err := m.Resolve(rawPath, s)
	if err != nil {
		return StatInfo{}, err
	}
	defer node.Release()
	if !access.Check(node.Perm, s.OwnerID, s.OwnerType, access.CheckVIEW) {
		return StatInfo{}, kernerr.EPERM
	}
	return node.Ops.Stat(node)
}

// Readdir returns the directory entry at index within path.
func (m *Manager) Readdir(s *Session, rawPath string, index int) (DirEntry, error) {
	node, err := m.Resolve(rawPath, s)
	if err != nil {
		return DirEntry{}, err
	}
	defer node.Release()
	if node.Type != TypeDir {
		return DirEntry{}, kernerr.ENOTDIR
	}
	if !access.Check(node.Perm, s.OwnerID, s.OwnerType, access.CheckVIEW) {
		return DirEntry{}, kernerr.EPERM
	}
	return node.Ops.ReadDir(node, index)
}

// Getcwd returns the session's current working directory.
func (m *Manager) Getcwd(s *Session) string {
	return s.Cwd
}

// Chdir validates that path is a directory the caller may VIEW, then
// updates the session's stored cwd.
func (m *Manager) Chdir(s *Session, rawPath string) error {
	norm := Normalize(rawPath, s)
	node, err := m.resolve(norm, s)
	if err != nil {
		return err
	}
	defer node.Release()
	if node.Type != TypeDir {
		return kernerr.ENOTDIR
	}
	if !access.Check(node.Perm, s.OwnerID, s.OwnerType, access.CheckVIEW) {
		return kernerr.EPERM
	}
	s.Cwd = norm
	return nil
}
