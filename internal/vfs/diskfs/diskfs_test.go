package diskfs_test

import (
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/internal/vfs/diskfs"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "disk.db")

	fs1, root1, err := diskfs.Open(vfs.New(logr.Discard()), dbPath)
	require.NoError(t, err)
	mgr1 := vfs.New(logr.Discard())
	require.NoError(t, mgr1.Mount("/", root1, "diskfs", 0))
	s1 := mgr1.NewSession(1, 0, access.SYSTEMOwner, "/")
	fd, err := mgr1.Open(s1, "/config.bin", vfs.O_CREAT|vfs.O_RDWR)
	require.NoError(t, err)
	_, err = mgr1.Write(s1, fd, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, fs1.Shutdown())

	vfsMgr2 := vfs.New(logr.Discard())
	fs2, root2, err := diskfs.Open(vfsMgr2, dbPath)
	require.NoError(t, err)
	defer fs2.Shutdown()
	require.NoError(t, vfsMgr2.Mount("/", root2, "diskfs", 0))
	s2 := vfsMgr2.NewSession(2, 0, access.SYSTEMOwner, "/")
	fd2, err := vfsMgr2.Open(s2, "/config.bin", vfs.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := vfsMgr2.Read(s2, fd2, buf)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(buf[:n]))
}

func TestSecondOpenIsRejectedWhileLocked(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "disk.db")
	fs1, _, err := diskfs.Open(vfs.New(logr.Discard()), dbPath)
	require.NoError(t, err)
	defer fs1.Shutdown()

	_, _, err = diskfs.Open(vfs.New(logr.Discard()), dbPath)
	require.Error(t, err)
}

func TestMkdirAndUnlink(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "disk.db")
	fs, root, err := diskfs.Open(vfs.New(logr.Discard()), dbPath)
	require.NoError(t, err)
	defer fs.Shutdown()
	mgr := vfs.New(logr.Discard())
	require.NoError(t, mgr.Mount("/", root, "diskfs", 0))
	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")

	require.NoError(t, mgr.Mkdir(s, "/data"))
	_, err = mgr.Open(s, "/data/a.txt", vfs.O_CREAT|vfs.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, mgr.Unlink(s, "/data/a.txt"))
	_, err = mgr.Open(s, "/data/a.txt", vfs.O_RDONLY)
	require.Error(t, err)
}
