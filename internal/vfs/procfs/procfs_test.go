package procfs_test

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/internal/vfs/procfs"
	"github.com/stretchr/testify/require"
)

func TestMeminfoRegeneratesOnEachOpen(t *testing.T) {
	mgr := vfs.New(logr.Discard())
	fs, root := procfs.New(mgr)
	count := 0
	fs.RegisterFile("/meminfo", func() string {
		count++
		return procfs.FormatKV([][2]string{{"total_frames", "1024"}})
	})
	require.NoError(t, mgr.Mount("/proc", root, "procfs", 0))

	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
	fd, err := mgr.Open(s, "/proc/meminfo", vfs.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 256)
	n, err := mgr.Read(s, fd, buf)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(buf[:n]), "total_frames: 1024"))
	require.NoError(t, mgr.Close(s, fd))

	fd2, err := mgr.Open(s, "/proc/meminfo", vfs.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, mgr.Close(s, fd2))
	require.Equal(t, 2, count, "each Open must regenerate the view")
}

func TestNestedDirRegistration(t *testing.T) {
	mgr := vfs.New(logr.Discard())
	fs, root := procfs.New(mgr)
	fs.RegisterFile("/net/tcp", func() string { return "sockets: 0\n" })
	require.NoError(t, mgr.Mount("/proc", root, "procfs", 0))

	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
	fd, err := mgr.Open(s, "/proc/net/tcp", vfs.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := mgr.Read(s, fd, buf)
	require.NoError(t, err)
	require.Equal(t, "sockets: 0\n", string(buf[:n]))
}
