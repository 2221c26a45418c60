package devfs_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/internal/vfs/devfs"
	"github.com/lattice-os/corekernel/pkg/ringbuffer"
	"github.com/stretchr/testify/require"
)

func TestNullDeviceDiscardsWritesAndReadsEmpty(t *testing.T) {
	mgr := vfs.New(logr.Discard())
	fs, root := devfs.New(mgr)
	fs.Register("null", devfs.NullDevice{})
	require.NoError(t, mgr.Mount("/dev", root, "devfs", 0))

	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
	fd, err := mgr.Open(s, "/dev/null", vfs.O_RDWR)
	require.NoError(t, err)

	n, err := mgr.Write(s, fd, []byte("discarded"))
	require.NoError(t, err)
	require.Equal(t, 9, n)

	buf := make([]byte, 16)
	n, err = mgr.Read(s, fd, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestKmsgDeviceRoundTripsRingLog(t *testing.T) {
	ring, err := ringbuffer.New[string](8)
	require.NoError(t, err)
	mgr := vfs.New(logr.Discard())
	fs, root := devfs.New(mgr)
	fs.Register("kmsg", devfs.NewKmsgDevice(ring))
	require.NoError(t, mgr.Mount("/dev", root, "devfs", 0))

	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
	fd, err := mgr.Open(s, "/dev/kmsg", vfs.O_RDWR)
	require.NoError(t, err)

	_, err = mgr.Write(s, fd, []byte("pmm: boot ok"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := mgr.Read(s, fd, buf)
	require.NoError(t, err)
	require.Equal(t, "pmm: boot ok\n", string(buf[:n]))
}

func TestUnregisteredDeviceLookupFails(t *testing.T) {
	mgr := vfs.New(logr.Discard())
	_, root := devfs.New(mgr)
	require.NoError(t, mgr.Mount("/dev", root, "devfs", 0))
	s := mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
	_, err := mgr.Open(s, "/dev/missing", vfs.O_RDONLY)
	require.Error(t, err)
}
