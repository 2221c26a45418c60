package useraccount_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/useraccount"
	"github.com/lattice-os/corekernel/internal/vfs"
	"github.com/lattice-os/corekernel/internal/vfs/ramfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMgr(t *testing.T) (*vfs.Manager, *vfs.Session) {
	t.Helper()
	mgr := vfs.New(logr.Discard())
	_, root := ramfs.New(mgr, 0, access.SYSTEMOwner)
	require.NoError(t, mgr.Mount("/", root, "ramfs", 0))
	return mgr, mgr.NewSession(1, 0, access.SYSTEMOwner, "/")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	users := []useraccount.User{
		{UID: 0, OwnerType: access.SYSTEMOwner, Username: "root", HomeDir: "/usr/root/home", MaxMemory: 1 << 20, MaxFiles: 256},
		{UID: 1000, OwnerType: access.USR, Username: "alice", HomeDir: "/usr/root/home/alice", MaxFiles: 64},
	}

	data, err := useraccount.Encode(users)
	require.NoError(t, err)

	decoded, err := useraccount.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, users, decoded)
}

func TestSaveThenLoadThroughVFS(t *testing.T) {
	mgr, s := newMgr(t)

	users := []useraccount.User{
		{UID: 0, OwnerType: access.SYSTEMOwner, Username: "root", HomeDir: "/usr/root/home"},
	}
	require.NoError(t, useraccount.Save(mgr, s, "/users.db", users))

	loaded, err := useraccount.Load(mgr, s, "/users.db")
	require.NoError(t, err)
	assert.Equal(t, users, loaded)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	mgr, s := newMgr(t)
	_, err := useraccount.Load(mgr, s, "/nope.db")
	assert.Error(t, err)
}

func TestUsernameOverflowIsRejected(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	_, err := useraccount.Encode([]useraccount.User{{Username: string(long)}})
	assert.Error(t, err)
}
