// Package useraccount reads and writes the /sys/config/users.db format of
// spec.md §6: a fixed binary file holding a u32 record count followed by
// that many fixed-size user records. The exact record layout is left
// unspecified by spec.md (an Open Question); this package's layout is
// recorded as the resolution in DESIGN.md.
package useraccount

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lattice-os/corekernel/internal/access"
	"github.com/lattice-os/corekernel/internal/vfs"
)

const (
	usernameLen = 32
	homeDirLen  = 64

	// recordSize is the on-disk size of one wireRecord: 4 (UID) + 1
	// (OwnerType) + 3 (padding) + usernameLen + homeDirLen + 8 (MaxMemory)
	// + 4 (MaxFiles) + 4 (MaxChildren).
	recordSize = 4 + 1 + 3 + usernameLen + homeDirLen + 8 + 4 + 4
)

// User is one decoded record of the user database.
type User struct {
	UID         uint32
	OwnerType   access.OwnerType
	Username    string
	HomeDir     string
	MaxMemory   uint64
	MaxFiles    uint32
	MaxChildren uint32
}

type wireRecord struct {
	UID         uint32
	OwnerType   uint8
	_           [3]byte
	Username    [usernameLen]byte
	HomeDir     [homeDirLen]byte
	MaxMemory   uint64
	MaxFiles    uint32
	MaxChildren uint32
}

func fixedString(b []byte, s string) error {
	if len(s) > len(b) {
		return fmt.Errorf("useraccount: %q exceeds %d-byte field", s, len(b))
	}
	copy(b, s)
	return nil
}

func trimString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return string(b[:i])
}

func (u User) encode() (wireRecord, error) {
	var w wireRecord
	w.UID = u.UID
	w.OwnerType = uint8(u.OwnerType)
	w.MaxMemory = u.MaxMemory
	w.MaxFiles = u.MaxFiles
	w.MaxChildren = u.MaxChildren
	if err := fixedString(w.Username[:], u.Username); err != nil {
		return wireRecord{}, err
	}
	if err := fixedString(w.HomeDir[:], u.HomeDir); err != nil {
		return wireRecord{}, err
	}
	return w, nil
}

func (w wireRecord) decode() User {
	return User{
		UID:         w.UID,
		OwnerType:   access.OwnerType(w.OwnerType),
		Username:    trimString(w.Username[:]),
		HomeDir:     trimString(w.HomeDir[:]),
		MaxMemory:   w.MaxMemory,
		MaxFiles:    w.MaxFiles,
		MaxChildren: w.MaxChildren,
	}
}

// Encode serializes users into the on-disk format: u32 little-endian count
// followed by each record in order.
func Encode(users []User) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(users))); err != nil {
		return nil, err
	}
	for _, u := range users {
		w, err := u.encode()
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, w); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses the on-disk format produced by Encode.
func Decode(data []byte) ([]User, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	users := make([]User, 0, count)
	for i := uint32(0); i < count; i++ {
		var w wireRecord
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return nil, fmt.Errorf("useraccount: record %d: %w", i, err)
		}
		users = append(users, w.decode())
	}
	return users, nil
}

// Load reads and decodes path (typically /sys/config/users.db) through mgr
// using session.
func Load(mgr *vfs.Manager, session *vfs.Session, path string) ([]User, error) {
	fd, err := mgr.Open(session, path, vfs.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer mgr.Close(session, fd)

	var all []byte
	buf := make([]byte, 4096)
	for {
		n, err := mgr.Read(session, fd, buf)
		if n > 0 {
			all = append(all, buf[:n]...)
		}
		if n == 0 || err != nil {
			break
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return Decode(all)
}

// Save encodes users and writes them to path, creating it if absent. It
// assumes path is empty or does not yet exist; it does not truncate an
// existing longer file, matching the VFS core's lack of an O_TRUNC
// implementation.
func Save(mgr *vfs.Manager, session *vfs.Session, path string, users []User) error {
	data, err := Encode(users)
	if err != nil {
		return err
	}
	fd, err := mgr.Open(session, path, vfs.O_WRONLY|vfs.O_CREAT)
	if err != nil {
		return err
	}
	defer mgr.Close(session, fd)
	_, err = mgr.Write(session, fd, data)
	return err
}
