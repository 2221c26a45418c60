// Package kernerr defines the kernel's error taxonomy.
//
// Recoverable API errors (syscalls, VFS, sockets) are represented as Errno,
// a small closed set of negative codes per spec §6. Everything else is a
// thin re-export of the standard errors package plus a Retryable marker
// used by the ARP resolve path, which polls against a deadline.
package kernerr

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Errno is the closed syscall/VFS/socket error taxonomy from spec.md §6.
// Values are negative so a raw int return can double as "bytes transferred
// or error" the way the real syscall ABI does.
type Errno int

const (
	ENOTFOUND Errno = -1 - iota
	EPERM
	EINVALID
	EEXISTS
	ENOTDIR
	EISDIR
	ENOTEMPTY
	ENOSPACE
	EIO
)

var errnoText = map[Errno]string{
	ENOTFOUND: "not found",
	EPERM:     "permission denied",
	EINVALID:  "invalid argument",
	EEXISTS:   "already exists",
	ENOTDIR:   "not a directory",
	EISDIR:    "is a directory",
	ENOTEMPTY: "not empty",
	ENOSPACE:  "no space",
	EIO:       "i/o error",
}

func (e Errno) Error() string {
	if text, ok := errnoText[e]; ok {
		return text
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// NewRetryable wraps text as a RetryableError.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or something it wraps) is a RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

// RetryableError marks errors where the caller's poll loop should keep
// waiting (e.g. an ARP resolve whose deadline hasn't expired yet) rather
// than surface a hard failure.
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string { return r.text }
func (r *retryableError) Retryable()    {}
