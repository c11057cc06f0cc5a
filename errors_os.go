//go:build !windows

package fiber

import (
	"errors"
	"io"
	"syscall"
)

// mapOSError classifies a raw error from a syscall (typically a
// syscall.Errno, or something wrapping one) into the spec §7 taxonomy.
// Used by the readiness-model IOManager (io_readiness.go) and the Linux fd
// helpers (fd_unix.go).
func mapOSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return &OSError{Kind: ErrBrokenPipe, Op: op, Err: err}
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &OSError{Kind: ErrNativeError, Op: op, Err: err}
	}

	return &OSError{Kind: classifyErrno(errno), Code: int(errno), Op: op, Err: err}
}

func classifyErrno(errno syscall.Errno) OSErrorKind {
	switch errno {
	case syscall.ENOTSUP, syscall.EOPNOTSUPP:
		return ErrOperationNotSupported
	case syscall.ECANCELED, syscall.EINTR:
		return ErrOperationAborted
	case syscall.EPIPE:
		return ErrBrokenPipe
	case syscall.ETIMEDOUT:
		return ErrTimedOut
	case syscall.ECONNRESET:
		return ErrConnectionReset
	case syscall.ECONNREFUSED:
		return ErrConnectionRefused
	case syscall.ECONNABORTED:
		return ErrConnectionAborted
	case syscall.EHOSTDOWN:
		return ErrHostDown
	case syscall.EHOSTUNREACH:
		return ErrHostUnreachable
	case syscall.ENETDOWN:
		return ErrNetworkDown
	case syscall.ENETUNREACH:
		return ErrNetworkUnreachable
	case syscall.EADDRINUSE:
		return ErrAddressInUse
	case syscall.ENOENT:
		return ErrFileNotFound
	case syscall.EACCES, syscall.EPERM:
		return ErrAccessDenied
	case syscall.EBADF:
		return ErrBadHandle
	case syscall.EISDIR:
		return ErrIsDirectory
	case syscall.ENOSPC:
		return ErrOutOfDiskSpace
	case syscall.EILSEQ:
		return ErrInvalidUnicode
	default:
		return ErrNativeError
	}
}
