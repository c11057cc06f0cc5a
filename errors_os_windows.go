//go:build windows

package fiber

import (
	"errors"

	"golang.org/x/sys/windows"
)

// mapOSError classifies a raw error from the completion-model backend
// (golang.org/x/sys/windows) into the spec §7 taxonomy.
func mapOSError(op string, err error) error {
	if err == nil {
		return nil
	}

	var errno windows.Errno
	if !errors.As(err, &errno) {
		return &OSError{Kind: ErrNativeError, Op: op, Err: err}
	}

	return &OSError{Kind: classifyErrno(errno), Code: int(errno), Op: op, Err: err}
}

func classifyErrno(errno windows.Errno) OSErrorKind {
	switch errno {
	case windows.ERROR_NOT_SUPPORTED:
		return ErrOperationNotSupported
	case windows.ERROR_OPERATION_ABORTED, windows.WSAECANCELLED:
		return ErrOperationAborted
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_NO_DATA:
		return ErrBrokenPipe
	case windows.WSAETIMEDOUT:
		return ErrTimedOut
	case windows.WSAECONNRESET:
		return ErrConnectionReset
	case windows.WSAECONNREFUSED:
		return ErrConnectionRefused
	case windows.WSAECONNABORTED:
		return ErrConnectionAborted
	case windows.WSAEHOSTDOWN:
		return ErrHostDown
	case windows.WSAEHOSTUNREACH:
		return ErrHostUnreachable
	case windows.WSAENETDOWN:
		return ErrNetworkDown
	case windows.WSAENETUNREACH:
		return ErrNetworkUnreachable
	case windows.WSAEADDRINUSE:
		return ErrAddressInUse
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
		return ErrFileNotFound
	case windows.ERROR_ACCESS_DENIED:
		return ErrAccessDenied
	case windows.ERROR_INVALID_HANDLE:
		return ErrBadHandle
	case windows.ERROR_DIRECTORY:
		return ErrIsDirectory
	case windows.ERROR_DISK_FULL:
		return ErrOutOfDiskSpace
	case windows.ERROR_NO_UNICODE_TRANSLATION:
		return ErrInvalidUnicode
	default:
		return ErrNativeError
	}
}
