package fiber

import (
	"errors"
	"syscall"
	"testing"
)

func TestMapOSErrorClassifiesErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  OSErrorKind
	}{
		{syscall.ECANCELED, ErrOperationAborted},
		{syscall.EPIPE, ErrBrokenPipe},
		{syscall.ETIMEDOUT, ErrTimedOut},
		{syscall.ECONNRESET, ErrConnectionReset},
		{syscall.ENOENT, ErrFileNotFound},
		{syscall.EACCES, ErrAccessDenied},
		{syscall.EBADF, ErrBadHandle},
	}
	for _, c := range cases {
		err := mapOSError("test.op", c.errno)
		var osErr *OSError
		if !errors.As(err, &osErr) {
			t.Fatalf("mapOSError(%v) did not produce an *OSError", c.errno)
		}
		if osErr.Kind != c.want {
			t.Errorf("mapOSError(%v).Kind = %v, want %v", c.errno, osErr.Kind, c.want)
		}
		if osErr.Code != int(c.errno) {
			t.Errorf("mapOSError(%v).Code = %d, want %d", c.errno, osErr.Code, int(c.errno))
		}
	}
}

func TestMapOSErrorNilIsNil(t *testing.T) {
	if err := mapOSError("test.op", nil); err != nil {
		t.Fatalf("mapOSError(nil) = %v, want nil", err)
	}
}

func TestMapOSErrorUnknownErrnoIsNativeError(t *testing.T) {
	err := mapOSError("test.op", syscall.Errno(0xDEAD))
	var osErr *OSError
	if !errors.As(err, &osErr) || osErr.Kind != ErrNativeError {
		t.Fatalf("mapOSError(unknown) = %v, want ErrNativeError", err)
	}
}

func TestOSErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &OSError{Kind: ErrBrokenPipe, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to follow OSError.Unwrap to the underlying cause")
	}
}

func TestContractViolationDetection(t *testing.T) {
	err := WrapError("context", &ContractViolation{Message: "scheduling on wrong thread"})
	if !IsContractViolation(err) {
		t.Fatal("expected IsContractViolation to detect a wrapped ContractViolation")
	}
	if IsContractViolation(errors.New("plain")) {
		t.Fatal("expected IsContractViolation to be false for an unrelated error")
	}
}

func TestOSErrorKindStringCoversKnownKinds(t *testing.T) {
	kinds := []OSErrorKind{
		ErrOperationNotSupported, ErrOperationAborted, ErrBrokenPipe, ErrTimedOut,
		ErrConnectionReset, ErrConnectionRefused, ErrConnectionAborted, ErrHostDown,
		ErrHostUnreachable, ErrNetworkDown, ErrNetworkUnreachable, ErrAddressInUse,
		ErrFileNotFound, ErrAccessDenied, ErrBadHandle, ErrIsDirectory,
		ErrOutOfDiskSpace, ErrInvalidUnicode, ErrNativeError,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Errorf("OSErrorKind(%d).String() is empty", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatal("expected each OSErrorKind to have a distinct string representation")
	}
}
