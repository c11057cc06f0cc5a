//go:build linux

package fiber

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor, mapping any failure into the spec §7
// OSError taxonomy via mapOSError.
func closeFD(fd int) error {
	return mapOSError("fd.close", unix.Close(fd))
}

// readFD reads from a file descriptor, mapping any failure into the spec
// §7 OSError taxonomy via mapOSError.
func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	return n, mapOSError("fd.read", err)
}

// writeFD writes to a file descriptor, mapping any failure into the spec
// §7 OSError taxonomy via mapOSError.
func writeFD(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	return n, mapOSError("fd.write", err)
}
