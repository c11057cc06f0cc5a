//go:build linux

package fiber

import "golang.org/x/sys/unix"

// createWakeFd creates an eventfd used to interrupt a blocked epoll_wait
// (Linux). The same fd serves as both read and write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

func closeWakeFd(readFd, writeFd int) error {
	if readFd >= 0 {
		return closeFD(readFd)
	}
	return nil
}

// drainWakeFd consumes pending wakeups so the next PollIO doesn't spin on
// an already-signaled eventfd.
func drainWakeFd(readFd int) {
	var buf [8]byte
	for {
		if _, err := readFD(readFd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFd(writeFd int) {
	var one [8]byte
	one[0] = 1
	_, _ = writeFD(writeFd, one[:])
}
