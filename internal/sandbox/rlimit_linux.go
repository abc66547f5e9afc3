//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// setLockedMemoryLimit caps RLIMIT_MEMLOCK of a running process. Children
// inherit the limit.
func setLockedMemoryLimit(pid int, bytes uint64) error {
	lim := unix.Rlimit{Cur: bytes, Max: bytes}
	return unix.Prlimit(pid, unix.RLIMIT_MEMLOCK, &lim, nil)
}
