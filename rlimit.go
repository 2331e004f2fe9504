//go:build unix

package bfs

import "golang.org/x/sys/unix"

// RaiseFDLimit raises the soft RLIMIT_NOFILE to the hard limit where
// permitted and returns the resulting soft limit. The walk itself never
// changes process state; drivers call this once at startup so the FD cache
// capacity derived from the limit is as large as the system allows.
func RaiseFDLimit() (int, error) {
	var lim unix.Rlimit

	err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim)
	if err != nil {
		return 0, err
	}

	if lim.Cur >= lim.Max {
		return int(lim.Cur), nil
	}

	lim.Cur = lim.Max

	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
	if err != nil {
		return 0, err
	}

	return int(lim.Cur), nil
}

// defaultCacheCapacity derives the FD cache bound from the current soft
// RLIMIT_NOFILE, leaving a reserve for the rest of the program.
func defaultCacheCapacity() int {
	var lim unix.Rlimit

	err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim)
	if err != nil {
		return 256
	}

	cur := int(lim.Cur)
	if cur <= 0 || cur > 1<<20 {
		cur = 1 << 20
	}

	return max(cur-cacheReserve, minCacheCapacity)
}
