//go:build !windows

package preflight

import (
	"golang.org/x/sys/unix"
)

func freeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	// Bavail is the space available to unprivileged users, which is what a
	// snapshot write will actually get.
	return stat.Bavail * uint64(stat.Bsize), nil
}
