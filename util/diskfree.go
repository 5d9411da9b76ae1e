// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package util

import (
	"golang.org/x/sys/unix"
)

// FreeSpace returns the number of bytes available to unprivileged users on
// the filesystem holding the given path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	err := unix.Statfs(path, &stat)
	if err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// Min returns the smaller of the passed int values.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
