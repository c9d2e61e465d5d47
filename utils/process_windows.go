//go:build windows

package utils

import "os"

// IsProcessAlive returns true if a process with the given PID currently exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
