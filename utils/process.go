package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// LockOwner is the diagnostic content of a lock file: "<pid> <command>".
type LockOwner struct {
	PID     int
	Command string
}

// ParseLockOwner parses lock file content written by lock/filelock.
// It is used for display only; lock acquisition never reads it.
func ParseLockOwner(content []byte) (LockOwner, error) {
	pidStr, cmd, _ := strings.Cut(strings.TrimSpace(string(content)), " ")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return LockOwner{}, fmt.Errorf("parse lock owner %q: %w", string(content), err)
	}
	return LockOwner{PID: pid, Command: cmd}, nil
}
