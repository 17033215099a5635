//go:build windows

package proc

import (
	"os"
)

// Alive reports whether pid names a live process. On Windows FindProcess
// opens a handle, which fails for exited processes.
func Alive(pid int) bool {
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

// Windows has no SIGTERM; terminate is a hard kill.
func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
