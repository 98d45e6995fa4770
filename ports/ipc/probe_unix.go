//go:build unix

package ipc

import "golang.org/x/sys/unix"

// probeProcess checks pid liveness with a null signal.
func probeProcess(pid int) error {
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return err
	}
	return nil
}
