//go:build !unix

package ipc

import "os"

// probeProcess checks pid liveness. Without a null-signal facility we
// rely on the platform's FindProcess, which fails for dead pids on
// Windows.
func probeProcess(pid int) error {
	_, err := os.FindProcess(pid)
	return err
}
