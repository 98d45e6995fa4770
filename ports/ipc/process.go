package ipc

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// ProcessHandle is an open reference to a peer process.
type ProcessHandle interface {
	PID() int
	Close() error
}

// ProcessHandles opens handles to peer processes. Open fails with
// [ErrProcessNotFound] when the peer has already exited; callers treat
// that as an expected race, not a bug.
type ProcessHandles interface {
	Open(pid int) (ProcessHandle, error)
}

type osProcessHandle struct {
	pid  int
	proc *os.Process
}

func (h *osProcessHandle) PID() int { return h.pid }

func (h *osProcessHandle) Close() error {
	if h.proc == nil {
		return nil
	}
	err := h.proc.Release()
	h.proc = nil
	return err
}

type osProcessHandles struct {
	probes singleflight.Group
}

// OSProcessHandles returns a ProcessHandles backed by the operating
// system. Concurrent opens for the same pid share a single liveness
// probe.
func OSProcessHandles() ProcessHandles {
	return &osProcessHandles{}
}

func (p *osProcessHandles) Open(pid int) (ProcessHandle, error) {
	_, err, _ := p.probes.Do(strconv.Itoa(pid), func() (any, error) {
		return nil, probeProcess(pid)
	})
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, ErrProcessNotFound)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, ErrProcessNotFound)
	}

	return &osProcessHandle{pid: pid, proc: proc}, nil
}
