package task

import (
	"fmt"
	"runtime"
	"sync"
)

// loops maps goroutine id -> running loop. Each entry is written only
// by its own loop goroutine, at start and exit.
var (
	loopsMu sync.RWMutex
	loops   = map[uint64]*Loop{}
)

// goid extracts the calling goroutine's id from the runtime stack
// header ("goroutine 123 [running]:").
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	_, _ = fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

func register(l *Loop) {
	id := goid()
	loopsMu.Lock()
	loops[id] = l
	loopsMu.Unlock()
}

func unregister(l *Loop) {
	id := goid()
	loopsMu.Lock()
	if loops[id] == l {
		delete(loops, id)
	}
	loopsMu.Unlock()
}

// Current returns the loop the calling goroutine belongs to, or nil if
// the caller is not a loop goroutine.
func Current() *Loop {
	id := goid()
	loopsMu.RLock()
	l := loops[id]
	loopsMu.RUnlock()
	return l
}

// IsCurrent reports whether the calling goroutine is l's goroutine.
func (l *Loop) IsCurrent() bool { return Current() == l }
