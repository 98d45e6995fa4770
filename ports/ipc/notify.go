package ipc

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownNotifier delivers a single "process shutdown has begun"
// notification. Notify registers the callback; implementations invoke
// it at most once.
type ShutdownNotifier interface {
	Notify(fn func()) error
}

// ManualNotifier is a ShutdownNotifier triggered explicitly. Useful in
// tests and in hosts that drive shutdown themselves.
type ManualNotifier struct {
	mu    sync.Mutex
	fn    func()
	fired bool
}

func NewManualNotifier() *ManualNotifier { return &ManualNotifier{} }

func (n *ManualNotifier) Notify(fn func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fn = fn
	if n.fired && fn != nil {
		n.fn = nil
		go fn()
	}
	return nil
}

// Trigger fires the notification. Subsequent calls are no-ops.
func (n *ManualNotifier) Trigger() {
	n.mu.Lock()
	fn := n.fn
	n.fn = nil
	fired := n.fired
	n.fired = true
	n.mu.Unlock()

	if !fired && fn != nil {
		fn()
	}
}

type signalNotifier struct {
	signals []os.Signal
}

// SignalNotifier returns a ShutdownNotifier that fires on SIGINT or
// SIGTERM.
func SignalNotifier() ShutdownNotifier {
	return &signalNotifier{signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM}}
}

func (n *signalNotifier) Notify(fn func()) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, n.signals...)
	go func() {
		<-ch
		signal.Stop(ch)
		fn()
	}()
	return nil
}
