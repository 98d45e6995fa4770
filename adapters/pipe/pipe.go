// Package pipe provides an in-process implementation of the ipc
// transport interfaces: a cross-wired channel pair for endpoints that
// live in the same process, and a rendezvous Transport for tests that
// exercise the descriptor-based open path without a real wire.
package pipe

import (
	"fmt"
	"sync"

	"github.com/codewandler/bgactor-go/ports/ipc"
)

type endpoint struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// New returns the two connected endpoints of an in-process channel.
// Closing either endpoint disconnects both.
func New() (ipc.Channel, ipc.Channel) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &endpoint{in: b2a, out: a2b, done: done, once: once}
	b := &endpoint{in: a2b, out: b2a, done: done, once: once}
	return a, b
}

func (e *endpoint) Send(data []byte) error {
	select {
	case <-e.done:
		return ipc.ErrTransportClosed
	case e.out <- data:
		return nil
	}
}

func (e *endpoint) Recv() ([]byte, error) {
	select {
	case <-e.done:
		// Drain messages that raced with close.
		select {
		case data := <-e.in:
			return data, nil
		default:
			return nil, ipc.ErrTransportClosed
		}
	case data := <-e.in:
		return data, nil
	}
}

func (e *endpoint) Closed() <-chan struct{} { return e.done }

func (e *endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

type parked struct {
	role ipc.Role
	ch   ipc.Channel
}

// Transport pairs two Open calls with the same descriptor and opposite
// roles into a connected channel pair.
type Transport struct {
	mu      sync.Mutex
	pending map[string]parked
	closed  bool
}

// NewTransport returns an empty rendezvous transport.
func NewTransport() *Transport {
	return &Transport{pending: make(map[string]parked)}
}

func (t *Transport) Open(desc string, role ipc.Role) (ipc.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ipc.ErrTransportClosed
	}

	if p, ok := t.pending[desc]; ok {
		if p.role == role {
			return nil, fmt.Errorf("pipe: %q already has a %s side: %w", desc, role, ipc.ErrOpenRejected)
		}
		delete(t.pending, desc)
		return p.ch, nil
	}

	// First side in parks the peer end under the descriptor.
	mine, theirs := New()
	t.pending[desc] = parked{role: role, ch: theirs}
	return mine, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ipc.ErrTransportClosed
	}
	t.closed = true
	for desc, p := range t.pending {
		_ = p.ch.Close()
		delete(t.pending, desc)
	}
	return nil
}

var _ ipc.Transport = (*Transport)(nil)
