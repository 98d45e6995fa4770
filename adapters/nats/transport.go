// Package nats implements the ipc transport over a NATS connection.
// Each channel maps to a pair of subjects derived from the descriptor,
// one per side; an endpoint subscribes to its own side's subject and
// publishes to the peer's. The open protocol running above the
// transport guarantees the receiving side has subscribed before the
// peer starts sending.
package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/bgactor-go/ports/ipc"
)

const (
	frameData  = "data"
	frameClose = "close"
)

// frame is the wire encoding of one channel message.
type frame struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

type TransportConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for channel subjects, e.g. "bgactor" -> bgactor.chan.<desc>.<side>
	RecvBuffer    int          // RecvBuffer is the per-channel receive queue size. Defaults to 256.
}

type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
	buffer  int

	mu   sync.Mutex
	open map[string]*channel

	closed atomic.Bool
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	buffer := cfg.RecvBuffer
	if buffer <= 0 {
		buffer = 256
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  cfg.SubjectPrefix,
		buffer:  buffer,
		open:    make(map[string]*channel),
	}

	return t, nil
}

// subjectFor returns the subject one side of a channel listens on.
func (t *Transport) subjectFor(desc string, role ipc.Role) string {
	p := t.prefix
	if p == "" {
		p = "bgactor"
	}
	return p + ".chan." + desc + "." + role.String()
}

func (t *Transport) Open(desc string, role ipc.Role) (ipc.Channel, error) {
	if t.closed.Load() {
		return nil, ipc.ErrTransportClosed
	}

	own := t.subjectFor(desc, role)
	peer := t.subjectFor(desc, otherSide(role))

	t.mu.Lock()
	if _, taken := t.open[own]; taken {
		t.mu.Unlock()
		return nil, fmt.Errorf("nats: %q already has a %s side: %w", desc, role, ipc.ErrOpenRejected)
	}
	ch := &channel{
		t:        t,
		own:      own,
		peerSubj: peer,
		in:       make(chan []byte, t.buffer),
		done:     make(chan struct{}),
	}
	t.open[own] = ch
	t.mu.Unlock()

	sub, err := t.nc.Subscribe(own, ch.onMessage)
	if err != nil {
		t.forget(ch)
		return nil, fmt.Errorf("nats: subscribe %s: %w", own, err)
	}
	ch.sub = sub

	return ch, nil
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	if t.open[ch.own] == ch {
		delete(t.open, ch.own)
	}
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return ipc.ErrTransportClosed
	}

	t.mu.Lock()
	chans := make([]*channel, 0, len(t.open))
	for _, ch := range t.open {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}

	if t.nc != nil {
		t.nc.Drain()
		t.closeNc()
	}
	return nil
}

func otherSide(role ipc.Role) ipc.Role {
	if role == ipc.ParentSide {
		return ipc.ChildSide
	}
	return ipc.ParentSide
}

// channel is one endpoint of a NATS-backed channel.
type channel struct {
	t        *Transport
	own      string
	peerSubj string
	sub      *natsgo.Subscription

	in   chan []byte
	done chan struct{}
	once sync.Once
}

// onMessage runs on the subscription's dispatcher goroutine. Blocking
// on the receive queue applies backpressure to this subscription only.
func (c *channel) onMessage(msg *natsgo.Msg) {
	var f frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		c.t.log.Error("failed to decode frame", slog.String("subject", c.own), slog.Any("error", err))
		return
	}

	switch f.Kind {
	case frameClose:
		c.markClosed()
	case frameData:
		select {
		case c.in <- f.Data:
		case <-c.done:
		}
	default:
		c.t.log.Error("unknown frame kind", slog.String("kind", f.Kind))
	}
}

func (c *channel) Send(data []byte) error {
	select {
	case <-c.done:
		return ipc.ErrTransportClosed
	default:
	}

	payload, err := json.Marshal(frame{Kind: frameData, Data: data})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := c.t.nc.Publish(c.peerSubj, payload); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (c *channel) Recv() ([]byte, error) {
	select {
	case <-c.done:
		// Drain messages that raced with close.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, ipc.ErrTransportClosed
		}
	case data := <-c.in:
		return data, nil
	}
}

func (c *channel) Closed() <-chan struct{} { return c.done }

func (c *channel) Close() error {
	c.once.Do(func() {
		if payload, err := json.Marshal(frame{Kind: frameClose}); err == nil {
			_ = c.t.nc.Publish(c.peerSubj, payload)
		}
		close(c.done)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		c.t.forget(c)
	})
	return nil
}

// markClosed records a peer-initiated close.
func (c *channel) markClosed() {
	c.once.Do(func() {
		close(c.done)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		c.t.forget(c)
	})
}

var _ ipc.Transport = (*Transport)(nil)
