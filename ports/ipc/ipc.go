package ipc

import "errors"

var (
	// Transport errors
	ErrTransportClosed = errors.New("transport closed")
	ErrOpenRejected    = errors.New("channel open rejected")

	// Process errors
	ErrProcessNotFound = errors.New("process not found")
)

// Role identifies which side of a channel an endpoint plays.
type Role int

const (
	ParentSide Role = iota
	ChildSide
)

func (r Role) String() string {
	if r == ParentSide {
		return "parent"
	}
	return "child"
}

// Channel is one established endpoint of a bidirectional message
// conduit. Framing and encoding are the adapter's concern; the
// coordinator only sequences open and close against its own state.
type Channel interface {
	// Send delivers one message to the peer.
	Send(data []byte) error
	// Recv blocks for the next message from the peer. It returns an
	// error once the channel is closed.
	Recv() ([]byte, error)
	// Closed is closed when the channel is disconnected, by either
	// side.
	Closed() <-chan struct{}
	// Close disconnects the channel. Idempotent.
	Close() error
}

// Transport creates channels from descriptors. Open performs whatever
// handshake the wire requires; a handshake rejection surfaces as an
// error here.
type Transport interface {
	Open(desc string, role Role) (Channel, error)
	Close() error
}
