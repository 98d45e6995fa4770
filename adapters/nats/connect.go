package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector produces a NATS connection plus the function that releases
// it. Transports never connect on their own; they are handed one of
// these.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between transports. Each call
// takes a lease; the connection closes once the last lease is released,
// and a later call dials again.
func ReuseConnection(connect Connector) Connector {
	var (
		mu     sync.Mutex
		nc     *natsgo.Conn
		closeC closeFunc
		leases int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leases--
		if leases == 0 {
			closeC()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeC, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leases++
		return nc, release, nil
	}
}

// ConnectURL dials a fixed server URL. Extra options are appended to
// the defaults, which name the client and bound reconnect attempts so
// a dead server fails channel opens instead of buffering forever.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		options := append([]natsgo.Option{
			natsgo.Name("bgactor"),
			natsgo.MaxReconnects(3),
		}, opts...)
		nc, err := natsgo.Connect(natsURL, options...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault honors NATS_URL and falls back to the library default.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
