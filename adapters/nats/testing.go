package nats

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Testing is the subset of *testing.T the container helper needs.
type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a disposable NATS server and returns a
// Connector pointed at it. The container terminates with the test.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	srv, err := testcontainers.Run(
		ctx, "nats:2.11-alpine",
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(srv); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	// The mapped host port works both from the host and inside CI
	// runners, unlike the container IP.
	host, err := srv.Host(ctx)
	require.NoError(t, err)
	port, err := srv.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)

	url := "nats://" + host + ":" + port.Port()
	t.Logf("nats server: %s", url)
	return ConnectURL(url)
}
