package integration

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/bgactor-go/adapters/nats"
	"github.com/codewandler/bgactor-go/adapters/pipe"
	"github.com/codewandler/bgactor-go/adapters/prometheus"
	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

// workerCapture grabs the worker loop so the test can run protocol
// code on it, the way a real wire layer would.
type workerCapture struct {
	loop atomic.Pointer[task.Loop]
}

func (o *workerCapture) Register(l *task.Loop) { o.loop.Store(l) }
func (o *workerCapture) Unregister(*task.Loop) {}

func TestIntegration(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connect := nats.ReuseConnection(nats.NewTestContainer(t))

	parentTr, err := nats.NewTransport(nats.TransportConfig{Connect: connect})
	require.NoError(t, err)
	childTr, err := nats.NewTransport(nats.TransportConfig{Connect: connect})
	require.NoError(t, err)

	reg := promclient.NewRegistry()
	obs := &workerCapture{}

	// Parent side, standing in for the main process.
	parent, err := background.New(background.Config{
		Role:            background.RoleParent,
		Metrics:         prometheus.NewBackgroundMetrics(reg),
		Transport:       parentTr,
		Observer:        obs,
		SameProcessPair: pipe.New,
	})
	require.NoError(t, err)
	defer parent.Shutdown()

	// The wire layer between the two: a connect request from the child
	// makes the parent admit the peer, then the answer completes the
	// child-side open. Both halves ride the same test process.
	var seq atomic.Int64
	var child *background.Coordinator
	parentConnect := func() error {
		desc := fmt.Sprintf("conn-%d", seq.Add(1))
		go func() {
			var pa *background.ParentActor
			ok := parent.Controller().PostWait(func() {
				var allocErr error
				pa, allocErr = parent.AllocParent(os.Getpid(), desc)
				require.NoError(t, allocErr)
			})
			require.True(t, ok)

			// Echo server on the worker loop, reading the parent end.
			w := obs.loop.Load()
			require.NotNil(t, w)
			require.True(t, w.PostWait(func() {
				ch := pa.Channel()
				go func() {
					for {
						data, err := ch.Recv()
						if err != nil {
							return
						}
						_ = ch.Send(data)
					}
				}()
			}))

			child.Controller().Post(func() {
				_, err := child.AllocChild(desc, os.Getpid())
				require.NoError(t, err)
			})
		}()
		return nil
	}

	child, err = background.New(background.Config{
		Role:          background.RoleChild,
		Transport:     childTr,
		ParentConnect: parentConnect,
	})
	require.NoError(t, err)
	defer child.Shutdown()

	consumer := task.Start(task.Options{Name: "consumer"})

	actors := make(chan *background.ChildActor, 1)
	require.True(t, consumer.PostWait(func() {
		err := child.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(a *background.ChildActor) { actors <- a },
			OnFailed:  func() { t.Error("actor creation failed") },
		})
		require.NoError(t, err)
	}))

	var actor *background.ChildActor
	select {
	case actor = <-actors:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for child actor")
	}

	// Round trip over the real wire.
	var ch ipc.Channel
	require.True(t, consumer.PostWait(func() { ch = actor.Channel() }))
	require.NoError(t, ch.Send([]byte("ping")))
	got, err := ch.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)

	require.Equal(t, 1.0, gaugeValue(t, reg, "bgactor_live_actors"))

	// The consumer goes away; its actor closes, the close frame reaches
	// the parent and the worker loop retires.
	consumer.Stop()
	consumer.Join()

	require.Eventually(t, func() bool {
		return gaugeValue(t, reg, "bgactor_live_actors") == 0
	}, 10*time.Second, 10*time.Millisecond)
}

// gaugeValue reads one gauge out of the registry by name.
func gaugeValue(t *testing.T, reg *promclient.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
