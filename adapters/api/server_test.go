package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/bgactor-go/adapters/pipe"
	promadapter "github.com/codewandler/bgactor-go/adapters/prometheus"
	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	notifier := ipc.NewManualNotifier()

	coord, err := background.New(background.Config{
		Role:            background.RoleParent,
		Metrics:         promadapter.NewBackgroundMetrics(reg),
		Notifier:        notifier,
		SameProcessPair: pipe.New,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	s, err := New(Config{
		Addr:        "127.0.0.1:0",
		Registry:    reg,
		Coordinator: coord,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.False(t, health.ShuttingDown)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// An allocation installs the shutdown hook and brings the worker up.
	loop := task.Start(task.Options{Name: "consumer"})
	t.Cleanup(func() {
		loop.Stop()
		loop.Join()
	})
	actors := make(chan *background.ChildActor, 1)
	require.True(t, loop.PostWait(func() {
		err := coord.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(a *background.ChildActor) { actors <- a },
			OnFailed:  func() { actors <- nil },
		})
		require.NoError(t, err)
	}))
	select {
	case a := <-actors:
		require.NotNil(t, a)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for actor")
	}

	notifier.Trigger()
	require.Eventually(t, coord.ShutdownStarted, 5*time.Second, time.Millisecond)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
