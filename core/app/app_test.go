package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/bgactor-go/adapters/pipe"
	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/task"
)

func TestAppRunStop(t *testing.T) {
	a, err := New(Config{
		Context:         t.Context(),
		Role:            background.RoleParent,
		SameProcessPair: pipe.New,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	loop := task.Start(task.Options{Name: "consumer"})

	actors := make(chan *background.ChildActor, 1)
	require.True(t, loop.PostWait(func() {
		err := a.Coordinator().GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(actor *background.ChildActor) { actors <- actor },
			OnFailed:  func() { actors <- nil },
		})
		require.NoError(t, err)
	}))

	select {
	case actor := <-actors:
		require.NotNil(t, actor)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for actor")
	}

	loop.Stop()
	loop.Join()

	a.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for app to stop")
	}
}
