package background

import (
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

// CreateCallback is the consumer surface for child actor requests.
// Every registered waiter receives exactly one of the two
// notifications, exactly once, on its own loop.
type CreateCallback interface {
	ActorCreated(actor *ChildActor)
	ActorFailed()
}

// CreateCallbackFuncs adapts plain functions to CreateCallback.
type CreateCallbackFuncs struct {
	OnCreated func(actor *ChildActor)
	OnFailed  func()
}

func (f CreateCallbackFuncs) ActorCreated(actor *ChildActor) {
	if f.OnCreated != nil {
		f.OnCreated(actor)
	}
}

func (f CreateCallbackFuncs) ActorFailed() {
	if f.OnFailed != nil {
		f.OnFailed()
	}
}

// ChildActor is the consumer side of one established connection,
// pinned to the loop that requested it. Apart from the creation
// handoff it must only be touched on its bound loop; every entry point
// asserts that.
//
// State machine: Open -> Destroyed, a single transition.
type ChildActor struct {
	id string
	c  *Coordinator

	// Set once during the creation handoff, before the actor becomes
	// visible to consumers.
	bound   *task.Loop
	channel ipc.Channel
	peer    ipc.ProcessHandle

	// Bound-loop-only.
	destroyed bool
}

func newChildActor(c *Coordinator) *ChildActor {
	return &ChildActor{
		id: "bgc-" + gonanoid.Must(10),
		c:  c,
	}
}

// ID returns the actor's identity.
func (a *ChildActor) ID() string { return a.id }

func (a *ChildActor) assertOnBoundLoop(op string) {
	if a.bound == nil || !a.bound.IsCurrent() {
		a.c.policy.Fail(op+" called off the actor's bound loop", slog.String("actor", a.id))
	}
}

// open binds the actor to the calling loop and wires disconnection.
// Runs on the requesting consumer loop during the creation handoff.
func (a *ChildActor) open(ch ipc.Channel, peer ipc.ProcessHandle) {
	if a.bound != nil {
		a.c.policy.Fail("child actor opened twice", slog.String("actor", a.id))
		return
	}
	a.bound = task.Current()
	a.channel = ch
	a.peer = peer

	bound := a.bound
	go func() {
		<-ch.Closed()
		bound.Post(func() {
			if !a.destroyed {
				a.actorDestroy()
			}
		})
	}()
}

// Channel returns the actor's channel for the protocol layer built on
// top. Bound loop only.
func (a *ChildActor) Channel() ipc.Channel {
	a.assertOnBoundLoop("Channel")
	return a.channel
}

// Close disconnects the actor. Bound loop only; idempotent.
func (a *ChildActor) Close() {
	a.assertOnBoundLoop("Close")
	if a.destroyed {
		return
	}
	if a.channel != nil {
		_ = a.channel.Close()
	}
	a.actorDestroy()
}

func (a *ChildActor) actorDestroy() {
	a.assertOnBoundLoop("actorDestroy")
	if a.destroyed {
		a.c.policy.Fail("child actor destroyed twice", slog.String("actor", a.id))
		return
	}
	a.destroyed = true

	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.peer != nil {
		_ = a.peer.Close()
		a.peer = nil
	}
}

func (a *ChildActor) assertDestroyed() {
	if !a.destroyed {
		a.c.policy.Fail("child actor not destroyed in time", slog.String("actor", a.id))
	}
}

// release routes the final drop of the actor to the controller loop;
// child actors are created through controller-side machinery and their
// lifetime is pinned there. The posted task exists purely so the last
// reference is let go on the right loop.
func (a *ChildActor) release() {
	if a.c.controller.IsCurrent() {
		return
	}
	actor := a
	a.c.controller.Post(func() { _ = actor })
}
