package background

import (
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

// ParentCreateCallback receives the result of a same-process parent
// actor request. Resolved on the controller loop, exactly once.
type ParentCreateCallback interface {
	Success(actor *ParentActor, workerLoop *task.Loop)
	Failure()
}

// ParentActor is the worker-loop side of one established connection.
// Cross-process instances own a channel and a peer process handle and
// appear in the live set while open; same-process instances are bare
// until the requesting consumer attaches its end of an in-process
// pair.
//
// State machine: Open -> Destroying (worker loop) -> Destroyed
// (controller loop finalize).
type ParentActor struct {
	id string
	c  *Coordinator

	// Fixed at construction.
	isOtherProcess bool

	// Written on the worker loop during connect/attach; read by the
	// controller finalize, which is ordered strictly after.
	channel ipc.Channel
	peer    ipc.ProcessHandle

	// Worker-loop-only.
	live      *liveSet
	destroyed bool
	workerRef *task.Loop
}

// newParentActor constructs a closed actor. Controller loop only.
func newParentActor(c *Coordinator, otherProcess bool) *ParentActor {
	c.requireController("newParentActor")
	return &ParentActor{
		id:             "bg-" + gonanoid.Must(10),
		c:              c,
		isOtherProcess: otherProcess,
	}
}

// ID returns the actor's identity.
func (a *ParentActor) ID() string { return a.id }

// IsOtherProcess reports whether the peer child lives in another
// process. Worker loop only.
func (a *ParentActor) IsOtherProcess() bool {
	a.c.requireWorker("IsOtherProcess")
	return a.isOtherProcess
}

// Peer returns the peer process handle, or nil for same-process
// actors. Worker loop only; must not be called after destroy.
func (a *ParentActor) Peer() ipc.ProcessHandle {
	a.c.requireWorker("Peer")
	if a.destroyed {
		a.c.policy.Fail("Peer called after actor destroy", slog.String("actor", a.id))
		return nil
	}
	return a.peer
}

// Channel returns the actor's channel for the protocol layer built on
// top. Worker loop only.
func (a *ParentActor) Channel() ipc.Channel {
	a.c.requireWorker("Channel")
	return a.channel
}

// connect runs on the worker loop: performs the open handshake and, on
// success, registers the actor in the live set. On failure the actor
// goes through the standard destroy path, balancing the live count.
func (a *ParentActor) connect(tr ipc.Transport, desc string, peer ipc.ProcessHandle, live *liveSet) {
	a.c.requireWorker("connect")

	a.peer = peer
	a.workerRef = task.Current()

	ch, err := tr.Open(desc, ipc.ParentSide)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrProtocolOpen, err)
		a.c.log.Warn("parent channel open failed",
			slog.String("actor", a.id), slog.String("desc", desc), slog.Any("error", err))
		a.c.metrics.AllocationFailed("process", "protocol-open")
		a.destroyed = true
		a.destroy()
		return
	}

	a.channel = ch
	a.setLiveSet(live)
	a.watch()
	a.c.metrics.ActorOpened(true)
}

// attach runs on the worker loop: gives a same-process actor its end
// of the in-process pair.
func (a *ParentActor) attach(ch ipc.Channel) {
	a.c.requireWorker("attach")
	if a.isOtherProcess || a.channel != nil {
		a.c.policy.Fail("attach on an already-connected actor", slog.String("actor", a.id))
		return
	}
	a.workerRef = task.Current()
	a.channel = ch
	a.watch()
	a.c.metrics.ActorOpened(false)
}

func (a *ParentActor) setLiveSet(live *liveSet) {
	a.c.requireWorker("setLiveSet")
	if !a.isOtherProcess || a.live != nil || live.contains(a) {
		a.c.policy.Fail("bad live set registration", slog.String("actor", a.id))
		return
	}
	a.live = live
	live.add(a)
}

// watch turns channel disconnection into actorDestroy on the worker
// loop. Runs on the worker loop.
func (a *ParentActor) watch() {
	w := a.workerRef
	ch := a.channel
	go func() {
		<-ch.Closed()
		w.Post(func() {
			if !a.destroyed {
				a.actorDestroy()
			}
		})
	}()
}

// Close disconnects the actor. Callable from any goroutine; idempotent.
func (a *ParentActor) Close() {
	if a.c.IsOnWorkerLoop() {
		a.closeOnWorker()
		return
	}
	w := a.c.workerToken.Load()
	if w == nil {
		return
	}
	w.Post(a.closeOnWorker)
}

func (a *ParentActor) closeOnWorker() {
	a.c.requireWorker("closeOnWorker")
	if a.destroyed {
		return
	}
	if a.channel != nil {
		_ = a.channel.Close()
	}
	a.actorDestroy()
}

// actorDestroy enters the Destroying state. Worker loop only, exactly
// once.
func (a *ParentActor) actorDestroy() {
	a.c.requireWorker("actorDestroy")
	if a.destroyed {
		a.c.policy.Fail("actor destroyed twice", slog.String("actor", a.id))
		return
	}
	a.destroyed = true

	if a.live != nil {
		if !a.live.remove(a) {
			a.c.policy.Fail("actor missing from live set", slog.String("actor", a.id))
		}
		a.live = nil
	}

	// The layer that announced the disconnect is still using the actor
	// and its channel on this call stack, so take one extra hop on the
	// worker loop before handing off to the controller.
	w := task.Current()
	if !w.Post(a.destroy) {
		a.destroy()
	}
}

// destroy hands the actor to the controller for finalization. May be
// called from any loop.
func (a *ParentActor) destroy() {
	if !a.c.controller.Post(a.finalize) {
		a.c.policy.Fail("controller loop gone before actor finalize", slog.String("actor", a.id))
	}
}

// finalize releases the actor's resources on the controller loop: the
// channel is disposed on the I/O loop (never on the controller
// directly), the process handle is closed, and the live count drops,
// tearing down the worker loop if this was the last actor.
func (a *ParentActor) finalize() {
	a.c.requireController("finalize")

	if a.channel != nil {
		ch := a.channel
		a.channel = nil
		if !a.c.io.Post(func() { _ = ch.Close() }) {
			_ = ch.Close()
		}
	}

	if a.peer != nil {
		_ = a.peer.Close()
		a.peer = nil
	}

	a.c.metrics.ActorClosed()
	a.c.decLiveCount()
}
