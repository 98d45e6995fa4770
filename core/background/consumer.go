package background

import (
	"fmt"
	"log/slog"

	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

// consumerRecord is one loop's cached child actor plus the FIFO of
// waiters for an in-flight creation. Records live in the coordinator's
// map (mutex-guarded) but their fields are confined to the owning
// loop.
type consumerRecord struct {
	actor     *ChildActor
	callbacks []CreateCallback
	inflight  bool
	ext       any
}

// nextCallback pops the oldest waiter, so waiters registered during
// delivery still drain in order. Owning loop only.
func (r *consumerRecord) nextCallback() CreateCallback {
	if len(r.callbacks) == 0 {
		return nil
	}
	cb := r.callbacks[0]
	r.callbacks = r.callbacks[1:]
	return cb
}

func (c *Coordinator) record(loop *task.Loop) *consumerRecord {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	return c.consumers[loop]
}

// GetOrCreateForCurrentLoop hands the calling loop's child actor to cb:
// replayed from cache when one is bound, queued behind an in-flight
// creation, or by starting a creation attempt. cb resolves exactly
// once, on this loop, in registration order relative to other waiters.
func (c *Coordinator) GetOrCreateForCurrentLoop(cb CreateCallback) error {
	loop := task.Current()
	if loop == nil {
		c.policy.Fail("GetOrCreateForCurrentLoop called off any loop")
		return ErrNotOnLoop
	}
	if loop.Stopping() {
		return ErrLoopStopping
	}

	c.consumersMu.Lock()
	rec := c.consumers[loop]
	if rec == nil {
		if c.shutdownStarted.Load() {
			c.consumersMu.Unlock()
			c.policy.Fail("allocation attempted after shutdown has started")
			return ErrShutdownStarted
		}
		rec = &consumerRecord{}
		c.consumers[loop] = rec
		_, hooked := c.hookedLoops[loop]
		if !hooked {
			c.hookedLoops[loop] = struct{}{}
		}
		c.consumersMu.Unlock()
		if !hooked {
			loop.OnTeardown(func() { c.loopTeardown(loop) })
		}
	} else {
		c.consumersMu.Unlock()
	}

	rec.callbacks = append(rec.callbacks, cb)

	if rec.actor != nil {
		// Replay through the queue as a single-shot task instead of
		// re-entrantly; it is delivered even during a drain because
		// infrastructure notifications are not optional.
		loop.Post(func() { c.replayExisting(loop) })
		return nil
	}

	if rec.inflight {
		return nil
	}
	rec.inflight = true

	if c.controller.IsCurrent() {
		c.openProtocolOnController(loop)
		return nil
	}
	if !c.controller.Post(func() { c.openProtocolOnController(loop) }) {
		c.failRecordOnLoop(loop)
		return ErrDispatch
	}
	return nil
}

// GetForCurrentLoop returns the calling loop's bound child actor, or
// nil when none has been created.
func (c *Coordinator) GetForCurrentLoop() *ChildActor {
	loop := task.Current()
	if loop == nil {
		return nil
	}
	rec := c.record(loop)
	if rec == nil {
		return nil
	}
	return rec.actor
}

// CloseForCurrentLoop synchronously closes and releases the calling
// loop's bound actor. Calling it without a record is a misuse: either
// startup is still racing or the actor was already closed.
func (c *Coordinator) CloseForCurrentLoop() {
	loop := task.Current()
	if loop == nil {
		c.policy.Fail("CloseForCurrentLoop called off any loop")
		return
	}
	if c.record(loop) == nil {
		c.policy.Fail("closing a non-existent background actor")
		return
	}
	c.closeRecordFor(loop)
}

// ExtensionForCurrentLoop returns the lazily-built consumer extension
// slot of the calling loop's record, or nil when the loop has no
// record or no factory is configured.
func (c *Coordinator) ExtensionForCurrentLoop() any {
	loop := task.Current()
	if loop == nil {
		return nil
	}
	rec := c.record(loop)
	if rec == nil {
		return nil
	}
	if rec.ext == nil && c.cfg.Extension != nil {
		rec.ext = c.cfg.Extension()
	}
	return rec.ext
}

// replayExisting delivers the cached actor to all queued waiters.
// Runs as a task on the owning loop.
func (c *Coordinator) replayExisting(loop *task.Loop) {
	rec := c.record(loop)
	if rec == nil || rec.actor == nil {
		// The loop is tearing down; waiters were already failed.
		return
	}
	for cb := rec.nextCallback(); cb != nil; cb = rec.nextCallback() {
		cb.ActorCreated(rec.actor)
	}
}

// openProtocolOnController starts the actual open sequence for one
// requesting loop. Controller loop only.
func (c *Coordinator) openProtocolOnController(requester *task.Loop) {
	c.requireController("openProtocolOnController")

	if c.shutdownBegun {
		c.policy.Fail("allocation attempted after shutdown has started")
		c.dispatchFailure(requester)
		return
	}

	switch c.cfg.Role {
	case RoleParent:
		cb := &sameProcessCreateCallback{c: c, requester: requester}
		if err := c.CreateActorForSameProcess(cb); err != nil {
			c.log.Warn("same-process create failed", slog.Any("error", err))
			c.dispatchFailure(requester)
		}
	case RoleChild:
		if c.cfg.ParentConnect == nil {
			c.policy.Fail("child role without ParentConnect")
			c.dispatchFailure(requester)
			return
		}
		if err := c.cfg.ParentConnect(); err != nil {
			c.log.Warn("parent connect failed", slog.Any("error", err))
			c.metrics.AllocationFailed("child", "parent-connect")
			c.dispatchFailure(requester)
			return
		}
		c.pendingTargets = append(c.pendingTargets, requester)
	}
}

// sameProcessCreateCallback bridges the parent-side creation result to
// the requesting consumer loop.
type sameProcessCreateCallback struct {
	c         *Coordinator
	requester *task.Loop
}

func (s *sameProcessCreateCallback) Success(parent *ParentActor, workerLoop *task.Loop) {
	c := s.c
	c.requireController("sameProcessCreateCallback.Success")

	if c.cfg.SameProcessPair == nil {
		c.policy.Fail("parent role without SameProcessPair")
		parent.destroy()
		c.dispatchFailure(s.requester)
		return
	}

	parentEnd, childEnd := c.cfg.SameProcessPair()
	child := newChildActor(c)

	ok := s.requester.Post(func() {
		c.openSameProcessActor(child, parent, workerLoop, parentEnd, childEnd)
	})
	if !ok {
		// Requester is gone; its teardown already failed the waiters.
		_ = parentEnd.Close()
		parent.destroy()
	}
}

func (s *sameProcessCreateCallback) Failure() {
	s.c.requireController("sameProcessCreateCallback.Failure")
	s.c.dispatchFailure(s.requester)
}

// openSameProcessActor completes a same-process creation on the
// requesting loop: the parent actor gets its end attached on the
// worker loop, the child binds here, and the waiters drain in order.
func (c *Coordinator) openSameProcessActor(child *ChildActor, parent *ParentActor, workerLoop *task.Loop, parentEnd, childEnd ipc.Channel) {
	loop := task.Current()
	rec := c.record(loop)
	if rec == nil {
		_ = parentEnd.Close()
		_ = childEnd.Close()
		parent.destroy()
		return
	}

	if !workerLoop.Post(func() { parent.attach(parentEnd) }) {
		c.log.Warn("worker loop rejected parent attach")
		_ = parentEnd.Close()
		_ = childEnd.Close()
		parent.destroy()
		c.metrics.AllocationFailed("sameprocess", "dispatch")
		c.failRecordOnLoop(loop)
		return
	}

	child.open(childEnd, nil)
	rec.actor = child
	rec.inflight = false

	for cb := rec.nextCallback(); cb != nil; cb = rec.nextCallback() {
		cb.ActorCreated(child)
	}
}

// openChildProcessActor completes a cross-process creation on the
// requesting loop (child role).
func (c *Coordinator) openChildProcessActor(child *ChildActor, desc string, handle ipc.ProcessHandle) {
	loop := task.Current()
	rec := c.record(loop)
	if rec == nil {
		_ = handle.Close()
		return
	}

	ch, err := c.cfg.Transport.Open(desc, ipc.ChildSide)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrProtocolOpen, err)
		c.policy.Fail("child channel open failed", slog.String("desc", desc), slog.Any("error", err))
		c.metrics.AllocationFailed("child", "protocol-open")
		_ = handle.Close()
		c.failRecordOnLoop(loop)
		return
	}

	child.open(ch, handle)
	rec.actor = child
	rec.inflight = false

	for cb := rec.nextCallback(); cb != nil; cb = rec.nextCallback() {
		cb.ActorCreated(child)
	}
}

// dispatchFailure posts a failure drain to the requesting loop.
func (c *Coordinator) dispatchFailure(requester *task.Loop) {
	if !requester.Post(func() { c.failRecordOnLoop(requester) }) {
		c.log.Warn("failed to dispatch failure callback")
	}
}

// failRecordOnLoop fails every queued waiter and leaves the record
// empty, so the next request on this loop starts the creation sequence
// over. Runs on the owning loop.
func (c *Coordinator) failRecordOnLoop(loop *task.Loop) {
	rec := c.record(loop)
	if rec == nil {
		return
	}
	rec.inflight = false
	for cb := rec.nextCallback(); cb != nil; cb = rec.nextCallback() {
		cb.ActorFailed()
	}
}

// loopTeardown runs on the dying loop's goroutine, after its last
// task. The loop identity will never be seen again, so its hook mark
// goes too.
func (c *Coordinator) loopTeardown(loop *task.Loop) {
	c.consumersMu.Lock()
	delete(c.hookedLoops, loop)
	c.consumersMu.Unlock()
	c.closeRecordFor(loop)
}

// closeRecordFor tears down one loop's record: pending waiters fail,
// the bound actor (if any) is synchronously closed before the slot is
// released, and the final actor reference is dropped on the controller
// loop. Runs on the owning loop, either from its teardown hook or from
// CloseForCurrentLoop.
func (c *Coordinator) closeRecordFor(loop *task.Loop) {
	c.consumersMu.Lock()
	rec := c.consumers[loop]
	delete(c.consumers, loop)
	c.consumersMu.Unlock()

	if rec == nil {
		return
	}

	for cb := rec.nextCallback(); cb != nil; cb = rec.nextCallback() {
		cb.ActorFailed()
	}

	if rec.actor != nil {
		actor := rec.actor
		rec.actor = nil
		actor.Close()
		actor.assertDestroyed()
		actor.release()
	}
}
