package background

import (
	"log/slog"

	"github.com/codewandler/bgactor-go/core/task"
)

// Shutdown runs the full two-phase teardown and blocks until the
// worker, controller and I/O loops have stopped. Safe to call from any
// goroutine except the controller loop's own tasks, which should call
// beginShutdown via the notifier instead.
func (c *Coordinator) Shutdown() {
	if c.controller.IsCurrent() {
		c.beginShutdown()
		return
	}
	if !c.controller.PostWait(c.beginShutdown) {
		return
	}
	c.io.Stop()
	c.io.Join()
	c.controller.Stop()
	c.controller.Join()
}

// beginShutdown is the one-shot entry into shutdown, run on the
// controller loop when the notifier fires. After it returns no worker
// loop exists and none will be created again.
func (c *Coordinator) beginShutdown() {
	c.requireController("beginShutdown")
	if c.shutdownBegun {
		return
	}
	c.shutdownBegun = true
	c.shutdownStarted.Store(true)

	c.log.Info("shutdown starting", slog.Uint64("live_actors", c.liveCount))
	c.metrics.WorkerState("draining")

	// The controller itself may hold a consumer record.
	c.closeRecordFor(c.controller)

	c.shutdownWorkerLoop()

	if c.timer != nil {
		c.timer.Cancel()
	}
	c.metrics.WorkerState("stopped")
	c.log.Info("shutdown complete")
}

// shutdownWorkerLoop retires the current worker loop instance. Called
// either when the last live actor closes or from beginShutdown. In the
// shutdown case live actors may still exist; the controller pumps its
// own queue until they drain, with the one-shot timer bounding the
// wait before a forced-close pass. Controller loop only.
func (c *Coordinator) shutdownWorkerLoop() {
	c.requireController("shutdownWorkerLoop")

	if len(c.pendingParentCBs) > 0 {
		cbs := c.pendingParentCBs
		c.pendingParentCBs = nil
		c.metrics.PendingCallbacks(0)
		for _, cb := range cbs {
			cb.Failure()
			// Balance the count taken at request time directly; going
			// through decLiveCount here would recurse into this
			// function while the worker still exists.
			c.liveCount--
		}
		c.metrics.LiveActors(int(c.liveCount))
	}

	if c.worker == nil {
		if c.shutdownBegun && c.liveCount != 0 {
			c.policy.Fail("live actors with no worker loop")
		}
		return
	}

	worker := c.worker
	live := c.live
	c.worker = nil
	c.workerReady = false
	c.live = nil

	if c.shutdownBegun && c.liveCount > 0 {
		drain := c.metrics.ShutdownDrain()
		c.timer.Arm(c.cfg.ShutdownDelay, func() {
			c.controller.Post(func() { c.shutdownTimerFired(worker, live) })
		})
		c.controller.Pump(func() bool { return c.liveCount == 0 }, nil)
		c.timer.Cancel()
		drain.ObserveDuration()
	} else if c.liveCount != 0 {
		c.policy.Fail("worker retiring with live actors", slog.Uint64("count", c.liveCount))
	}

	worker.Post(func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.Unregister(worker)
		}
		c.workerToken.CompareAndSwap(worker, nil)
	})
	worker.Stop()
	worker.Join()

	if !c.shutdownBegun {
		c.metrics.WorkerState("absent")
	}
}

// shutdownTimerFired runs on the controller when the graceful drain
// exceeded its delay. It takes a temporary count so the pump cannot
// exit while the forced-close pass is in flight, then bounces the pass
// to the worker loop.
func (c *Coordinator) shutdownTimerFired(worker *task.Loop, live *liveSet) {
	c.requireController("shutdownTimerFired")

	if c.liveCount == 0 {
		return
	}

	c.log.Warn("graceful drain timed out, force closing actors",
		slog.Uint64("live_actors", c.liveCount))

	c.liveCount++
	if !worker.Post(func() { c.forceCloseActors(live) }) {
		c.liveCount--
	}
}

// forceCloseActors closes every actor still in the live set. Runs on
// the worker loop; each Close mutates the set, so it walks a snapshot.
func (c *Coordinator) forceCloseActors(live *liveSet) {
	c.requireWorker("forceCloseActors")

	snap := live.snapshot()
	for _, a := range snap {
		a.Close()
	}
	c.metrics.ForcedClose(len(snap))

	// Release the temporary count on the controller once the close
	// tasks have been queued behind this one.
	c.controller.Post(c.decLiveCount)
}
