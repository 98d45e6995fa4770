// Package task provides cooperative task loops: long-lived goroutines
// that execute posted functions one at a time, in FIFO order.
//
// A [Loop] is the unit of serialization in this codebase. State that is
// documented as "owned" by a loop may only be touched by tasks running
// on that loop; no locks are needed because a loop never runs two tasks
// concurrently.
//
// Loops are registered by goroutine identity, so code can ask which
// loop (if any) it is currently running on via [Current], and loop
// ownership rules can be checked at run time via [Loop.IsCurrent].
//
// # Posting work
//
//	loop := task.Start(task.Options{Name: "worker"})
//	ok := loop.Post(func() {
//	    // runs on the loop goroutine
//	})
//
// Post reports whether the loop still accepts tasks. Tasks posted from
// a single goroutine are executed in the order they were posted.
//
// # Teardown
//
// [Loop.OnTeardown] registers hooks that run on the loop goroutine
// after the last task, before Join returns. Hooks run in reverse
// registration order, like defers.
//
// # Nested pumping
//
// A task may need to wait for a condition that only other tasks on the
// same loop can establish. Blocking would deadlock the loop, so
// [Loop.Pump] processes queued tasks inline until the condition holds
// or an abort channel fires.
package task
