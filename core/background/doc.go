// Package background coordinates the lifetime of "background" actors:
// endpoint objects hosted on a single lazily-created worker loop, with
// per-consumer-loop cached child handles and a bounded two-phase
// shutdown.
//
// # Loops
//
// The coordinator runs three kinds of task loops (see core/task):
//
//   - the controller loop, owned by the [Coordinator], from which the
//     worker loop and shutdown are managed. All coordinator state has
//     the controller as its single writer unless noted otherwise.
//   - the worker loop, created on first allocation and torn down when
//     the last actor goes away. It hosts every open parent actor and
//     owns the live-actor registry.
//   - consumer loops: any loop that asks for a child actor via
//     [Coordinator.GetOrCreateForCurrentLoop]. Each gets at most one
//     bound child actor, cached until the loop tears down.
//
// There are no locks on the allocation path; cross-loop visibility for
// the two fields read from arbitrary goroutines (the worker identity
// token and the shutdown-started flag) uses atomics.
//
// # Allocation
//
// Cross-process peers are admitted with [Coordinator.AllocParent]
// (parent role) and [Coordinator.AllocChild] (child role). Same-process
// consumers use [Coordinator.GetOrCreateForCurrentLoop], which funnels
// through [Coordinator.CreateActorForSameProcess] on the controller.
// Requests that arrive before the worker loop's bootstrap completes
// are queued and resolved in registration order.
//
// # Shutdown
//
// A one-shot notification (ports/ipc.ShutdownNotifier) begins
// shutdown: all future allocations fail, queued waiters are failed,
// and live actors are given a bounded grace period to close on their
// own. When the delay elapses a single forced-close pass closes the
// remainder, then the worker loop is joined.
package background
