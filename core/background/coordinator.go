package background

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

// Role selects which side of the cross-process protocol this
// coordinator plays.
type Role int

const (
	// RoleParent hosts the worker loop and parent actors.
	RoleParent Role = iota
	// RoleChild connects to a parent-role process.
	RoleChild
)

// DefaultShutdownDelay is how long shutdown waits for live actors to
// close themselves before the forced-close pass runs.
const DefaultShutdownDelay = 10 * time.Second

// LoopObserver lets hosts attach per-loop instrumentation (profilers,
// trackers). Register runs on the worker goroutine right after it
// starts, Unregister right before it stops.
type LoopObserver interface {
	Register(l *task.Loop)
	Unregister(l *task.Loop)
}

// Config configures a Coordinator. Zero values get defaults in New.
type Config struct {
	Role Role

	Log     *slog.Logger
	Metrics Metrics
	// Policy handles invariant violations. Defaults to ReportPolicy;
	// child-role deployments typically use TerminatePolicy.
	Policy Policy

	// Transport opens cross-process channels. Required for AllocParent
	// and AllocChild.
	Transport ipc.Transport
	// Processes opens peer process handles. Defaults to the OS
	// implementation.
	Processes ipc.ProcessHandles
	// Timer creates the one-shot shutdown escalation timer. Defaults
	// to ipc.NewTimer.
	Timer ipc.TimerFactory
	// Notifier delivers the one-shot "shutdown has begun" signal.
	// Defaults to a manual notifier, leaving shutdown to the host.
	Notifier ipc.ShutdownNotifier

	// ShutdownDelay bounds the graceful drain. Defaults to
	// DefaultShutdownDelay.
	ShutdownDelay time.Duration

	// StartLoop spawns loops; tests substitute it to simulate thread
	// creation failures. Defaults to task.Start.
	StartLoop func(opt task.Options) (*task.Loop, error)

	// Observer is attached to the worker loop, if set.
	Observer LoopObserver

	// SameProcessPair supplies the in-process channel connecting a
	// same-process child actor to its parent (e.g. adapters/pipe.New).
	// Required for the parent-role same-process path.
	SameProcessPair func() (parent, child ipc.Channel)

	// ParentConnect asks the parent process for a new channel (child
	// role). The wire layer completes the request by calling
	// AllocChild when the parent's answer arrives.
	ParentConnect func() error

	// Extension lazily builds the consumer-visible loop-local slot
	// returned by ExtensionForCurrentLoop.
	Extension func() any
}

// Coordinator is the process-wide context object owning worker-loop
// lifecycle, actor refcounts and shutdown. Create one per process with
// New and tear it down with Shutdown.
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	policy  Policy

	controller *task.Loop
	io         *task.Loop

	// Read from arbitrary goroutines.
	workerToken     atomic.Pointer[task.Loop]
	shutdownStarted atomic.Bool

	// Controller-loop-only state.
	worker           *task.Loop
	workerReady      bool
	live             *liveSet
	liveCount        uint64
	timer            ipc.Timer
	notifierHooked   bool
	shutdownBegun    bool
	pendingParentCBs []ParentCreateCallback
	pendingTargets   []*task.Loop

	// Consumer records, keyed by loop identity. The map is guarded by
	// a mutex; each record is confined to its own loop. hookedLoops
	// tracks which loops already carry a teardown hook, so an explicit
	// close followed by a re-create does not stack hooks.
	consumersMu sync.Mutex
	consumers   map[*task.Loop]*consumerRecord
	hookedLoops map[*task.Loop]struct{}
}

// New creates a coordinator and starts its controller and I/O loops.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.Policy == nil {
		cfg.Policy = ReportPolicy(cfg.Log)
	}
	if cfg.Processes == nil {
		cfg.Processes = ipc.OSProcessHandles()
	}
	if cfg.Timer == nil {
		cfg.Timer = ipc.NewTimer
	}
	if cfg.Notifier == nil {
		cfg.Notifier = ipc.NewManualNotifier()
	}
	if cfg.ShutdownDelay <= 0 {
		cfg.ShutdownDelay = DefaultShutdownDelay
	}
	if cfg.StartLoop == nil {
		cfg.StartLoop = func(opt task.Options) (*task.Loop, error) {
			return task.Start(opt), nil
		}
	}

	c := &Coordinator{
		cfg:         cfg,
		log:         cfg.Log.With(slog.String("component", "background")),
		metrics:     cfg.Metrics,
		policy:      cfg.Policy,
		consumers:   make(map[*task.Loop]*consumerRecord),
		hookedLoops: make(map[*task.Loop]struct{}),
	}

	c.controller = task.Start(task.Options{Name: "background-controller", Logger: cfg.Log})
	c.io = task.Start(task.Options{Name: "background-io", Logger: cfg.Log})

	c.metrics.WorkerState("absent")
	return c, nil
}

// Controller returns the coordinator's controller loop.
func (c *Coordinator) Controller() *task.Loop { return c.controller }

// IsOnWorkerLoop reports whether the calling goroutine is the worker
// loop. Cheap enough for assertions on arbitrary threads; remains
// accurate during shutdown.
func (c *Coordinator) IsOnWorkerLoop() bool {
	w := c.workerToken.Load()
	return w != nil && w.IsCurrent()
}

// ShutdownStarted reports whether the shutdown signal has fired.
func (c *Coordinator) ShutdownStarted() bool { return c.shutdownStarted.Load() }

func (c *Coordinator) requireController(op string) {
	if !c.controller.IsCurrent() {
		c.policy.Fail(op + " called off the controller loop")
	}
}

func (c *Coordinator) requireWorker(op string) {
	if !c.IsOnWorkerLoop() {
		c.policy.Fail(op + " called off the worker loop")
	}
}

// ensureWorkerLoop lazily creates the worker loop. Idempotent; leaves
// no partial state behind on failure. Controller loop only.
func (c *Coordinator) ensureWorkerLoop() error {
	c.requireController("ensureWorkerLoop")

	if c.worker != nil {
		return nil
	}
	if c.shutdownBegun {
		c.log.Warn("worker loop requested after shutdown has started")
		return ErrShutdownStarted
	}

	if c.timer == nil {
		t, err := c.cfg.Timer()
		if err != nil {
			return fmt.Errorf("%w: shutdown timer: %v", ErrThreadCreation, err)
		}
		c.timer = t
	}

	if !c.notifierHooked {
		err := c.cfg.Notifier.Notify(func() {
			c.controller.Post(c.beginShutdown)
		})
		if err != nil {
			return fmt.Errorf("%w: shutdown notifier: %v", ErrThreadCreation, err)
		}
		c.notifierHooked = true
	}

	loop, err := c.cfg.StartLoop(task.Options{Name: "background-worker", Logger: c.cfg.Log})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrThreadCreation, err)
	}

	// Bootstrap: runs on the worker goroutine, publishes the identity
	// token, then reports back so queued waiters can be resolved.
	ok := loop.Post(func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.Register(loop)
		}
		if !c.workerToken.CompareAndSwap(nil, loop) {
			c.policy.Fail("worker token already published")
		}
		c.controller.Post(func() { c.workerLoopReady(loop) })
	})
	if !ok {
		loop.Stop()
		return fmt.Errorf("%w: bootstrap dispatch", ErrThreadCreation)
	}

	c.worker = loop
	c.workerReady = false
	c.live = newLiveSet()
	c.metrics.WorkerState("starting")
	return nil
}

// workerLoopReady runs on the controller once the worker published its
// token. Drains the pending same-process callbacks in registration
// order.
func (c *Coordinator) workerLoopReady(loop *task.Loop) {
	c.requireController("workerLoopReady")

	// A teardown may have raced the bootstrap; ignore stale instances.
	if c.worker != loop {
		return
	}

	c.workerReady = true
	c.metrics.WorkerState("running")

	if len(c.pendingParentCBs) > 0 {
		cbs := c.pendingParentCBs
		c.pendingParentCBs = nil
		c.metrics.PendingCallbacks(0)

		for _, cb := range cbs {
			cb := cb
			if !c.controller.Post(func() { c.runParentCreateCallback(cb) }) {
				c.log.Warn("failed to dispatch create callback")
			}
		}
	}
}

// runParentCreateCallback resolves one same-process creation request
// with a bare parent actor bound to the current worker instance.
func (c *Coordinator) runParentCreateCallback(cb ParentCreateCallback) {
	c.requireController("runParentCreateCallback")

	if c.worker == nil || !c.workerReady {
		// The worker instance went away between queueing and delivery;
		// balance the live count taken at request time.
		cb.Failure()
		c.decLiveCount()
		return
	}

	actor := newParentActor(c, false)
	cb.Success(actor, c.worker)
}

func (c *Coordinator) incLiveCount() {
	c.requireController("incLiveCount")
	c.liveCount++
	c.metrics.LiveActors(int(c.liveCount))
}

// decLiveCount decrements the live-actor count and tears the worker
// loop down when it reaches zero.
func (c *Coordinator) decLiveCount() {
	c.requireController("decLiveCount")
	if c.liveCount == 0 {
		c.policy.Fail("live actor count underflow")
		return
	}
	c.liveCount--
	c.metrics.LiveActors(int(c.liveCount))

	if c.liveCount == 0 {
		c.shutdownWorkerLoop()
	}
}

// AllocParent admits a cross-process child: it opens a handle to the
// peer process, ensures the worker loop and dispatches the open
// handshake there. The returned actor is not yet open; a failed
// handshake tears it down through the standard destroy path.
// Parent role, controller loop only.
func (c *Coordinator) AllocParent(peerPID int, desc string) (*ParentActor, error) {
	c.requireController("AllocParent")
	if c.cfg.Role != RoleParent {
		c.policy.Fail("AllocParent called in child role")
	}

	handle, err := c.cfg.Processes.Open(peerPID)
	if err != nil {
		// Peer already exited; expected race.
		c.metrics.AllocationFailed("process", "process-handle")
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessHandleOpen, peerPID, err)
	}

	if err := c.ensureWorkerLoop(); err != nil {
		_ = handle.Close()
		c.metrics.AllocationFailed("process", "worker-loop")
		return nil, err
	}

	c.incLiveCount()

	actor := newParentActor(c, true)
	live := c.live
	if !c.worker.Post(func() { actor.connect(c.cfg.Transport, desc, handle, live) }) {
		c.log.Warn("failed to dispatch connect task", slog.String("desc", desc))
		_ = handle.Close()
		c.metrics.AllocationFailed("process", "dispatch")
		c.decLiveCount()
		return nil, ErrDispatch
	}

	return actor, nil
}

// CreateActorForSameProcess requests a bare parent actor for a
// same-process consumer. cb resolves on the controller loop: right
// away when the worker loop is known, otherwise queued in FIFO order
// behind the worker bootstrap. Parent role, controller loop only.
func (c *Coordinator) CreateActorForSameProcess(cb ParentCreateCallback) error {
	c.requireController("CreateActorForSameProcess")
	if c.cfg.Role != RoleParent {
		c.policy.Fail("CreateActorForSameProcess called in child role")
	}

	if err := c.ensureWorkerLoop(); err != nil {
		c.metrics.AllocationFailed("sameprocess", "worker-loop")
		return err
	}

	c.incLiveCount()

	if c.workerReady {
		c.controller.Post(func() { c.runParentCreateCallback(cb) })
		return nil
	}

	c.pendingParentCBs = append(c.pendingParentCBs, cb)
	c.metrics.PendingCallbacks(len(c.pendingParentCBs))
	return nil
}

// AllocChild completes a cross-process connection in the child role:
// the parent process answered ParentConnect with a channel descriptor.
// Resolves the oldest queued requester loop. Controller loop only.
func (c *Coordinator) AllocChild(desc string, peerPID int) (*ChildActor, error) {
	c.requireController("AllocChild")
	if c.cfg.Role != RoleChild {
		c.policy.Fail("AllocChild called in parent role")
	}
	if len(c.pendingTargets) == 0 {
		c.policy.Fail("AllocChild with no pending requester")
		return nil, ErrDispatch
	}

	requester := c.pendingTargets[0]
	c.pendingTargets = c.pendingTargets[1:]

	handle, err := c.cfg.Processes.Open(peerPID)
	if err != nil {
		c.policy.Fail("failed to open parent process handle", slog.Int("pid", peerPID))
		c.dispatchFailure(requester)
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessHandleOpen, peerPID, err)
	}

	actor := newChildActor(c)
	if !requester.Post(func() { c.openChildProcessActor(actor, desc, handle) }) {
		_ = handle.Close()
		return nil, ErrDispatch
	}

	// Success here only means the open was dispatched; callers must
	// not touch the actor before their callback fires.
	return actor, nil
}
