package task

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Task is a unit of work executed on a loop goroutine.
type Task func()

// Options configures a new loop.
type Options struct {
	// Name identifies the loop in logs. If empty a generated id is used.
	Name string
	// QueueSize is the task queue capacity. Defaults to 1024.
	QueueSize int
	// Logger for diagnostics (optional).
	Logger *slog.Logger
	// OnPanic is invoked when a task panics. The default logs and keeps
	// the loop running.
	OnPanic func(recovered any, stack []byte)
}

// Loop is a goroutine executing posted tasks in FIFO order.
type Loop struct {
	id   string
	name string
	log  *slog.Logger

	tasks chan Task
	stop  chan struct{}
	done  chan struct{}

	stopping atomic.Bool

	mu       sync.Mutex
	teardown []func()

	onPanic func(recovered any, stack []byte)
}

// Start spawns a new loop goroutine.
func Start(opt Options) *Loop {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	id := gonanoid.Must(8)
	name := opt.Name
	if name == "" {
		name = "loop-" + id
	}

	l := &Loop{
		id:    id,
		name:  name,
		log:   opt.Logger.With(slog.String("loop", name)),
		tasks: make(chan Task, opt.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	l.onPanic = opt.OnPanic
	if l.onPanic == nil {
		l.onPanic = func(recovered any, stack []byte) {
			l.log.Error("task panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)))
		}
	}

	started := make(chan struct{})
	go l.run(started)
	<-started

	return l
}

// ID returns the loop's generated identity.
func (l *Loop) ID() string { return l.id }

// Name returns the loop's display name.
func (l *Loop) Name() string { return l.name }

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stopping reports whether Stop has been requested. A stopping loop no
// longer accepts new tasks but will still drain queued ones.
func (l *Loop) Stopping() bool { return l.stopping.Load() }

// Post enqueues t on the loop. It reports whether the loop accepted the
// task; a loop that has begun stopping rejects all tasks. Tasks posted
// from a single goroutine run in posting order.
func (l *Loop) Post(t Task) bool {
	if l.stopping.Load() {
		return false
	}
	select {
	case <-l.stop:
		return false
	case l.tasks <- t:
		return true
	}
}

// PostWait enqueues t and blocks until it has run. It reports false,
// without waiting, if the loop no longer accepts tasks. Must not be
// called from the loop itself.
func (l *Loop) PostWait(t Task) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		t()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// Queued tasks are drained before exit, so ran is closed by the
		// time done is observable unless the task panicked.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop requests shutdown. Queued tasks are drained, teardown hooks run,
// then the goroutine exits. Idempotent.
func (l *Loop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	close(l.stop)
}

// Join blocks until the loop goroutine has exited.
func (l *Loop) Join() { <-l.done }

// OnTeardown registers f to run on the loop goroutine during shutdown,
// after the last task. Hooks run in reverse registration order.
func (l *Loop) OnTeardown(f func()) {
	l.mu.Lock()
	l.teardown = append(l.teardown, f)
	l.mu.Unlock()
}

// Pump processes queued tasks inline until cond reports true or abort
// fires. It must be called from a task running on this loop; the loop
// keeps serving its queue while the caller waits. Returns false if
// aborted or if the loop is asked to stop.
func (l *Loop) Pump(cond func() bool, abort <-chan struct{}) bool {
	if !l.IsCurrent() {
		panic("task: Pump called off its loop")
	}
	for {
		if cond() {
			return true
		}
		select {
		case <-abort:
			return false
		case <-l.stop:
			return false
		case t := <-l.tasks:
			l.invoke(t)
		}
	}
}

func (l *Loop) run(started chan<- struct{}) {
	register(l)
	close(started)

	defer func() {
		l.runTeardown()
		unregister(l)
		close(l.done)
	}()

	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case t := <-l.tasks:
			l.invoke(t)
		}
	}
}

// drain runs tasks that were already queued when Stop was called.
func (l *Loop) drain() {
	for {
		select {
		case t := <-l.tasks:
			l.invoke(t)
		default:
			return
		}
	}
}

func (l *Loop) invoke(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.onPanic(r, debug.Stack())
		}
	}()
	t()
}

func (l *Loop) runTeardown() {
	l.mu.Lock()
	hooks := l.teardown
	l.teardown = nil
	l.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		l.invoke(hooks[i])
	}
}
