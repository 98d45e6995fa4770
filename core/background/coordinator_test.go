package background_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/bgactor-go/adapters/pipe"
	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/metrics"
	"github.com/codewandler/bgactor-go/core/task"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

const waitFor = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder doubles as Policy and Metrics so tests can assert on
// invariant violations and instrumentation.
type recorder struct {
	mu       sync.Mutex
	failures []string
	failErrs []error
	states   []string
	live     int
	opened   []bool
	closed   int
	forced   []int
	allocs   []string
}

func (r *recorder) Fail(msg string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, msg)
	for _, arg := range args {
		attr, ok := arg.(slog.Attr)
		if !ok {
			continue
		}
		if err, ok := attr.Value.Any().(error); ok {
			r.failErrs = append(r.failErrs, err)
		}
	}
}

func (r *recorder) WorkerState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) LiveActors(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = count
}

func (r *recorder) PendingCallbacks(int) {}

func (r *recorder) ActorOpened(otherProcess bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, otherProcess)
}

func (r *recorder) ActorClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recorder) AllocationFailed(path, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocs = append(r.allocs, path+"/"+reason)
}

func (r *recorder) ForcedClose(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = append(r.forced, count)
}

func (r *recorder) ShutdownDrain() metrics.Timer { return metrics.NopTimer() }

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func (r *recorder) failureErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.failErrs))
	copy(out, r.failErrs)
	return out
}

func (r *recorder) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

func (r *recorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) forcedPasses() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.forced))
	copy(out, r.forced)
	return out
}

func (r *recorder) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

type fakeHandle struct {
	pid    int
	closed atomic.Bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeHandles struct {
	err error
}

func (f fakeHandles) Open(pid int) (ipc.ProcessHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeHandle{pid: pid}, nil
}

// manualTimer never fires on its own; tests trigger it explicitly.
type manualTimer struct {
	mu    sync.Mutex
	fire  func()
	armed bool
}

func (m *manualTimer) Arm(_ time.Duration, fire func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire = fire
	m.armed = true
}

func (m *manualTimer) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire = nil
	m.armed = false
}

func (m *manualTimer) isArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

func (m *manualTimer) trigger() {
	m.mu.Lock()
	fire := m.fire
	m.fire = nil
	m.armed = false
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
}

type countingObserver struct {
	registered   atomic.Int32
	unregistered atomic.Int32
}

func (o *countingObserver) Register(*task.Loop)   { o.registered.Add(1) }
func (o *countingObserver) Unregister(*task.Loop) { o.unregistered.Add(1) }

type fixture struct {
	t        *testing.T
	rec      *recorder
	obs      *countingObserver
	notifier *ipc.ManualNotifier
	timer    *manualTimer
	tr       *pipe.Transport
	c        *background.Coordinator
}

func newFixture(t *testing.T, mod func(*background.Config)) *fixture {
	f := &fixture{
		t:        t,
		rec:      &recorder{},
		obs:      &countingObserver{},
		notifier: ipc.NewManualNotifier(),
		timer:    &manualTimer{},
		tr:       pipe.NewTransport(),
	}

	cfg := background.Config{
		Role:            background.RoleParent,
		Log:             discardLogger(),
		Metrics:         f.rec,
		Policy:          f.rec,
		Transport:       f.tr,
		Processes:       fakeHandles{},
		Timer:           func() (ipc.Timer, error) { return f.timer, nil },
		Notifier:        f.notifier,
		Observer:        f.obs,
		SameProcessPair: pipe.New,
	}
	if mod != nil {
		mod(&cfg)
	}

	c, err := background.New(cfg)
	require.NoError(t, err)
	f.c = c
	t.Cleanup(c.Shutdown)
	return f
}

func startConsumer(t *testing.T, name string) *task.Loop {
	l := task.Start(task.Options{Name: name, Logger: discardLogger()})
	t.Cleanup(func() {
		l.Stop()
		l.Join()
	})
	return l
}

// create requests the loop's actor and waits for the result.
func create(t *testing.T, c *background.Coordinator, l *task.Loop) *background.ChildActor {
	t.Helper()

	result := make(chan *background.ChildActor, 1)
	ok := l.PostWait(func() {
		err := c.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(a *background.ChildActor) { result <- a },
			OnFailed:  func() { result <- nil },
		})
		require.NoError(t, err)
	})
	require.True(t, ok)

	select {
	case a := <-result:
		return a
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for actor creation")
		return nil
	}
}

func TestSameProcessCreate(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")

	a := create(t, f.c, l)
	require.NotNil(t, a)
	require.Equal(t, int32(1), f.obs.registered.Load())

	var cached *background.ChildActor
	require.True(t, l.PostWait(func() { cached = f.c.GetForCurrentLoop() }))
	require.Same(t, a, cached)

	require.Eventually(t, func() bool { return f.rec.openedCount() == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []bool{false}, f.rec.opened)
	require.Zero(t, f.rec.failureCount())
}

func TestSingleWorkerForManyConsumers(t *testing.T) {
	f := newFixture(t, nil)

	const n = 8
	loops := make([]*task.Loop, n)
	for i := range loops {
		loops[i] = startConsumer(t, "consumer")
	}

	var wg sync.WaitGroup
	actors := make([]*background.ChildActor, n)
	for i, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actors[i] = create(t, f.c, l)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), f.obs.registered.Load(), "concurrent first requests must share one worker loop")
	for i, a := range actors {
		require.NotNil(t, a)
		for j := i + 1; j < n; j++ {
			require.NotSame(t, a, actors[j], "each loop gets its own actor")
		}
	}

	for _, l := range loops {
		l.Stop()
		l.Join()
	}

	require.Eventually(t, func() bool { return f.obs.unregistered.Load() == 1 }, waitFor, time.Millisecond,
		"worker loop must retire once the last actor closes")
	require.Eventually(t, func() bool { return f.rec.liveCount() == 0 }, waitFor, time.Millisecond)
	require.Zero(t, f.rec.failureCount())
}

func TestWaitersNotifiedInOrder(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")

	const k = 5
	var (
		mu     sync.Mutex
		order  []int
		actors []*background.ChildActor
	)
	done := make(chan struct{})

	require.True(t, l.PostWait(func() {
		for i := 0; i < k; i++ {
			err := f.c.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
				OnCreated: func(a *background.ChildActor) {
					mu.Lock()
					order = append(order, i)
					actors = append(actors, a)
					if len(order) == k {
						close(done)
					}
					mu.Unlock()
				},
				OnFailed: func() { t.Error("unexpected failure") },
			})
			require.NoError(t, err)
		}
	}))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for queued notifications")
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	for _, a := range actors {
		require.Same(t, actors[0], a, "queued waiters share the single per-loop actor")
	}
	require.Zero(t, f.rec.failureCount())
}

func TestReplayForExistingActor(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")

	first := create(t, f.c, l)
	second := create(t, f.c, l)
	require.Same(t, first, second)
	require.Equal(t, 1, f.rec.openedCount(), "replay must not open a second actor")
	require.Zero(t, f.rec.failureCount())
}

func TestCloseForCurrentLoopAndRecreate(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")

	first := create(t, f.c, l)
	require.NotNil(t, first)

	require.True(t, l.PostWait(f.c.CloseForCurrentLoop))

	var cached *background.ChildActor
	require.True(t, l.PostWait(func() { cached = f.c.GetForCurrentLoop() }))
	require.Nil(t, cached)

	require.Eventually(t, func() bool { return f.obs.unregistered.Load() == 1 }, waitFor, time.Millisecond,
		"closing the only actor retires the worker loop")
	require.Eventually(t, func() bool { return f.rec.closedCount() == 1 }, waitFor, time.Millisecond)

	second := create(t, f.c, l)
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	require.Equal(t, int32(2), f.obs.registered.Load(), "a new request restarts the worker loop")
	require.Zero(t, f.rec.failureCount())
}

func TestLoopTeardownClosesActor(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")

	require.NotNil(t, create(t, f.c, l))

	l.Stop()
	l.Join()

	require.Eventually(t, func() bool { return f.rec.closedCount() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return f.obs.unregistered.Load() == 1 }, waitFor, time.Millisecond)
	require.Zero(t, f.rec.failureCount())
}

func TestCrossProcessAllocAndDisconnect(t *testing.T) {
	f := newFixture(t, nil)

	var (
		actor *background.ParentActor
		err   error
	)
	require.True(t, f.c.Controller().PostWait(func() {
		actor, err = f.c.AllocParent(4242, "chan-1")
	}))
	require.NoError(t, err)
	require.NotNil(t, actor)

	childEnd, err := f.tr.Open("chan-1", ipc.ChildSide)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.openedCount() == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []bool{true}, f.rec.opened)

	require.NoError(t, childEnd.Close())

	require.Eventually(t, func() bool { return f.rec.closedCount() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return f.obs.unregistered.Load() == 1 }, waitFor, time.Millisecond)
	require.Zero(t, f.rec.failureCount())
}

func TestAllocParentDeadPeer(t *testing.T) {
	probeErr := errors.New("no such process")
	f := newFixture(t, func(cfg *background.Config) {
		cfg.Processes = fakeHandles{err: probeErr}
	})

	var err error
	require.True(t, f.c.Controller().PostWait(func() {
		_, err = f.c.AllocParent(4242, "chan-1")
	}))
	require.ErrorIs(t, err, background.ErrProcessHandleOpen)
	require.Zero(t, f.obs.registered.Load(), "a dead peer must not start the worker loop")
	require.Zero(t, f.rec.failureCount())
}

func TestWorkerStartFailureRecovers(t *testing.T) {
	var failStart atomic.Bool
	failStart.Store(true)

	f := newFixture(t, func(cfg *background.Config) {
		cfg.StartLoop = func(opt task.Options) (*task.Loop, error) {
			if failStart.Load() {
				return nil, errors.New("out of threads")
			}
			return task.Start(opt), nil
		}
	})
	l := startConsumer(t, "consumer")

	failed := make(chan struct{})
	require.True(t, l.PostWait(func() {
		err := f.c.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(*background.ChildActor) { t.Error("unexpected success") },
			OnFailed:  func() { close(failed) },
		})
		require.NoError(t, err)
	}))

	select {
	case <-failed:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for failure notification")
	}

	failStart.Store(false)
	require.NotNil(t, create(t, f.c, l), "a later request must retry worker creation")
	require.Equal(t, int32(1), f.obs.registered.Load())
}

func TestAllocParentDispatchFailure(t *testing.T) {
	rec := &recorder{}
	var workerLoop atomic.Pointer[task.Loop]
	tr := pipe.NewTransport()

	// Built without the usual fixture: the worker is killed out from
	// under the coordinator, and the stuck actor would stall a full
	// drain, so no Shutdown runs here.
	c, err := background.New(background.Config{
		Role:      background.RoleParent,
		Log:       discardLogger(),
		Metrics:   rec,
		Policy:    rec,
		Transport: tr,
		Processes: fakeHandles{},
		Timer:     func() (ipc.Timer, error) { return &manualTimer{}, nil },
		Notifier:  ipc.NewManualNotifier(),
		StartLoop: func(opt task.Options) (*task.Loop, error) {
			l := task.Start(opt)
			workerLoop.Store(l)
			return l, nil
		},
		SameProcessPair: pipe.New,
	})
	require.NoError(t, err)

	require.True(t, c.Controller().PostWait(func() {
		_, err := c.AllocParent(4242, "chan-1")
		require.NoError(t, err)
	}))
	childEnd, err := tr.Open("chan-1", ipc.ChildSide)
	require.NoError(t, err)
	defer childEnd.Close()
	require.Eventually(t, func() bool { return rec.openedCount() == 1 }, waitFor, time.Millisecond)
	require.Equal(t, 1, rec.liveCount())

	w := workerLoop.Load()
	require.NotNil(t, w)
	w.Stop()
	w.Join()

	var allocErr error
	require.True(t, c.Controller().PostWait(func() {
		_, allocErr = c.AllocParent(4242, "chan-2")
	}))
	require.ErrorIs(t, allocErr, background.ErrDispatch)
	require.Equal(t, 1, rec.liveCount(), "the failed dispatch must release its count")
	require.Zero(t, rec.failureCount())
}

func TestReplayDeliveredDuringLoopDrain(t *testing.T) {
	f := newFixture(t, nil)
	l := startConsumer(t, "consumer")
	require.NotNil(t, create(t, f.c, l))

	// Queue the replay behind a task that holds the loop until Stop has
	// been requested, so it is still pending when the drain begins.
	gate := make(chan struct{})
	entered := make(chan struct{})
	var created, failed atomic.Int32
	require.True(t, l.Post(func() {
		err := f.c.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
			OnCreated: func(*background.ChildActor) { created.Add(1) },
			OnFailed:  func() { failed.Add(1) },
		})
		require.NoError(t, err)
		close(entered)
		<-gate
	}))

	<-entered
	l.Stop()
	close(gate)
	l.Join()

	require.Equal(t, int32(1), created.Load(), "the queued replay must still deliver during the drain")
	require.Zero(t, failed.Load())
	require.Zero(t, f.rec.failureCount())
}

func TestExtensionForCurrentLoop(t *testing.T) {
	type slot struct{ n int }
	f := newFixture(t, func(cfg *background.Config) {
		cfg.Extension = func() any { return &slot{} }
	})
	l := startConsumer(t, "consumer")

	require.NotNil(t, create(t, f.c, l))

	var first, second any
	require.True(t, l.PostWait(func() {
		first = f.c.ExtensionForCurrentLoop()
		second = f.c.ExtensionForCurrentLoop()
	}))
	require.NotNil(t, first)
	require.Same(t, first.(*slot), second.(*slot))

	require.Nil(t, f.c.ExtensionForCurrentLoop(), "no extension off any loop")
}
