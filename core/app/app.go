// Package app assembles a ready-to-run coordinator for a host process:
// logging, metrics, policy and the shutdown signal wired together with
// sensible defaults. Hosts that need finer control use
// core/background directly.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/ports/ipc"
)

type Config struct {
	Context context.Context
	Log     *slog.Logger

	// InstanceID identifies this process in logs. Generated if empty.
	InstanceID string

	// Role selects the side of the cross-process protocol.
	Role background.Role

	// Transport carries cross-process channels. Required unless the
	// host only ever uses same-process actors.
	Transport ipc.Transport

	// SameProcessPair supplies in-process channel pairs (parent role).
	SameProcessPair func() (parent, child ipc.Channel)

	// ParentConnect reaches the parent process (child role).
	ParentConnect func() error

	Metrics       background.Metrics
	ShutdownDelay time.Duration

	// Notifier triggers shutdown. Defaults to the process signal
	// notifier, so Ctrl+C drains and stops the coordinator.
	Notifier ipc.ShutdownNotifier

	// Terminate selects the terminating invariant policy. Child-role
	// processes usually set it: a child that breaks protocol invariants
	// must not keep talking to the parent.
	Terminate bool
}

type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	coord     *background.Coordinator
}

func New(config Config) (app *App, err error) {
	app = &App{}

	if config.InstanceID == "" {
		config.InstanceID = fmt.Sprintf("bg-%s", gonanoid.Must(6))
	}

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	app.log = config.Log.With(slog.String("instance", config.InstanceID))

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)

	// === shutdown signal ===
	notifier := config.Notifier
	if notifier == nil {
		notifier = ipc.SignalNotifier()
	}

	// === invariant policy ===
	var policy background.Policy
	if config.Terminate {
		policy = background.TerminatePolicy(app.log)
	} else {
		policy = background.ReportPolicy(app.log)
	}

	app.coord, err = background.New(background.Config{
		Role:            config.Role,
		Log:             app.log,
		Metrics:         config.Metrics,
		Policy:          policy,
		Transport:       config.Transport,
		Notifier:        notifier,
		ShutdownDelay:   config.ShutdownDelay,
		SameProcessPair: config.SameProcessPair,
		ParentConnect:   config.ParentConnect,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

func (a *App) Coordinator() *background.Coordinator { return a.coord }

// Run blocks until the context is cancelled, then tears the
// coordinator down.
func (a *App) Run() error {
	a.log.Info("app started")
	<-a.ctx.Done()
	a.log.Info("app stopping")
	a.coord.Shutdown()
	return nil
}

// Stop cancels the app context, unblocking Run.
func (a *App) Stop() {
	a.cancelCtx()
}
