package background

import (
	"log/slog"
	"os"
	"runtime/debug"
)

// Policy decides what happens when an internal invariant is violated:
// wrong-loop access, double destroy, allocation after shutdown. The
// choice is a deployment-role decision, not a property of the error. A
// process that can limp along in a degraded state reports and
// continues; a process whose continued operation risks corrupting the
// cross-process protocol terminates.
type Policy interface {
	Fail(msg string, args ...any)
}

type reportPolicy struct {
	log *slog.Logger
}

// ReportPolicy logs invariant violations and continues.
func ReportPolicy(log *slog.Logger) Policy {
	if log == nil {
		log = slog.Default()
	}
	return &reportPolicy{log: log}
}

func (p *reportPolicy) Fail(msg string, args ...any) {
	args = append(args, slog.String("stack", string(debug.Stack())))
	p.log.Error("invariant violation: "+msg, args...)
}

type terminatePolicy struct {
	log  *slog.Logger
	exit func(code int)
}

// TerminatePolicy logs the violation and terminates the process.
func TerminatePolicy(log *slog.Logger) Policy {
	if log == nil {
		log = slog.Default()
	}
	return &terminatePolicy{log: log, exit: os.Exit}
}

func (p *terminatePolicy) Fail(msg string, args ...any) {
	args = append(args, slog.String("stack", string(debug.Stack())))
	p.log.Error("fatal invariant violation: "+msg, args...)
	p.exit(2)
}
