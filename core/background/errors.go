package background

import "errors"

var (
	// ErrThreadCreation reports that the worker loop (or its shutdown
	// timer or observer registration) could not be created.
	ErrThreadCreation = errors.New("worker loop creation failed")

	// ErrProcessHandleOpen reports that the peer process could not be
	// opened, usually because it already exited. Expected race, not a
	// bug.
	ErrProcessHandleOpen = errors.New("peer process handle open failed")

	// ErrDispatch reports that the target loop no longer accepts tasks.
	ErrDispatch = errors.New("target loop unavailable")

	// ErrProtocolOpen reports a rejected channel open handshake.
	ErrProtocolOpen = errors.New("channel open failed")

	// ErrShutdownStarted rejects allocation attempts made after the
	// shutdown signal fired.
	ErrShutdownStarted = errors.New("shutdown has started")

	// ErrLoopStopping rejects creation requests arriving on a loop that
	// has already begun teardown.
	ErrLoopStopping = errors.New("loop is tearing down")

	// ErrNotOnLoop reports a call that requires the caller to run on a
	// task loop.
	ErrNotOnLoop = errors.New("caller is not on a task loop")
)
