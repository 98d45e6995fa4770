// Package ipc declares the boundary interfaces the background
// coordinator depends on: the wire transport, peer process handles,
// one-shot timers and the process shutdown notification. Default
// OS-backed implementations live alongside the interfaces; wire
// adapters live under adapters/.
package ipc
