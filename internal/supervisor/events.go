package supervisor

import (
	"github.com/linthost-dev/linthost/internal/config"
	"github.com/linthost-dev/linthost/internal/process"
)

// eventKind identifies a queued supervisor event.
type eventKind int

const (
	// evDocOpened: a document of the given language was opened.
	evDocOpened eventKind = iota
	// evDocClosed: a document of the given language was closed.
	evDocClosed
	// evRestart: the user requested a server restart.
	evRestart
	// evConfig: a new settings snapshot arrived.
	evConfig
	// evSpawnResult: a spawn worker finished.
	evSpawnResult
	// evExited: a process instance exited.
	evExited
	// evTermDone: a terminate worker finished.
	evTermDone
	// evShutdown: session end; tear everything down.
	evShutdown
)

// event is a single entry on the supervisor's serialized queue. All
// state transitions happen in queue order; whichever of two racing
// events is dequeued first governs.
type event struct {
	kind eventKind

	// evDocOpened / evDocClosed
	language string

	// evConfig
	snapshot config.Snapshot

	// evSpawnResult
	handle   *process.Handle
	spawnErr error

	// evExited
	instance string
	exit     process.ExitStatus

	// evTermDone
	graceful bool

	// evShutdown
	reply chan struct{}
}
