package supervisor

import (
	"time"

	"github.com/linthost-dev/linthost/internal/process"
)

// State represents the lifecycle state of the supervised server.
type State int

const (
	// StateStopped means no server is running and none is wanted.
	StateStopped State = iota
	// StateStarting means a spawn is in flight.
	StateStarting
	// StateRunning means the server is alive and expected to stay so.
	StateRunning
	// StateRestarting means the old instance is being torn down and a
	// new one brought up.
	StateRestarting
	// StateCrashed means the server died or failed to start; recovery
	// requires a user-issued restart.
	StateCrashed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Stats provides a point-in-time view of the supervisor.
type Stats struct {
	State     State
	Restarts  int
	PID       int
	LastStart time.Time
	LastExit  *process.ExitStatus
}
