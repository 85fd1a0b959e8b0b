package process

import (
	"time"

	"github.com/pkg/errors"
)

// State of a supervised child process.
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	                       Running -> Crashed  -> Stopped
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

var (
	// ErrSpawn is returned when the child could not be started or died within the startup grace window.
	ErrSpawn = errors.New("spawn failed")

	// ErrGracefulStopTimeout is logged when a child ignored termination and had to be killed.
	ErrGracefulStopTimeout = errors.New("graceful stop timed out")

	// ErrCrashed marks a child that exited on its own while running.
	ErrCrashed = errors.New("process crashed")

	errActive = errors.New("process already active")
)

// Handle is a snapshot of the supervised process.
type Handle struct {
	CameraID   string
	PID        int
	SpawnedAt  time.Time
	State      State
	ExitCode   *int
	ForcedKill bool // last stop escalated to SIGKILL
}

// PollResult is the outcome of a non-blocking liveness check.
type PollResult struct {
	Running  bool
	State    State
	ExitCode *int
}
