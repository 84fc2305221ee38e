// Package runtime describes the container-runtime capabilities the playground
// needs: resolving containers, interactive TTY exec sessions for the terminal
// bridge, and the run/stop/remove/exec/logs operations used by the lifecycle
// manager. The Docker implementation lives in runtime/docker.
package runtime

import (
	"context"
	"io"
	"time"
)

// Labels stamped on every container the playground starts.
const (
	LabelManaged = "playground.managed"
	LabelName    = "playground.name"
)

// Runtime is the full capability set of a container runtime.
type Runtime interface {
	Terminal

	// ListManaged returns all containers carrying LabelManaged, running or not.
	ListManaged(ctx context.Context) ([]Container, error)

	// Run creates and starts a container.
	Run(ctx context.Context, spec RunSpec) (Container, error)

	// Stop stops a running container, force-killing after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a container. Removing a missing container is not an error.
	Remove(ctx context.Context, id string) error

	// Exec runs a non-interactive command and collects its output.
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)

	// Logs returns the last tail lines of container output.
	Logs(ctx context.Context, id string, tail int) ([]byte, error)
}

// Terminal is the subset of the runtime used by the WebSocket terminal bridge.
type Terminal interface {
	// GetContainer resolves a container by name or ID. Returns ErrNotFound
	// when no such container exists.
	GetContainer(ctx context.Context, name string) (Container, error)

	// CreateExec prepares a process inside the container and returns its exec ID.
	CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (string, error)

	// StartExec starts a prepared exec and returns its duplex stream.
	StartExec(ctx context.Context, execID string) (Stream, error)

	// ResizeExec changes the TTY dimensions of a running exec.
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
}

// Stream is the duplex byte channel of a TTY exec. Reads honour the read
// deadline, which is how callers poll without blocking indefinitely: a read
// that hits the deadline fails with os.ErrDeadlineExceeded.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Container is a runtime container as seen by the playground.
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   State             `json:"state"`
	Status  string            `json:"status,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Created time.Time         `json:"created"`
}

// Running reports whether the container is up.
func (c Container) Running() bool { return c.State == StateRunning }

// State is the coarse lifecycle state of a container.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateDead       State = "dead"
	StateUnknown    State = "unknown"
)

// ParseState maps a runtime-specific state string onto State.
func ParseState(s string) State {
	switch State(s) {
	case StateCreated, StateRunning, StateRestarting, StateExited, StateDead:
		return State(s)
	case "paused":
		return StateRunning
	case "removing":
		return StateExited
	default:
		return StateUnknown
	}
}

// ExecConfig configures an exec process.
type ExecConfig struct {
	Cmd   []string
	Env   map[string]string
	User  string
	Stdin bool
	TTY   bool
}

// ExecResult is the outcome of a non-interactive exec.
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// RunSpec describes a container to run.
type RunSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    map[string]string
	Labels map[string]string
}
