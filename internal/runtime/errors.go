package runtime

import "errors"

// Sentinel errors for runtime operations.
var (
	// ErrNotFound indicates the container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrNotRunning indicates the container exists but is not running.
	ErrNotRunning = errors.New("container not running")

	// ErrExecFailed indicates an exec could not be created or started.
	ErrExecFailed = errors.New("exec failed")

	// ErrAlreadyExists indicates a container with the same name exists.
	ErrAlreadyExists = errors.New("container already exists")
)
