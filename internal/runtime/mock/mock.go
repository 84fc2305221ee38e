// Package mock provides an in-memory runtime.Runtime for tests. Exec streams
// are backed by net.Pipe, so deadlines, EOF and close semantics behave like a
// real hijacked connection.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/justinmoon/playground/internal/runtime"
)

// Resize records one ResizeExec call.
type Resize struct {
	ExecID string
	Rows   uint
	Cols   uint
}

// Runtime is a fake container runtime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*runtime.Container // keyed by ID
	execs      map[string]*Exec
	resizes    []Resize
	execCalls  [][]string
	logs       map[string][]byte
	nextID     int
	started    chan *Exec

	// Fault injection. Set before use.
	CreateExecErr error
	StartExecErr  error
	RunErr        error
	StopErr       error
	ExecFunc      func(containerID string, cmd []string) (runtime.ExecResult, error)
}

// New creates an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*runtime.Container),
		execs:      make(map[string]*Exec),
		logs:       make(map[string][]byte),
		started:    make(chan *Exec, 64),
	}
}

// AddContainer registers a container. A missing ID is generated and the
// stored copy is returned.
func (r *Runtime) AddContainer(c runtime.Container) runtime.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		r.nextID++
		c.ID = fmt.Sprintf("ctr-%d", r.nextID)
	}
	if c.State == "" {
		c.State = runtime.StateRunning
	}
	stored := c
	r.containers[c.ID] = &stored
	return stored
}

// SetLogs sets the output returned by Logs for a container ID.
func (r *Runtime) SetLogs(id string, out []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = out
}

// ExecStarted delivers every exec as it is started.
func (r *Runtime) ExecStarted() <-chan *Exec {
	return r.started
}

// Resizes returns all recorded ResizeExec calls.
func (r *Runtime) Resizes() []Resize {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resize(nil), r.resizes...)
}

// ExecCalls returns the commands passed to the non-interactive Exec.
func (r *Runtime) ExecCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.execCalls...)
}

func (r *Runtime) lookup(name string) (*runtime.Container, bool) {
	if c, ok := r.containers[name]; ok {
		return c, true
	}
	for _, c := range r.containers {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (r *Runtime) GetContainer(ctx context.Context, name string) (runtime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(name)
	if !ok {
		return runtime.Container{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	return *c, nil
}

func (r *Runtime) CreateExec(ctx context.Context, containerID string, cfg runtime.ExecConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateExecErr != nil {
		return "", r.CreateExecErr
	}
	c, ok := r.lookup(containerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", runtime.ErrNotFound, containerID)
	}
	if !c.Running() {
		return "", fmt.Errorf("%w: %s", runtime.ErrNotRunning, containerID)
	}
	r.nextID++
	e := &Exec{
		ID:          fmt.Sprintf("exec-%d", r.nextID),
		ContainerID: c.ID,
		Config:      cfg,
		done:        make(chan struct{}),
	}
	r.execs[e.ID] = e
	return e.ID, nil
}

func (r *Runtime) StartExec(ctx context.Context, execID string) (runtime.Stream, error) {
	r.mu.Lock()
	if r.StartExecErr != nil {
		r.mu.Unlock()
		return nil, r.StartExecErr
	}
	e, ok := r.execs[execID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown exec %s", runtime.ErrExecFailed, execID)
	}

	local, remote := net.Pipe()
	e.remote = remote
	go e.collectInput()

	select {
	case r.started <- e:
	default:
	}
	return &stream{Conn: local, exec: e}, nil
}

func (r *Runtime) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[execID]; !ok {
		return fmt.Errorf("%w: unknown exec %s", runtime.ErrExecFailed, execID)
	}
	r.resizes = append(r.resizes, Resize{ExecID: execID, Rows: rows, Cols: cols})
	return nil
}

func (r *Runtime) ListManaged(ctx context.Context) ([]runtime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runtime.Container
	for _, c := range r.containers {
		if c.Labels[runtime.LabelManaged] == "true" {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *Runtime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Container, error) {
	r.mu.Lock()
	if r.RunErr != nil {
		r.mu.Unlock()
		return runtime.Container{}, r.RunErr
	}
	if _, exists := r.lookup(spec.Name); exists {
		r.mu.Unlock()
		return runtime.Container{}, fmt.Errorf("%w: %s", runtime.ErrAlreadyExists, spec.Name)
	}
	r.mu.Unlock()

	return r.AddContainer(runtime.Container{
		Name:    spec.Name,
		Image:   spec.Image,
		State:   runtime.StateRunning,
		Labels:  spec.Labels,
		Created: time.Now(),
	}), nil
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StopErr != nil {
		return r.StopErr
	}
	c, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	c.State = runtime.StateExited
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookup(id); ok {
		delete(r.containers, c.ID)
	}
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error) {
	r.mu.Lock()
	c, ok := r.lookup(id)
	r.execCalls = append(r.execCalls, cmd)
	fn := r.ExecFunc
	r.mu.Unlock()
	if !ok {
		return runtime.ExecResult{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	if fn != nil {
		return fn(c.ID, cmd)
	}
	return runtime.ExecResult{}, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	return append([]byte(nil), r.logs[c.ID]...), nil
}

// Exec is the container side of a started exec.
type Exec struct {
	ID          string
	ContainerID string
	Config      runtime.ExecConfig

	remote net.Conn

	mu    sync.Mutex
	input bytes.Buffer
	fault error

	done     chan struct{}
	doneOnce sync.Once
}

// WriteOutput writes p as if the process printed it. Blocks until the
// bridge reads it.
func (e *Exec) WriteOutput(p []byte) error {
	_, err := e.remote.Write(p)
	return err
}

// Exit closes the process side, so the bridge reads EOF.
func (e *Exec) Exit() {
	e.remote.Close()
}

// Fail makes the next read on the bridge side return err.
func (e *Exec) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = err
}

// Input returns everything the bridge has written to the process so far.
func (e *Exec) Input() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.input.Bytes()...)
}

// Done is closed once either end of the stream has been closed.
func (e *Exec) Done() <-chan struct{} {
	return e.done
}

func (e *Exec) collectInput() {
	buf := make([]byte, 4096)
	for {
		n, err := e.remote.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.input.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			e.doneOnce.Do(func() { close(e.done) })
			return
		}
	}
}

type stream struct {
	net.Conn
	exec *Exec
}

func (s *stream) Read(p []byte) (int, error) {
	s.exec.mu.Lock()
	fault := s.exec.fault
	s.exec.mu.Unlock()
	if fault != nil {
		return 0, fault
	}
	return s.Conn.Read(p)
}

var (
	_ runtime.Runtime = (*Runtime)(nil)
	_ runtime.Stream  = (*stream)(nil)
	_ io.Closer       = (*stream)(nil)
)
