// Package playground runs the catalog's containers: listing them with their
// runtime state, and starting, stopping and restarting them as background
// operations.
package playground

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/justinmoon/playground/internal/catalog"
	"github.com/justinmoon/playground/internal/metrics"
	"github.com/justinmoon/playground/internal/runtime"
)

// ErrUnknownPlayground is returned for names that are not in the catalog.
var ErrUnknownPlayground = errors.New("unknown playground")

// StateNotCreated is reported for catalog entries without a container.
const StateNotCreated runtime.State = "not_created"

// Listener is told about every finished operation.
type Listener interface {
	OperationFinished(op Operation)
}

type Options struct {
	ContainerPrefix string
	StopTimeout     time.Duration
	Parallelism     int
	OperationTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.OperationTTL <= 0 {
		o.OperationTTL = time.Hour
	}
	return o
}

// Playground is a catalog entry joined with its container, if any.
type Playground struct {
	Name          string        `json:"name"`
	Image         string        `json:"image"`
	Description   string        `json:"description,omitempty"`
	Category      string        `json:"category,omitempty"`
	ContainerName string        `json:"container_name"`
	ContainerID   string        `json:"container_id,omitempty"`
	State         runtime.State `json:"state"`
	Status        string        `json:"status,omitempty"`
	Running       bool          `json:"running"`
}

type Manager struct {
	rt      runtime.Runtime
	catalog *catalog.Catalog
	opts    Options
	ops     *operations

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	listeners []Listener
}

func NewManager(rt runtime.Runtime, cat *catalog.Catalog, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:      rt,
		catalog: cat,
		opts:    opts,
		ops:     newOperations(opts.OperationTTL),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen registers l for operation results.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Close cancels running operations and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// ContainerName is the runtime name of a playground's container.
func (m *Manager) ContainerName(name string) string {
	return m.opts.ContainerPrefix + name
}

// List returns every catalog entry with its container state.
func (m *Manager) List(ctx context.Context) ([]Playground, error) {
	containers, err := m.managed(ctx)
	if err != nil {
		return nil, err
	}

	names := m.catalog.Names()
	out := make([]Playground, 0, len(names))
	for _, name := range names {
		entry, _ := m.catalog.Get(name)
		p := Playground{
			Name:          name,
			Image:         entry.Image,
			Description:   entry.Description,
			Category:      entry.Category,
			ContainerName: m.ContainerName(name),
			State:         StateNotCreated,
		}
		if c, ok := containers[name]; ok {
			p.ContainerID = c.ID
			p.State = c.State
			p.Status = c.Status
			p.Running = c.Running()
		}
		out = append(out, p)
	}
	return out, nil
}

// Get returns one playground.
func (m *Manager) Get(ctx context.Context, name string) (Playground, error) {
	if _, ok := m.catalog.Get(name); !ok {
		return Playground{}, fmt.Errorf("%w: %s", ErrUnknownPlayground, name)
	}
	all, err := m.List(ctx)
	if err != nil {
		return Playground{}, err
	}
	for _, p := range all {
		if p.Name == name {
			return p, nil
		}
	}
	return Playground{}, fmt.Errorf("%w: %s", ErrUnknownPlayground, name)
}

// managed maps playground name to its container.
func (m *Manager) managed(ctx context.Context) (map[string]runtime.Container, error) {
	list, err := m.rt.ListManaged(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make(map[string]runtime.Container, len(list))
	for _, c := range list {
		if name := c.Labels[runtime.LabelName]; name != "" {
			out[name] = c
		}
	}
	return out, nil
}

func (m *Manager) Start(name string) (Operation, error) {
	return m.submit(KindStart, name)
}

func (m *Manager) Stop(name string) (Operation, error) {
	return m.submit(KindStop, name)
}

func (m *Manager) Restart(name string) (Operation, error) {
	return m.submit(KindRestart, name)
}

// StopAll stops every playground that has a container, at most
// Parallelism at a time.
func (m *Manager) StopAll(ctx context.Context) ([]Operation, error) {
	return m.submitAll(ctx, KindStop, func(c runtime.Container) bool { return true })
}

// RestartAll restarts every running playground, at most Parallelism at a time.
func (m *Manager) RestartAll(ctx context.Context) ([]Operation, error) {
	return m.submitAll(ctx, KindRestart, runtime.Container.Running)
}

// Operation returns a snapshot of one operation.
func (m *Manager) Operation(id string) (Operation, bool) {
	return m.ops.get(id)
}

// Operations returns all tracked operations, newest first.
func (m *Manager) Operations() []Operation {
	return m.ops.list()
}

// Wait blocks until the operation finishes.
func (m *Manager) Wait(ctx context.Context, id string) (Operation, error) {
	return m.ops.wait(ctx, id)
}

// Logs returns the tail of a playground container's output.
func (m *Manager) Logs(ctx context.Context, name string, tail int) ([]byte, error) {
	if _, ok := m.catalog.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayground, name)
	}
	return m.rt.Logs(ctx, m.ContainerName(name), tail)
}

func (m *Manager) submit(kind Kind, name string) (Operation, error) {
	entry, ok := m.catalog.Get(name)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownPlayground, name)
	}
	op := m.ops.create(kind, name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(op, entry)
	}()
	return op, nil
}

func (m *Manager) submitAll(ctx context.Context, kind Kind, match func(runtime.Container) bool) ([]Operation, error) {
	containers, err := m.managed(ctx)
	if err != nil {
		return nil, err
	}

	type job struct {
		op    Operation
		entry catalog.Entry
	}
	var jobs []job
	for _, name := range m.catalog.Names() {
		c, ok := containers[name]
		if !ok || !match(c) {
			continue
		}
		entry, _ := m.catalog.Get(name)
		jobs = append(jobs, job{op: m.ops.create(kind, name), entry: entry})
	}

	ops := make([]Operation, len(jobs))
	for i, j := range jobs {
		ops[i] = j.op
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var g errgroup.Group
		g.SetLimit(m.opts.Parallelism)
		for _, j := range jobs {
			j := j
			g.Go(func() error {
				m.execute(j.op, j.entry)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return ops, nil
}

func (m *Manager) execute(op Operation, entry catalog.Entry) {
	logger := log.With().
		Str("operation_id", op.ID).
		Str("kind", string(op.Kind)).
		Str("playground", entry.Name).
		Logger()

	m.ops.running(op.ID)
	logger.Info().Msg("Operation started")
	started := time.Now()

	var (
		warning string
		err     error
	)
	switch op.Kind {
	case KindStart:
		warning, err = m.start(m.ctx, entry, logger)
	case KindStop:
		warning, err = m.stop(m.ctx, entry, logger)
	case KindRestart:
		warning, err = m.stop(m.ctx, entry, logger)
		if err == nil {
			var startWarning string
			startWarning, err = m.start(m.ctx, entry, logger)
			warning = joinWarnings(warning, startWarning)
		}
	default:
		err = fmt.Errorf("unsupported operation %q", op.Kind)
	}

	final := m.ops.finish(op.ID, err, warning)
	metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(final.Status)).Inc()
	metrics.OperationDuration.WithLabelValues(string(op.Kind)).Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("Operation failed")
	} else {
		logger.Info().Dur("duration", time.Since(started)).Msg("Operation finished")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		l.OperationFinished(final)
	}
}

// start runs the playground's container and its post_start hook. Hook
// failures are returned as a warning; the container stays up.
func (m *Manager) start(ctx context.Context, entry catalog.Entry, logger zerolog.Logger) (string, error) {
	name := m.ContainerName(entry.Name)

	existing, err := m.rt.GetContainer(ctx, name)
	switch {
	case err == nil && existing.Running():
		logger.Info().Str("container", name).Msg("Already running")
		return "", nil
	case err == nil:
		if err := m.rt.Remove(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("remove stale container: %w", err)
		}
	case !errors.Is(err, runtime.ErrNotFound):
		return "", err
	}

	ctr, err := m.rt.Run(ctx, runtime.RunSpec{
		Name:  name,
		Image: entry.Image,
		Cmd:   entry.Command,
		Env:   entry.Environment,
		Labels: map[string]string{
			runtime.LabelManaged: "true",
			runtime.LabelName:    entry.Name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", entry.Image, err)
	}
	logger.Info().Str("container", name).Str("container_id", ctr.ID).Msg("Container started")

	return m.runHook(ctx, ctr.ID, entry, "post_start", entry.Scripts.PostStart, logger), nil
}

// stop runs the pre_stop hook, then stops and removes the container.
// Stopping a playground without a container succeeds.
func (m *Manager) stop(ctx context.Context, entry catalog.Entry, logger zerolog.Logger) (string, error) {
	name := m.ContainerName(entry.Name)

	ctr, err := m.rt.GetContainer(ctx, name)
	if errors.Is(err, runtime.ErrNotFound) {
		logger.Info().Str("container", name).Msg("No container to stop")
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var warning string
	if ctr.Running() {
		warning = m.runHook(ctx, ctr.ID, entry, "pre_stop", entry.Scripts.PreStop, logger)
		if err := m.rt.Stop(ctx, ctr.ID, m.opts.StopTimeout); err != nil {
			return warning, fmt.Errorf("stop %s: %w", name, err)
		}
	}
	if err := m.rt.Remove(ctx, ctr.ID); err != nil {
		return warning, fmt.Errorf("remove %s: %w", name, err)
	}
	logger.Info().Str("container", name).Msg("Container removed")
	return warning, nil
}

// runHook runs script with the entry's shell and returns a warning if it
// did not succeed.
func (m *Manager) runHook(ctx context.Context, containerID string, entry catalog.Entry, hook, script string, logger zerolog.Logger) string {
	if strings.TrimSpace(script) == "" {
		return ""
	}
	res, err := m.rt.Exec(ctx, containerID, []string{entry.ShellOrDefault(), "-c", script})
	if err != nil {
		logger.Warn().Err(err).Str("hook", hook).Msg("Hook failed")
		return fmt.Sprintf("%s hook failed: %v", hook, err)
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(string(res.Output))
		logger.Warn().Int("exit_code", res.ExitCode).Str("hook", hook).Str("output", out).Msg("Hook exited non-zero")
		return fmt.Sprintf("%s hook exited with code %d", hook, res.ExitCode)
	}
	logger.Debug().Str("hook", hook).Msg("Hook completed")
	return ""
}

func joinWarnings(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
