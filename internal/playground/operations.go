package playground

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownOperation is returned for an operation ID that was never issued
// or has been pruned.
var ErrUnknownOperation = errors.New("unknown operation")

type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindRestart Kind = "restart"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Done reports whether the status is final.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Operation is a snapshot of a background lifecycle operation.
type Operation struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Playground string     `json:"playground"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Warning    string     `json:"warning,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type trackedOp struct {
	op   Operation
	done chan struct{}
}

// operations tracks background operations by ID. Finished operations are
// dropped after ttl.
type operations struct {
	ttl time.Duration
	now func() time.Time

	mu  sync.Mutex
	ops map[string]*trackedOp
}

func newOperations(ttl time.Duration) *operations {
	return &operations{
		ttl: ttl,
		now: time.Now,
		ops: make(map[string]*trackedOp),
	}
}

func (o *operations) create(kind Kind, playground string) Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()

	now := o.now()
	t := &trackedOp{
		op: Operation{
			ID:         uuid.NewString(),
			Kind:       kind,
			Playground: playground,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		done: make(chan struct{}),
	}
	o.ops[t.op.ID] = t
	return t.op
}

func (o *operations) running(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.ops[id]; ok && !t.op.Status.Done() {
		t.op.Status = StatusRunning
		t.op.UpdatedAt = o.now()
	}
}

// finish records the outcome and returns the final snapshot.
func (o *operations) finish(id string, err error, warning string) Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.ops[id]
	if !ok || t.op.Status.Done() {
		if ok {
			return t.op
		}
		return Operation{}
	}

	now := o.now()
	t.op.Status = StatusSucceeded
	if err != nil {
		t.op.Status = StatusFailed
		t.op.Error = err.Error()
	}
	t.op.Warning = warning
	t.op.UpdatedAt = now
	t.op.FinishedAt = &now
	close(t.done)
	return t.op
}

func (o *operations) get(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	return t.op, true
}

// list returns all tracked operations, newest first.
func (o *operations) list() []Operation {
	o.mu.Lock()
	o.pruneLocked()
	out := make([]Operation, 0, len(o.ops))
	for _, t := range o.ops {
		out = append(out, t.op)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// wait blocks until the operation finishes or ctx ends.
func (o *operations) wait(ctx context.Context, id string) (Operation, error) {
	o.mu.Lock()
	t, ok := o.ops[id]
	o.mu.Unlock()
	if !ok {
		return Operation{}, ErrUnknownOperation
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return t.op, nil
}

func (o *operations) pruneLocked() {
	if o.ttl <= 0 {
		return
	}
	cutoff := o.now().Add(-o.ttl)
	for id, t := range o.ops {
		if t.op.FinishedAt != nil && t.op.FinishedAt.Before(cutoff) {
			delete(o.ops, id)
		}
	}
}
