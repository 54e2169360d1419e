// Package pending correlates asynchronous requests with their responses by id.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrTimeout is returned when a call is not answered within its timeout
	ErrTimeout = errors.New("pending call timed out")

	// ErrClosed is returned for calls outstanding when the table is closed
	ErrClosed = errors.New("pending table closed")

	// ErrIDCollision is returned when no unique id could be allocated
	ErrIDCollision = errors.New("could not allocate a unique call id")
)

const maxIDAttempts = 8

// Result is the outcome delivered to a waiting call.
type Result struct {
	Value any
	Err   error
}

// Call is one outstanding request.
type Call struct {
	ID      string
	Kind    string
	Started time.Time

	done  chan Result
	table *Table
}

// Table tracks outstanding calls. Responses may arrive in any order; only id
// uniqueness matters.
type Table struct {
	mu       sync.Mutex
	calls    map[string]*Call
	newID    func() (string, error)
	observe  func(outstanding int)
	closeErr error
}

// Option configures a Table.
type Option func(*Table)

// WithIDGenerator replaces the default nanoid generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(t *Table) {
		t.newID = fn
	}
}

// WithObserver registers a callback invoked with the outstanding count after every change.
func WithObserver(fn func(outstanding int)) Option {
	return func(t *Table) {
		t.observe = fn
	}
}

// New creates an empty table
func New(opts ...Option) *Table {
	t := &Table{
		calls: make(map[string]*Call),
		newID: func() (string, error) { return gonanoid.New() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin allocates a fresh id and registers a call under it.
func (t *Table) Begin(kind string) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closeErr != nil {
		return nil, t.closeErr
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := t.newID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate call id: %w", err)
		}
		if _, taken := t.calls[id]; taken || id == "" {
			continue
		}

		call := &Call{
			ID:      id,
			Kind:    kind,
			Started: time.Now(),
			done:    make(chan Result, 1),
			table:   t,
		}
		t.calls[id] = call
		t.notify()
		return call, nil
	}

	return nil, ErrIDCollision
}

// Settle delivers a result to the call with the given id and removes it.
// It returns false when no such call is outstanding.
func (t *Table) Settle(id string, value any, err error) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
		t.notify()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- Result{Value: value, Err: err}
	return true
}

// Cancel drops an outstanding call without delivering a result.
func (t *Table) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[id]; !ok {
		return false
	}
	delete(t.calls, id)
	t.notify()
	return true
}

// Len returns the number of outstanding calls
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// IDs returns the outstanding call ids in sorted order
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close rejects every outstanding call with err (ErrClosed when nil) and
// refuses new calls.
func (t *Table) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	t.mu.Lock()
	if t.closeErr != nil {
		t.mu.Unlock()
		return
	}
	t.closeErr = err
	calls := t.calls
	t.calls = make(map[string]*Call)
	t.notify()
	t.mu.Unlock()

	for _, call := range calls {
		call.done <- Result{Err: err}
	}
}

// notify must be called with mu held.
func (t *Table) notify() {
	if t.observe != nil {
		t.observe(len(t.calls))
	}
}

// Wait blocks until the call is settled, ctx ends, or timeout elapses.
// A zero timeout waits for as long as ctx allows.
func (c *Call) Wait(ctx context.Context, timeout time.Duration) (any, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-c.done:
		return res.Value, res.Err
	case <-ctx.Done():
		c.table.Cancel(c.ID)
		return nil, ctx.Err()
	case <-expired:
		c.table.Cancel(c.ID)
		return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.Kind, c.ID, timeout)
	}
}
