package cloud

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrUnsupportedAction = errors.New("driver does not support action")
	ErrResourceNotFound  = errors.New("resource not found")
)

// Driver performs one canonical action against one resource. The
// execution engine calls it step by step; compensating actions go
// through the same entry point.
type Driver interface {
	Execute(ctx context.Context, conn *Connection, actionID, resourceID string, params map[string]interface{}) error
	// ResourceState returns the provider-reported state of a resource
	// ("running", "stopped", ...). Simulation uses it to detect
	// resources already in the target state. Implementations may
	// return ErrResourceNotFound.
	ResourceState(ctx context.Context, conn *Connection, service, resourceID string) (string, error)
}

// transientError marks a provider failure worth one bounded retry
// (throttling, timeouts), as opposed to a terminal refusal.
type transientError struct{ err error }

func (t *transientError) Error() string { return "transient: " + t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// FakeDriver simulates a provider in memory. Tests and the dry-run
// deployment profile use it.
type FakeDriver struct {
	mu     sync.Mutex
	states map[string]string // resourceID -> state
	calls  []FakeCall
	// failures maps "actionID/resourceID" to the error returned on the
	// next matching Execute; consumed once per entry.
	failures map[string][]error
}

// FakeCall records one Execute invocation.
type FakeCall struct {
	ActionID   string
	ResourceID string
	Params     map[string]interface{}
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		states:   make(map[string]string),
		failures: make(map[string][]error),
	}
}

// SetState seeds a resource state.
func (d *FakeDriver) SetState(resourceID, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[resourceID] = state
}

// FailNext queues errors the next Execute calls for actionID/resourceID
// will return, in order.
func (d *FakeDriver) FailNext(actionID, resourceID string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := actionID + "/" + resourceID
	d.failures[k] = append(d.failures[k], errs...)
}

func (d *FakeDriver) Execute(_ context.Context, _ *Connection, actionID, resourceID string, params map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, FakeCall{ActionID: actionID, ResourceID: resourceID, Params: params})

	k := actionID + "/" + resourceID
	if queue := d.failures[k]; len(queue) > 0 {
		err := queue[0]
		d.failures[k] = queue[1:]
		return err
	}
	if state := targetStateFor(actionID); state != "" {
		d.states[resourceID] = state
	}
	return nil
}

func (d *FakeDriver) ResourceState(_ context.Context, _ *Connection, _, resourceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[resourceID]
	if !ok {
		return "", ErrResourceNotFound
	}
	return state, nil
}

// Calls returns a copy of recorded Execute calls in order.
func (d *FakeDriver) Calls() []FakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FakeCall(nil), d.calls...)
}

// targetStateFor mirrors the default catalog's target states, enough
// for the fake to feel like a provider.
func targetStateFor(actionID string) string {
	switch actionID {
	case "ec2:stop_instances", "rds:stop_db_instance":
		return "stopped"
	case "ec2:start_instances":
		return "running"
	case "rds:start_db_instance":
		return "available"
	case "ec2:terminate_instances":
		return "terminated"
	case "ebs:detach_volume":
		return "available"
	case "ebs:attach_volume":
		return "in-use"
	case "ebs:delete_volume":
		return "deleted"
	default:
		return ""
	}
}

var _ Driver = (*FakeDriver)(nil)
