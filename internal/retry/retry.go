// Package retry runs an operation through a bounded retry state machine:
//
//	Attempting -> Succeeded
//	Attempting -> Retrying(n) -> Attempting ...
//	Attempting -> Failed
//
// Only errors wrapped with Transient move the machine to Retrying. Any other error, or
// running out of attempts, ends in Failed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last error once every attempt has failed transiently.
var ErrExhausted = errors.New("retries exhausted")

// State of the machine.
type State int

const (
	Attempting State = iota
	Retrying
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether the machine stops in s.
func IsTerminal(s State) bool {
	return s == Succeeded || s == Failed
}

// TransientError marks an error as worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the machine retries it. Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Policy bounds the machine.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the wait before the first retry. Later waits grow exponentially.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait. Zero means 30s.
	MaxBackoff time.Duration
}

// Attempt is what the operation is told about the current try.
type Attempt struct {
	Number int
	State  State
}

// Transition is emitted every time the machine changes state.
type Transition struct {
	From, To State
	Attempt  int
	Err      error
	Wait     time.Duration
}

// Machine drives one operation. It is not safe for concurrent use; build one per operation.
type Machine struct {
	policy  Policy
	backoff backoff.BackOff
	state   State
	attempt int
	sleep   func(ctx context.Context, d time.Duration) error

	// OnTransition, when set, observes every state change.
	OnTransition func(Transition)
}

// New builds a machine in the Attempting state.
func New(p Policy) *Machine {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	return &Machine{
		policy:  p,
		backoff: b,
		state:   Attempting,
		sleep:   sleepContext,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Attempts returns how many times the operation has been started.
func (m *Machine) Attempts() int {
	return m.attempt
}

func (m *Machine) transition(to State, err error, wait time.Duration) {
	from := m.state
	m.state = to
	if m.OnTransition != nil {
		m.OnTransition(Transition{From: from, To: to, Attempt: m.attempt, Err: err, Wait: wait})
	}
}

// Run executes op until it succeeds, fails permanently, or runs out of attempts.
// The returned error is nil only in the Succeeded state. Exhaustion is reported as
// ErrExhausted wrapping the last error.
func (m *Machine) Run(ctx context.Context, op func(ctx context.Context, a Attempt) error) error {
	if IsTerminal(m.state) {
		return fmt.Errorf("retry machine already %s", m.state)
	}
	for {
		m.attempt++
		err := op(ctx, Attempt{Number: m.attempt, State: m.state})
		switch {
		case err == nil:
			m.transition(Succeeded, nil, 0)
			return nil
		case ctx.Err() != nil:
			m.transition(Failed, ctx.Err(), 0)
			return ctx.Err()
		case !IsTransient(err):
			m.transition(Failed, err, 0)
			return err
		case m.attempt > m.policy.MaxRetries:
			m.transition(Failed, err, 0)
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, m.attempt, err)
		}

		wait := m.backoff.NextBackOff()
		if wait == backoff.Stop || wait < 0 {
			wait = m.policy.MaxBackoff
		}
		m.transition(Retrying, err, wait)
		if serr := m.sleep(ctx, wait); serr != nil {
			m.transition(Failed, serr, 0)
			return serr
		}
		m.transition(Attempting, nil, 0)
	}
}

// Do is a convenience wrapper for a single operation.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, a Attempt) error) error {
	return New(p).Run(ctx, op)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
