package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func noSleep(m *Machine) *Machine {
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

func TestSucceedsFirstAttempt(t *testing.T) {
	m := noSleep(New(Policy{MaxRetries: 3}))
	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context, a Attempt) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Succeeded, m.State())
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	m := noSleep(New(Policy{MaxRetries: 3, InitialBackoff: time.Millisecond}))
	var seen []Transition
	m.OnTransition = func(tr Transition) { seen = append(seen, tr) }

	err := m.Run(context.Background(), func(ctx context.Context, a Attempt) error {
		if a.Number < 3 {
			return Transient(errBoom)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Attempts())

	var states []State
	for _, tr := range seen {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{Retrying, Attempting, Retrying, Attempting, Succeeded}, states)
	assert.Greater(t, seen[0].Wait, time.Duration(0))
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	m := noSleep(New(Policy{MaxRetries: 5}))
	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context, a Attempt) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Failed, m.State())
}

func TestExhaustion(t *testing.T) {
	m := noSleep(New(Policy{MaxRetries: 2}))
	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context, a Attempt) error {
		calls++
		return Transient(errBoom)
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, Failed, m.State())

	err = m.Run(context.Background(), func(ctx context.Context, a Attempt) error { return nil })
	assert.Error(t, err, "a terminal machine cannot be rerun")
}

func TestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(Policy{MaxRetries: 5, InitialBackoff: time.Hour})
	err := m.Run(ctx, func(ctx context.Context, a Attempt) error {
		cancel()
		return Transient(errBoom)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, m.State())
	assert.Equal(t, 1, m.Attempts())
}

func TestIsTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.True(t, IsTransient(Transient(errBoom)))
	wrapped := errors.Join(errors.New("ctx"), Transient(errBoom))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(errBoom))
}
