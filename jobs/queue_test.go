package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, q *Queue, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Status(id) == want }, 5*time.Second, time.Millisecond,
		"job %s never reached %s", id, want)
}

func TestRunsJobs(t *testing.T) {
	q := New(2, 8)
	t.Cleanup(func() { _ = q.Close() })

	gotID := make(chan string, 1)
	id, err := q.Enqueue(func(ctx context.Context, jobID string) error {
		gotID <- jobID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, id, <-gotID)
	waitForState(t, q, id, StateDone)
	assert.False(t, q.IsAlive(id))

	failing, err := q.Enqueue(func(context.Context, string) error { return errors.New("boom") })
	require.NoError(t, err)
	waitForState(t, q, failing, StateFailed)

	panicking, err := q.Enqueue(func(context.Context, string) error { panic("boom") })
	require.NoError(t, err)
	waitForState(t, q, panicking, StateFailed)

	// The worker survived the panic.
	after, err := q.Enqueue(func(context.Context, string) error { return nil })
	require.NoError(t, err)
	waitForState(t, q, after, StateDone)
}

func TestCancelRunning(t *testing.T) {
	q := New(1, 8)
	t.Cleanup(func() { _ = q.Close() })

	started := make(chan struct{})
	id, err := q.Enqueue(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	assert.Equal(t, StateRunning, q.Status(id))
	assert.True(t, q.IsAlive(id))

	assert.True(t, q.Cancel(id))
	waitForState(t, q, id, StateCanceled)
	assert.False(t, q.Cancel(id))
}

func TestCancelPending(t *testing.T) {
	q := New(1, 8)
	t.Cleanup(func() { _ = q.Close() })

	release := make(chan struct{})
	blocker, err := q.Enqueue(func(context.Context, string) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	pending, err := q.Enqueue(func(context.Context, string) error {
		ran <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, q.Status(pending))

	assert.True(t, q.Cancel(pending))
	assert.Equal(t, StateCanceled, q.Status(pending))
	close(release)
	waitForState(t, q, blocker, StateDone)

	marker, err := q.Enqueue(func(context.Context, string) error { return nil })
	require.NoError(t, err)
	waitForState(t, q, marker, StateDone)
	assert.Empty(t, ran)
}

func TestUnknownJob(t *testing.T) {
	q := New(1, 1)
	t.Cleanup(func() { _ = q.Close() })

	assert.Equal(t, StateUnknown, q.Status("nope"))
	assert.False(t, q.IsAlive("nope"))
	assert.False(t, q.Cancel("nope"))
}

func TestBacklogFull(t *testing.T) {
	q := New(1, 1)
	t.Cleanup(func() { _ = q.Close() })

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	_, err := q.Enqueue(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue(func(context.Context, string) error { return nil })
	require.NoError(t, err)
	_, err = q.Enqueue(func(context.Context, string) error { return nil })
	require.ErrorIs(t, err, ErrFull)
}

func TestClose(t *testing.T) {
	q := New(1, 1)

	started := make(chan struct{})
	id, err := q.Enqueue(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Close())
	assert.Equal(t, StateCanceled, q.Status(id))
	require.NoError(t, q.Close())

	_, err = q.Enqueue(func(context.Context, string) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestForgetsOldFinishedJobs(t *testing.T) {
	q := New(1, 8)
	q.keep = 2
	t.Cleanup(func() { _ = q.Close() })

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := q.Enqueue(func(context.Context, string) error { return nil })
		require.NoError(t, err)
		waitForState(t, q, id, StateDone)
		ids = append(ids, id)
	}

	assert.Equal(t, StateUnknown, q.Status(ids[0]))
	assert.Equal(t, StateUnknown, q.Status(ids[1]))
	assert.Equal(t, StateDone, q.Status(ids[2]))
	assert.Equal(t, StateDone, q.Status(ids[3]))
	assert.False(t, q.IsAlive(ids[0]))
	assert.False(t, q.Cancel(ids[0]))
}
