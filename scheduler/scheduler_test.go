package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.build/action"
)

func TestDeque_PushHeadOrdersByPriority(t *testing.T) {
	d := newDeque()
	d.pushHead(&item{priority: 1})
	d.pushHead(&item{priority: 5})
	d.pushHead(&item{priority: 3})

	assert.Equal(t, 5, d.popHead().priority)
	assert.Equal(t, 3, d.popHead().priority)
	assert.Equal(t, 1, d.popHead().priority)
	assert.Nil(t, d.popHead())
}

func TestPool_SubmitAndAwaitSucceeds(t *testing.T) {
	pool := New(Config{Workers: 2})
	defer pool.Stop()

	exec := func(ctx context.Context, a *action.Action) (action.Result, error) {
		return action.Result{Outcome: action.Success}, nil
	}

	h := pool.Submit(context.Background(), &action.Action{ID: "a"}, exec, false)
	res, err := pool.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, action.Success, res.Outcome)
}

func TestPool_DependsOnBlockedNeverRuns(t *testing.T) {
	pool := New(Config{Workers: 2})
	defer pool.Stop()

	var ran atomic.Bool
	exec := func(ctx context.Context, a *action.Action) (action.Result, error) {
		ran.Store(true)
		return action.Result{Outcome: action.Success}, nil
	}

	h := pool.Submit(context.Background(), &action.Action{ID: "blocked"}, exec, true)
	res, err := pool.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, action.Cancelled, res.Outcome)
	assert.False(t, ran.Load(), "a dependent of a blocked ancestor must never dispatch")
}

func TestPool_FailFastBlocksSubsequentSubmits(t *testing.T) {
	pool := New(Config{Workers: 1, Mode: FailFast})
	defer pool.Stop()

	failing := func(ctx context.Context, a *action.Action) (action.Result, error) {
		return action.Result{Outcome: action.Failed}, errors.New("boom")
	}
	h1 := pool.Submit(context.Background(), &action.Action{ID: "fails", RetryPolicy: action.RetryPolicy{MaxAttempts: 1}}, failing, false)
	_, err := pool.Await(context.Background(), h1, time.Second)
	require.NoError(t, err)

	// Give the worker loop a moment to mark p.failed.
	deadline := time.Now().Add(time.Second)
	for !pool.failed.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	neverRuns := func(ctx context.Context, a *action.Action) (action.Result, error) {
		t.Fatal("action must not run once the pool has failed in FailFast mode")
		return action.Result{}, nil
	}
	h2 := pool.Submit(context.Background(), &action.Action{ID: "after-failure"}, neverRuns, false)
	res2, err := pool.Await(context.Background(), h2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, action.Cancelled, res2.Outcome)
}

func TestPool_RetriesRetryableOutcomeUpToMaxAttempts(t *testing.T) {
	pool := New(Config{Workers: 1})
	defer pool.Stop()

	var attempts atomic.Int32
	exec := func(ctx context.Context, a *action.Action) (action.Result, error) {
		n := attempts.Add(1)
		if n < 3 {
			return action.Result{Outcome: action.Retryable}, nil
		}
		return action.Result{Outcome: action.Success}, nil
	}

	h := pool.Submit(context.Background(), &action.Action{
		ID:          "flaky",
		RetryPolicy: action.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, exec, false)

	res, err := pool.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, action.Success, res.Outcome)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPool_StealingDrainsAnOverloadedWorker(t *testing.T) {
	pool := New(Config{Workers: 4, StealSample: 3})
	defer pool.Stop()

	var completed atomic.Int32
	exec := func(ctx context.Context, a *action.Action) (action.Result, error) {
		completed.Add(1)
		return action.Result{Outcome: action.Success}, nil
	}

	var handles []*Handle
	for i := 0; i < 50; i++ {
		h := pool.Submit(context.Background(), &action.Action{ID: "t"}, exec, false)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := pool.Await(context.Background(), h, 2*time.Second)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 50, completed.Load())
}
