package core

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/thermal-spool/internal/db"
)

type runnerFunc func(ctx context.Context, input Data, attempt int) Outcome

func (f runnerFunc) Run(ctx context.Context, input Data, attempt int) Outcome {
	return f(ctx, input, attempt)
}

// recorder collects observed transitions per work id.
type recorder struct {
	mu     sync.Mutex
	states map[string][]WorkState
}

func newRecorder() *recorder {
	return &recorder{states: map[string][]WorkState{}}
}

func (r *recorder) WorkChanged(info WorkInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[info.ID.String()] = append(r.states[info.ID.String()], info.State)
}

func (r *recorder) get(id string) []WorkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WorkState(nil), r.states[id]...)
}

func newTestQueue(t *testing.T, runner Runner) (*Queue, *recorder) {
	t.Helper()

	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "spool.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	q := NewQueue(database.WorkItems, runner, QueueOptions{
		Workers:      2,
		RetryDelay:   10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())

	rec := newRecorder()
	q.Subscribe(rec)
	return q, rec
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
}

func waitForState(t *testing.T, q *Queue, id string, want WorkState) WorkInfo {
	t.Helper()
	var info WorkInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = q.Get(context.Background(), id)
		return err == nil && info.State == want
	}, 5*time.Second, 10*time.Millisecond, "work %s never reached %s", id, want)
	return info
}

func textInput() Data {
	return NewTextJob(Selector{Connection: ConnectionNetwork, Address: "10.0.0.5"}, "hello", false, false)
}

func TestQueueEnqueueValidatesInput(t *testing.T) {
	q, _ := newTestQueue(t, runnerFunc(func(context.Context, Data, int) Outcome { return Success(nil) }))

	_, err := q.Enqueue(context.Background(), WorkRequest{Input: Data{KeyText: "no mode"}})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = q.Enqueue(context.Background(), WorkRequest{Input: textInput(), After: "not-a-uuid"})
	assert.ErrorIs(t, err, ErrWorkNotFound)
}

func TestQueueEnqueueSetsJobFields(t *testing.T) {
	q, _ := newTestQueue(t, runnerFunc(func(context.Context, Data, int) Outcome { return Success(nil) }))

	input := textInput()
	input[KeyJobTag] = "kitchen"
	id, err := q.Enqueue(context.Background(), WorkRequest{Name: "receipt", Tags: []string{"night"}, Input: input})
	require.NoError(t, err)

	info, err := q.Get(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, StateEnqueued, info.State)
	assert.Equal(t, "receipt", info.Name)
	assert.Equal(t, []string{"night", "kitchen"}, info.Tags)
	assert.Equal(t, id.String(), info.Input.String(KeyJobID))
	assert.Equal(t, "receipt", info.Input.String(KeyJobName))
	assert.Equal(t, 0, info.RunAttemptCount)
}

func TestQueueRunsWorkToSuccess(t *testing.T) {
	var gotAttempt atomic.Int32
	q, rec := newTestQueue(t, runnerFunc(func(_ context.Context, input Data, attempt int) Outcome {
		gotAttempt.Store(int32(attempt))
		return Success(input)
	}))
	startQueue(t, q)

	id, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput()})
	require.NoError(t, err)

	info := waitForState(t, q, id.String(), StateSucceeded)
	assert.Equal(t, 1, info.RunAttemptCount)
	assert.Equal(t, int32(1), gotAttempt.Load())
	assert.Equal(t, "hello", info.Output.String(KeyText))
	assert.Equal(t, "hello", info.Progress.String(KeyText))
	require.NotNil(t, info.FinishedAt)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]WorkState{StateEnqueued, StateRunning, StateSucceeded}, rec.get(id.String()))
	}, time.Second, 10*time.Millisecond)
}

func TestQueueRetriesThenFails(t *testing.T) {
	r := newFakeResolver("10.0.0.5")
	r.handles["10.0.0.5"].printErr = errBoom
	in := newTestInterpreter(r, false)

	q, rec := newTestQueue(t, in)
	startQueue(t, q)

	id, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput()})
	require.NoError(t, err)

	info := waitForState(t, q, id.String(), StateFailed)
	assert.Equal(t, 3, info.RunAttemptCount)
	assert.Contains(t, info.Output.String(KeyError), "boom")

	ev := EventFromWorkInfo(info)
	assert.Equal(t, StateFailed, ev.State)
	assert.Contains(t, ev.Error, "boom")
	assert.Equal(t, 3, ev.RunAttemptCount)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]WorkState{
			StateEnqueued,
			StateRunning, StateEnqueued,
			StateRunning, StateEnqueued,
			StateRunning, StateFailed,
		}, rec.get(id.String()))
	}, time.Second, 10*time.Millisecond)
}

func TestQueueRetryStartsNewGeneration(t *testing.T) {
	var mu sync.Mutex
	fail := true
	q, _ := newTestQueue(t, runnerFunc(func(_ context.Context, input Data, _ int) Outcome {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Fail(input, "paper out")
		}
		return Success(input)
	}))
	startQueue(t, q)

	id, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput()})
	require.NoError(t, err)
	failed := waitForState(t, q, id.String(), StateFailed)
	assert.Equal(t, 0, failed.Generation)
	assert.Equal(t, "paper out", failed.Output.String(KeyError))

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, q.Retry(context.Background(), id.String()))

	info := waitForState(t, q, id.String(), StateSucceeded)
	assert.Equal(t, 1, info.Generation)
	assert.Equal(t, 1, info.RunAttemptCount)
	assert.False(t, info.Output.Has(KeyError))

	err = q.Retry(context.Background(), id.String())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueueCancelRunningWork(t *testing.T) {
	started := make(chan struct{})
	q, rec := newTestQueue(t, runnerFunc(func(ctx context.Context, input Data, _ int) Outcome {
		close(started)
		<-ctx.Done()
		return Fail(input, ctx.Err().Error())
	}))
	startQueue(t, q)

	id, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput()})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("work never started")
	}

	require.NoError(t, q.Cancel(context.Background(), id.String()))

	info := waitForState(t, q, id.String(), StateCancelled)
	assert.Empty(t, info.Output)

	// The cancelled attempt's failure must not overwrite the state.
	time.Sleep(50 * time.Millisecond)
	info, err = q.Get(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, info.State)
	assert.Equal(t, []WorkState{StateEnqueued, StateRunning, StateCancelled}, rec.get(id.String()))

	assert.ErrorIs(t, q.Cancel(context.Background(), id.String()), ErrInvalidTransition)
}

func TestQueueCancelUnknownWork(t *testing.T) {
	q, _ := newTestQueue(t, runnerFunc(func(context.Context, Data, int) Outcome { return Success(nil) }))

	assert.ErrorIs(t, q.Cancel(context.Background(), "0b6f6c1e-5d1e-4f7e-9d7a-2f3c4b5a6d7e"), ErrWorkNotFound)
	assert.ErrorIs(t, q.Retry(context.Background(), "nope"), ErrWorkNotFound)

	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrWorkNotFound)
}

func TestQueueBlockedWork(t *testing.T) {
	release := make(chan struct{})
	q, _ := newTestQueue(t, runnerFunc(func(_ context.Context, input Data, _ int) Outcome {
		if input.String(KeyText) == "first" {
			<-release
		}
		if input.String(KeyText) == "doomed" {
			return Fail(input, "jammed")
		}
		return Success(input)
	}))
	startQueue(t, q)

	sel := Selector{Connection: ConnectionNetwork, Address: "10.0.0.5"}
	first, err := q.Enqueue(context.Background(), WorkRequest{Input: NewTextJob(sel, "first", false, false)})
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), WorkRequest{
		Input: NewTextJob(sel, "second", false, false),
		After: first.String(),
	})
	require.NoError(t, err)

	info, err := q.Get(context.Background(), second.String())
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, info.State)

	close(release)
	waitForState(t, q, first.String(), StateSucceeded)
	waitForState(t, q, second.String(), StateSucceeded)

	t.Run("failed prerequisite fails the chain", func(t *testing.T) {
		doomed, err := q.Enqueue(context.Background(), WorkRequest{Input: NewTextJob(sel, "doomed", false, false)})
		require.NoError(t, err)
		waitForState(t, q, doomed.String(), StateFailed)

		child, err := q.Enqueue(context.Background(), WorkRequest{
			Input: NewTextJob(sel, "child", false, false),
			After: doomed.String(),
		})
		require.NoError(t, err)

		info := waitForState(t, q, child.String(), StateFailed)
		assert.Contains(t, info.Output.String(KeyError), doomed.String())
		assert.Equal(t, 0, info.RunAttemptCount)
	})
}

func TestQueueCancelPropagatesToDependents(t *testing.T) {
	q, _ := newTestQueue(t, runnerFunc(func(_ context.Context, input Data, _ int) Outcome { return Success(input) }))

	parent, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput()})
	require.NoError(t, err)
	child, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput(), After: parent.String()})
	require.NoError(t, err)
	grandchild, err := q.Enqueue(context.Background(), WorkRequest{Input: textInput(), After: child.String()})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(context.Background(), parent.String()))

	for _, id := range []string{parent.String(), child.String(), grandchild.String()} {
		info, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, info.State, id)
	}
}

func TestQueueRecoverAndStats(t *testing.T) {
	database, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "spool.db")})
	require.NoError(t, err)
	defer database.Close()

	q := NewQueue(database.WorkItems, runnerFunc(func(context.Context, Data, int) Outcome { return Retry() }),
		QueueOptions{RetryDelay: time.Hour}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, WorkRequest{Input: textInput(), Tags: []string{"batch"}})
		require.NoError(t, err)
	}

	claimed, err := database.WorkItems.ClaimNext(ctx, time.Now().UnixMilli())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Enqueued: 2, Running: 1, Total: 3}, stats)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Enqueued)

	listed, err := q.List(ctx, ListFilter{Tag: "batch", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	listed, err = q.List(ctx, ListFilter{State: StateRunning})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCalculateBackoff(t *testing.T) {
	q := NewQueue(nil, nil, QueueOptions{RetryDelay: 10 * time.Second}, zerolog.Nop())

	assert.Equal(t, 10*time.Second, q.calculateBackoff(0))
	assert.Equal(t, 20*time.Second, q.calculateBackoff(1))
	assert.Equal(t, 40*time.Second, q.calculateBackoff(2))
	assert.Equal(t, 5*time.Minute, q.calculateBackoff(10))
	assert.Equal(t, 5*time.Minute, q.calculateBackoff(64))
}
