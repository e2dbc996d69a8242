package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerExecutesSubmittedJobs(t *testing.T) {
	r := NewRunner(testLogger(), 2, 16)
	r.Start()

	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		err := r.Submit("count", func(ctx context.Context) error {
			if ran.Add(1) == 5 {
				close(done)
			}
			return nil
		})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, int32(5), ran.Load())
}

func TestSubmitDoesNotBlockWhenQueueIsFull(t *testing.T) {
	r := NewRunner(testLogger(), 1, 1)
	// Not started: nothing drains the queue.

	require.NoError(t, r.Submit("first", func(ctx context.Context) error { return nil }))

	start := time.Now()
	err := r.Submit("second", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRunnerRecoversFromPanics(t *testing.T) {
	r := NewRunner(testLogger(), 1, 16)
	r.Start()

	require.NoError(t, r.Submit("boom", func(ctx context.Context) error {
		panic("kaput")
	}))

	ok := make(chan struct{})
	require.NoError(t, r.Submit("after", func(ctx context.Context) error {
		close(ok)
		return nil
	}))

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestSubmitAfterStopFails(t *testing.T) {
	r := NewRunner(testLogger(), 1, 16)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	err := r.Submit("late", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}
