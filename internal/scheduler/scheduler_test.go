package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(testutil.NewTestLogger(t))
	require.NoError(t, err)
	return s
}

func TestRegisterTask_Duplicate(t *testing.T) {
	s := newScheduler(t)
	cfg := TaskConfig{ID: "a", Name: "A", Cron: "0 3 * * *", Func: func(context.Context) error { return nil }}

	require.NoError(t, s.RegisterTask(cfg))
	assert.ErrorIs(t, s.RegisterTask(cfg), ErrTaskExists)
}

func TestRegisterTask_BadCron(t *testing.T) {
	s := newScheduler(t)
	err := s.RegisterTask(TaskConfig{ID: "a", Cron: "not a cron", Func: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Empty(t, s.ListTasks())
}

func TestRunNow_RecordsResult(t *testing.T) {
	s := newScheduler(t)
	boom := errors.New("boom")
	var calls atomic.Int32
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:   "flaky",
		Name: "Flaky",
		Cron: "0 3 * * *",
		Func: func(context.Context) error {
			if calls.Add(1) == 1 {
				return boom
			}
			return nil
		},
	}))

	assert.ErrorIs(t, s.RunNow("flaky"), boom)
	info, err := s.GetTask("flaky")
	require.NoError(t, err)
	assert.Equal(t, "boom", info.LastError)
	require.NotNil(t, info.LastRun)
	assert.False(t, info.Running)

	assert.NoError(t, s.RunNow("flaky"))
	info, err = s.GetTask("flaky")
	require.NoError(t, err)
	assert.Empty(t, info.LastError)

	assert.ErrorIs(t, s.RunNow("missing"), ErrTaskNotFound)
	_, err = s.GetTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStart_RunOnStartAndStopWaits(t *testing.T) {
	s := newScheduler(t)
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:         "boot",
		Name:       "Boot",
		Cron:       "0 3 * * *",
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			finished.Store(true)
			return ctx.Err()
		},
	}))
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "idle", Name: "Idle", Cron: "0 4 * * *", Func: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	select {
	case <-started:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("startup task did not run")
	}

	assert.ErrorIs(t, s.RunNow("boot"), ErrTaskRunning)

	tasks := s.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "boot", tasks[0].ID)
	assert.True(t, tasks[0].Running)
	assert.Nil(t, tasks[1].LastRun)

	cancel()
	require.NoError(t, s.Stop())
	assert.True(t, finished.Load())
}
