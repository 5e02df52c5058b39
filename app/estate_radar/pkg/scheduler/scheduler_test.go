package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

type fakeRunner struct {
	calls  atomic.Int32
	busy   atomic.Bool
	err    error
	during func()
}

func (r *fakeRunner) RunIngestionPass(context.Context) (*dm.IngestionSummary, error) {
	n := r.calls.Add(1)
	if r.during != nil {
		r.during()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &dm.IngestionSummary{RunID: "run", ArticlesAdded: int(n)}, nil
}

func (r *fakeRunner) Busy() bool { return r.busy.Load() }

func TestTrigger_RecordsSummary(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(r, config.SchedulerConfig{})

	s.Trigger()
	require.NotNil(t, s.LastSummary())
	assert.Equal(t, 1, s.LastSummary().ArticlesAdded)
	assert.Equal(t, "stopped", s.State())
	assert.True(t, s.Next().IsZero())
}

func TestTrigger_PassInProgressKeepsLastSummary(t *testing.T) {
	r := &fakeRunner{err: dm.ErrPassInProgress}
	s := NewScheduler(r, config.SchedulerConfig{})

	s.Trigger()
	assert.Nil(t, s.LastSummary())
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestStart_RunOnStart(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(r, config.SchedulerConfig{Spec: "@every 1h", RunOnStart: true})
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Next().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, "stopped", s.State())
}

func TestStart_InvalidSpec(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, config.SchedulerConfig{Spec: "not a spec"})
	assert.Error(t, s.Start())
}

func TestState_SkippedTriggerIsNotRunning(t *testing.T) {
	r := &fakeRunner{err: dm.ErrPassInProgress}
	s := NewScheduler(r, config.SchedulerConfig{Spec: "@every 1h"})
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	var seen string
	r.during = func() { seen = s.State() }
	s.Trigger()
	assert.Equal(t, "idle", seen)

	r.busy.Store(true)
	assert.Equal(t, "running", s.State())
	r.busy.Store(false)
	assert.Equal(t, "idle", s.State())
}
