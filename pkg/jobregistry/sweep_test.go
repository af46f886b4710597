package jobregistry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_Selects(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ended := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name  string
		sweep Sweep
		job   *Job
		want  bool
	}{
		{name: "nil job", sweep: Sweep{}, job: nil, want: false},
		{name: "processing never", sweep: Sweep{}, job: &Job{Status: StatusProcessing}, want: false},
		{name: "queued never", sweep: Sweep{Status: StatusQueued}, job: &Job{Status: StatusQueued}, want: false},
		{name: "any finished", sweep: Sweep{}, job: &Job{Status: StatusError, EndedAt: ended(time.Second)}, want: true},
		{name: "old enough", sweep: Sweep{MaxAge: time.Hour}, job: &Job{Status: StatusComplete, EndedAt: ended(2 * time.Hour)}, want: true},
		{name: "too recent", sweep: Sweep{MaxAge: time.Hour}, job: &Job{Status: StatusComplete, EndedAt: ended(time.Minute)}, want: false},
		{name: "age without end time", sweep: Sweep{MaxAge: time.Hour}, job: &Job{Status: StatusComplete}, want: false},
		{name: "status match", sweep: Sweep{Status: StatusError}, job: &Job{Status: StatusError}, want: true},
		{name: "status mismatch", sweep: Sweep{Status: StatusError}, job: &Job{Status: StatusComplete}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sweep.Selects(tt.job, now))
		})
	}
}

func TestSweep_Validate(t *testing.T) {
	assert.NoError(t, Sweep{}.Validate())
	assert.NoError(t, Sweep{MaxAge: time.Hour, Status: StatusComplete}.Validate())
	assert.Error(t, Sweep{MaxAge: -time.Second}.Validate())
	assert.Error(t, Sweep{Status: StatusProcessing}.Validate())
	assert.Error(t, Sweep{Status: "cancelled"}.Validate())
}

func TestRegistry_SweepDeletesThroughRegistry(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	clock := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}
	r, backend := newTestRegistry(t, Options{Now: now})

	oldDone, err := r.Create(ctx, []byte(`{"kind":"sim"}`))
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, oldDone, StatusComplete, ""))
	advance(3 * time.Hour)

	recentFailed, err := r.Create(ctx, []byte(`{"kind":"sim"}`))
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, recentFailed, StatusError, "boom"))
	running, err := r.Create(ctx, []byte(`{"kind":"sim"}`))
	require.NoError(t, err)

	ids, err := r.Sweep(ctx, Sweep{MaxAge: time.Hour}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{oldDone}, ids)
	_, ok := r.Get(oldDone)
	assert.True(t, ok, "dry run keeps the job")

	ids, err = r.Sweep(ctx, Sweep{MaxAge: time.Hour}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{oldDone}, ids)
	_, ok = r.Get(oldDone)
	assert.False(t, ok)
	_, statErr := os.Stat(backend.JobPath(oldDone))
	assert.True(t, os.IsNotExist(statErr), "persisted unit removed")

	ids, err = r.Sweep(ctx, Sweep{Status: StatusError}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{recentFailed}, ids)

	_, ok = r.Get(running)
	assert.True(t, ok)

	_, err = r.Sweep(ctx, Sweep{Status: StatusProcessing}, false)
	assert.Error(t, err)
}
