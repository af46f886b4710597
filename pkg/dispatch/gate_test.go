package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imgjobd/pkg/operation"
)

func TestGate_SingleHolder(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	assert.True(t, g.Held())

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Acquire(waitCtx), context.DeadlineExceeded)

	g.Release()
	assert.False(t, g.Held())
	require.NoError(t, g.Acquire(ctx))
	g.Release()
}

func TestGate_CancelledContextNeverAcquires(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, g.Acquire(ctx), context.Canceled)
	assert.False(t, g.Held())
}

func TestGate_MutualExclusion(t *testing.T) {
	g := NewGate()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, g.Acquire(context.Background())) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestResourceCache_BuildsOnce(t *testing.T) {
	c := NewResourceCache(3, time.Millisecond, nil)
	var calls atomic.Int32
	factory := func(context.Context) (operation.Resource, error) {
		calls.Add(1)
		return &stubResource{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Get(context.Background(), operation.KindLocal, factory)
			assert.NoError(t, err)
			assert.NotNil(t, res)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.Loaded(operation.KindLocal))
	assert.False(t, c.Loaded(operation.KindCloud))
}

func TestResourceCache_ExhaustedAttempts(t *testing.T) {
	c := NewResourceCache(2, time.Millisecond, nil)
	var calls atomic.Int32
	boom := errors.New("no gpu")
	factory := func(context.Context) (operation.Resource, error) {
		calls.Add(1)
		return nil, boom
	}

	_, err := c.Get(context.Background(), operation.KindLocal, factory)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResourceInit)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, c.Loaded(operation.KindLocal))
}

func TestResourceCache_NilFactoryAndClose(t *testing.T) {
	c := NewResourceCache(1, 0, nil)

	res, err := c.Get(context.Background(), operation.KindCloud, nil)
	require.NoError(t, err)
	assert.Nil(t, res)

	stub := &stubResource{}
	_, err = c.Get(context.Background(), operation.KindSim, func(context.Context) (operation.Resource, error) {
		return stub, nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, stub.closed.Load())
	assert.False(t, c.Loaded(operation.KindSim))
}
