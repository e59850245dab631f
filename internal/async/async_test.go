package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolves(t *testing.T) {
	p := NewPool(Config{Workers: 2})
	defer p.Close()

	f, err := Go(p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)

	v, err := f.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel should be closed")
	}

	v, err = f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureCarriesError(t *testing.T) {
	p := NewPool(Config{})
	defer p.Close()

	boom := errors.New("boom")
	f, err := Go(p, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.NoError(t, err)

	_, err = f.Get(time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestGetTimesOutWithoutCancelling(t *testing.T) {
	p := NewPool(Config{})

	release := make(chan struct{})
	var finished atomic.Bool
	f, err := Go(p, func(ctx context.Context) (bool, error) {
		<-release
		finished.Store(ctx.Err() == nil)
		return true, nil
	})
	require.NoError(t, err)

	_, err = f.Get(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := f.Get(time.Second)
	require.NoError(t, err)
	assert.True(t, v)

	p.Close()
	assert.True(t, finished.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	p := NewPool(Config{Workers: workers})
	defer p.Close()

	var running, peak atomic.Int64
	futures := make([]*Future[struct{}], 0, 20)
	for i := 0; i < 20; i++ {
		f, err := Go(p, func(ctx context.Context) (struct{}, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Get(5 * time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestClosedPoolRejectsWork(t *testing.T) {
	p := NewPool(Config{})
	p.Close()
	p.Close()

	_, err := Go(p, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPanicResolvesWithError(t *testing.T) {
	p := NewPool(Config{})
	defer p.Close()

	f, err := Go(p, func(ctx context.Context) (int, error) {
		panic("unexpected")
	})
	require.NoError(t, err)
	_, err = f.Get(time.Second)
	assert.Error(t, err)
}

func TestResolved(t *testing.T) {
	f := Resolved("ready", nil)
	v, err := f.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}
