package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
)

const (
	testTimeout  = 5 * time.Second
	blockedDelay = 50 * time.Millisecond
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

type acquisition struct {
	release func()
	err     error
}

func acquireAsync(ctx context.Context, g Gate, weight int64) <-chan acquisition {
	result := make(chan acquisition, 1)
	go func() {
		release, err := g.Acquire(ctx, weight)
		result <- acquisition{release: release, err: err}
	}()
	return result
}

func awaitGranted(t *testing.T, result <-chan acquisition) func() {
	t.Helper()
	select {
	case a := <-result:
		require.NoError(t, a.err)
		return a.release
	case <-time.After(testTimeout):
		t.Fatalf("acquisition did not complete")
		return nil
	}
}

func assertBlocked(t *testing.T, result <-chan acquisition) {
	t.Helper()
	select {
	case a := <-result:
		t.Fatalf("expected acquisition to block but it returned %v", a.err)
	case <-time.After(blockedDelay):
	}
}

func TestNew_InvalidLimits(t *testing.T) {
	tests := map[string]func() error{
		"zero limit": func() error {
			_, err := NewCounting(0)
			return err
		},
		"negative limit": func() error {
			_, err := NewCounting(-1)
			return err
		},
		"zero capacity": func() error {
			_, err := NewSized(0)
			return err
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc()
			assert.True(t, ingesterrors.IsInvalidArgument(err), "unexpected error %v", err)
		})
	}
}

func TestSized_BlocksUntilWeightFits(t *testing.T) {
	ctx := testContext(t)
	g, err := NewSized(100)
	require.NoError(t, err)

	releaseFirst, err := g.Acquire(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60), g.InUse())

	second := acquireAsync(ctx, g, 50)
	assertBlocked(t, second)

	releaseFirst()
	releaseSecond := awaitGranted(t, second)
	assert.Equal(t, int64(50), g.InUse())
	releaseSecond()
	assert.Equal(t, int64(0), g.InUse())
}

func TestSized_WeightAboveCapacityIsRejected(t *testing.T) {
	ctx := testContext(t)
	g, err := NewSized(100)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, 101)
	assert.True(t, ingesterrors.IsInvalidArgument(err))
	_, err = g.Acquire(ctx, -1)
	assert.True(t, ingesterrors.IsInvalidArgument(err))
	_, ok := g.TryAcquire(101)
	assert.False(t, ok)
	assert.Equal(t, int64(0), g.InUse())

	release, err := g.Acquire(ctx, 100)
	require.NoError(t, err)
	release()
}

func TestCounting_BoundsConcurrency(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(3)
	require.NoError(t, err)

	var current, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(ctx, g, 1, func(context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int32(3))
	assert.Equal(t, int64(0), g.InUse())
}

func TestCounting_CancelledWaitTakesNothing(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(1)
	require.NoError(t, err)

	release, err := Enter(ctx, g)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, blockedDelay)
	defer cancel()
	_, err = Enter(waitCtx, g)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), g.InUse())

	release()
	release()
	assert.Equal(t, int64(0), g.InUse())
	next, ok := g.TryAcquire(1)
	require.True(t, ok)
	next()
}

func TestToggle_DisabledGrantsImmediately(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(1)
	require.NoError(t, err)
	toggle := NewToggle(g, true)
	assert.False(t, toggle.Disabled())

	require.NoError(t, toggle.Disable(ctx))
	assert.True(t, toggle.Disabled())

	// More holders than the limit, none touching the wrapped gate.
	var releases []func()
	for i := 0; i < 5; i++ {
		release, err := toggle.Acquire(ctx, 1)
		require.NoError(t, err)
		releases = append(releases, release)
	}
	assert.Equal(t, int64(0), g.InUse())
	for _, release := range releases {
		release()
	}

	require.NoError(t, toggle.Enable(ctx))
	release, err := toggle.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.InUse())
	assertBlocked(t, acquireAsync(ctx, toggle, 1))
	release()
}

func TestToggle_ChangingStatePassesThroughGate(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(1)
	require.NoError(t, err)
	toggle := NewToggle(g, true)

	release, err := toggle.Acquire(ctx, 1)
	require.NoError(t, err)

	disabled := make(chan error, 1)
	go func() { disabled <- toggle.Disable(ctx) }()
	select {
	case err := <-disabled:
		t.Fatalf("disable should wait for the gate but returned %v", err)
	case <-time.After(blockedDelay):
	}
	assert.False(t, toggle.Disabled())

	release()
	require.NoError(t, <-disabled)
	assert.True(t, toggle.Disabled())
	assert.Equal(t, int64(0), g.InUse())
}

func TestToggle_ReleaseAfterDisableReturnsWeight(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(2)
	require.NoError(t, err)
	toggle := NewToggle(g, true)

	release, err := toggle.Acquire(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, toggle.Disable(ctx))
	release()
	assert.Equal(t, int64(0), g.InUse())
}

func TestToggle_StartsDisabled(t *testing.T) {
	g, err := NewSized(10)
	require.NoError(t, err)
	toggle := NewToggle(g, false)
	assert.True(t, toggle.Disabled())
	assert.Equal(t, int64(10), toggle.Capacity())

	// Even an oversize request is granted when admission control is off.
	release, err := toggle.Acquire(testContext(t), 1000)
	require.NoError(t, err)
	release()
}

func TestToggle_ConcurrentToggling(t *testing.T) {
	ctx := testContext(t)
	g, err := NewCounting(2)
	require.NoError(t, err)
	toggle := NewToggle(g, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, With(ctx, toggle, 1, func(context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			}))
		}()
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, toggle.Disable(ctx))
			} else {
				assert.NoError(t, toggle.Enable(ctx))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), g.InUse())
}
