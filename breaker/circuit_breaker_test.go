package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := New()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := New()
		executed := false

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after consecutive failure threshold and fast-fails without invoking", func(t *testing.T) {
		cb := New(WithFailureThreshold(5), WithTimeout(time.Minute))

		for i := 0; i < 5; i++ {
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				return errors.New("boom")
			})
			assert.Error(t, err)
		}
		assert.Equal(t, StateOpen, cb.State())

		invoked := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, invoked)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.True(t, cbErr.NextRetry.After(time.Now()))
	})

	t.Run("transitions to half-open after timeout and executes", func(t *testing.T) {
		cb := New(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(80 * time.Millisecond)

		executed := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("closes after success threshold in half-open", func(t *testing.T) {
		cb := New(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		time.Sleep(80 * time.Millisecond)

		for i := 0; i < 2; i++ {
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				return nil
			})
			assert.NoError(t, err)
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("single failure in half-open reopens the circuit", func(t *testing.T) {
		cb := New(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		time.Sleep(80 * time.Millisecond)

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("still broken")
		})
		assert.Error(t, err)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("trips on window error rate with sufficient volume", func(t *testing.T) {
		cb := New(
			WithFailureThreshold(100), // unreachable, force the rate condition
			WithVolumeThreshold(10),
			WithErrorPercentage(0.5),
			WithWindowSize(time.Minute),
		)

		// Alternate failure/success so consecutive failures never accumulate
		for i := 0; i < 12; i++ {
			i := i
			cb.Execute(context.Background(), func(ctx context.Context) error {
				if i%2 == 0 {
					return errors.New("boom")
				}
				return nil
			})
		}
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("fallback resolves open-circuit rejections", func(t *testing.T) {
		fallbackCalled := false
		cb := New(
			WithFailureThreshold(1),
			WithTimeout(time.Minute),
			WithFallback(func(ctx context.Context, cause error) error {
				fallbackCalled = true
				assert.True(t, IsOpen(cause))
				return nil
			}),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, fallbackCalled)
	})

	t.Run("call timeout bounds the operation", func(t *testing.T) {
		cb := New(WithCallTimeout(30 * time.Millisecond))

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("reset forces closed with cleared counters", func(t *testing.T) {
		cb := New(WithFailureThreshold(1))

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		assert.Equal(t, StateOpen, cb.State())

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		m := cb.Metrics()
		assert.Equal(t, 0, m.ConsecutiveFailures)
		assert.Equal(t, 0, m.WindowCalls)
	})

	t.Run("notifies listeners on state change", func(t *testing.T) {
		cb := New(WithFailureThreshold(1))

		var mu sync.Mutex
		var transitions []State
		done := make(chan struct{})
		cb.AddListener(StateChangeFunc(func(name string, from, to State, reason string) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
			close(done)
		}))

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("listener not notified")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []State{StateOpen}, transitions)
	})

	t.Run("context cancellation short-circuits execution", func(t *testing.T) {
		cb := New()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, func(ctx context.Context) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent execution is safe", func(t *testing.T) {
		cb := New(WithFailureThreshold(1000), WithVolumeThreshold(0))

		var wg sync.WaitGroup
		var failures, successes int32
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := cb.Execute(context.Background(), func(ctx context.Context) error {
					if i%3 == 0 {
						return errors.New("boom")
					}
					return nil
				})
				if err != nil {
					atomic.AddInt32(&failures, 1)
				} else {
					atomic.AddInt32(&successes, 1)
				}
			}(i)
		}
		wg.Wait()

		m := cb.Metrics()
		assert.Equal(t, int64(100), m.TotalRequests)
		assert.Equal(t, int64(atomic.LoadInt32(&failures)), m.TotalFailures)
		assert.Equal(t, int64(atomic.LoadInt32(&successes)), m.TotalSuccesses)
	})

	t.Run("never open and half-open at once", func(t *testing.T) {
		cb := New(WithFailureThreshold(1), WithTimeout(10*time.Millisecond))

		for i := 0; i < 20; i++ {
			cb.Execute(context.Background(), func(ctx context.Context) error {
				return errors.New("boom")
			})
			s := cb.State()
			assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, s)
			time.Sleep(2 * time.Millisecond)
		}
	})
}

func TestCircuitBreakerProbe(t *testing.T) {
	t.Run("probe success counts as synthetic success", func(t *testing.T) {
		var probeRuns int32
		cb := New(
			WithFailureThreshold(1),
			WithSuccessThreshold(1),
			WithTimeout(30*time.Millisecond),
			WithProbe(func(ctx context.Context) error {
				atomic.AddInt32(&probeRuns, 1)
				return nil
			}),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(60 * time.Millisecond)

		// First call after the timeout enters half-open and kicks off the probe
		cb.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&probeRuns) > 0
		}, time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			return cb.State() == StateClosed
		}, time.Second, 10*time.Millisecond)
	})
}

func TestGroup(t *testing.T) {
	t.Run("creates breakers lazily per key", func(t *testing.T) {
		g := NewGroup(WithFailureThreshold(2))

		a := g.Get("svc-a")
		b := g.Get("svc-b")
		assert.NotSame(t, a, b)
		assert.Same(t, a, g.Get("svc-a"))
	})

	t.Run("keys trip independently", func(t *testing.T) {
		g := NewGroup(WithFailureThreshold(1), WithTimeout(time.Minute))

		g.Execute(context.Background(), "bad", func(ctx context.Context) error {
			return errors.New("boom")
		})
		err := g.Execute(context.Background(), "good", func(ctx context.Context) error {
			return nil
		})

		assert.NoError(t, err)
		states := g.States()
		assert.Equal(t, StateOpen, states["bad"])
		assert.Equal(t, StateClosed, states["good"])
	})

	t.Run("grouped breakers evict their windows in the background", func(t *testing.T) {
		g := NewGroup(
			WithFailureThreshold(100),
			WithWindowSize(20*time.Millisecond),
			WithEvictInterval(10*time.Millisecond),
		)
		defer g.Stop()

		g.Execute(context.Background(), "svc", func(ctx context.Context) error {
			return errors.New("boom")
		})
		require.Equal(t, 1, g.Get("svc").Metrics().WindowCalls)

		// No further calls: only the eviction loop can drain the window
		assert.Eventually(t, func() bool {
			return g.Get("svc").Metrics().WindowCalls == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("reset by key", func(t *testing.T) {
		g := NewGroup(WithFailureThreshold(1))

		g.Execute(context.Background(), "svc", func(ctx context.Context) error {
			return errors.New("boom")
		})
		assert.Equal(t, StateOpen, g.Get("svc").State())

		g.Reset("svc")
		assert.Equal(t, StateClosed, g.Get("svc").State())
	})

	t.Run("concurrent Get returns one breaker per key", func(t *testing.T) {
		g := NewGroup()

		var wg sync.WaitGroup
		results := make([]*CircuitBreaker, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = g.Get("same")
			}(i)
		}
		wg.Wait()

		for i := 1; i < 50; i++ {
			assert.Same(t, results[0], results[i])
		}
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func BenchmarkCircuitBreaker(b *testing.B) {
	cb := New()
	ctx := context.Background()

	b.Run("successful execution", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, func(ctx context.Context) error {
				return nil
			})
		}
	})

	b.Run("open rejection", func(b *testing.B) {
		cb := New(WithFailureThreshold(1), WithTimeout(time.Hour))
		cb.Execute(ctx, func(ctx context.Context) error {
			return errors.New("boom")
		})
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, func(ctx context.Context) error {
				return nil
			})
		}
	})
}
