package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestAggregation(t *testing.T) {
	results := func(statuses ...Status) map[string]CheckResult {
		m := make(map[string]CheckResult, len(statuses))
		for i, s := range statuses {
			m[string(rune('a'+i))] = CheckResult{Status: s}
		}
		return m
	}

	t.Run("Worst reports most severe status", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, aggregate(Worst, results(StatusHealthy, StatusHealthy), nil))
		assert.Equal(t, StatusDegraded, aggregate(Worst, results(StatusHealthy, StatusDegraded), nil))
		assert.Equal(t, StatusUnhealthy, aggregate(Worst, results(StatusHealthy, StatusDegraded, StatusUnhealthy), nil))
		assert.Equal(t, StatusUnknown, aggregate(Worst, results(StatusHealthy, StatusUnknown), nil))
	})

	t.Run("One unhealthy among three healthy is unhealthy", func(t *testing.T) {
		r := results(StatusHealthy, StatusHealthy, StatusHealthy, StatusUnhealthy)
		assert.Equal(t, StatusUnhealthy, aggregate(Worst, r, nil))
	})

	t.Run("Empty result set is unknown", func(t *testing.T) {
		assert.Equal(t, StatusUnknown, aggregate(Worst, nil, nil))
	})

	t.Run("Weighted maps average onto thresholds", func(t *testing.T) {
		// All healthy: avg 1.0 -> healthy
		assert.Equal(t, StatusHealthy, aggregate(Weighted, results(StatusHealthy, StatusHealthy), nil))
		// One healthy one degraded: avg 0.75 -> degraded
		assert.Equal(t, StatusDegraded, aggregate(Weighted, results(StatusHealthy, StatusDegraded), nil))
		// One healthy one unhealthy: avg 0.5 -> degraded
		assert.Equal(t, StatusDegraded, aggregate(Weighted, results(StatusHealthy, StatusUnhealthy), nil))
		// All unhealthy: avg 0 -> unhealthy
		assert.Equal(t, StatusUnhealthy, aggregate(Weighted, results(StatusUnhealthy, StatusUnhealthy), nil))
	})

	t.Run("Weighted respects per-check weights", func(t *testing.T) {
		r := map[string]CheckResult{
			"core":  {Status: StatusUnhealthy},
			"extra": {Status: StatusHealthy},
		}
		// Heavy core failure drags the average below 0.5
		w := map[string]float64{"core": 9.0, "extra": 1.0}
		assert.Equal(t, StatusUnhealthy, aggregate(Weighted, r, w))
		// Light core failure barely registers
		w = map[string]float64{"core": 0.1, "extra": 9.9}
		assert.Equal(t, StatusHealthy, aggregate(Weighted, r, w))
	})

	t.Run("Majority wins with strict majority", func(t *testing.T) {
		r := results(StatusHealthy, StatusHealthy, StatusUnhealthy)
		assert.Equal(t, StatusHealthy, aggregate(Majority, r, nil))
	})

	t.Run("Majority tie falls back to worst", func(t *testing.T) {
		r := results(StatusHealthy, StatusUnhealthy)
		assert.Equal(t, StatusUnhealthy, aggregate(Majority, r, nil))
	})
}

func TestServiceScheduling(t *testing.T) {
	ctx := context.Background()

	t.Run("Checks run on their own timers", func(t *testing.T) {
		var runs int32
		svc := NewService(WithDefaultInterval(10 * time.Millisecond))
		svc.Register(NewSimpleChecker("counting", func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}))

		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&runs) >= 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, StatusHealthy, svc.Overall().Status)
	})

	t.Run("Register while running schedules immediately", func(t *testing.T) {
		var runs int32
		svc := NewService(WithDefaultInterval(time.Hour))
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		svc.Register(NewSimpleChecker("late", func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}))

		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&runs) >= 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Check timeout bounds the probe", func(t *testing.T) {
		svc := NewService()
		svc.Register(NewSimpleChecker("slow", func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		}), WithCheckTimeout(10*time.Millisecond))

		overall := svc.RunAll(ctx)
		assert.Equal(t, StatusUnhealthy, overall.Status)
		assert.Contains(t, overall.Checks["slow"].Error, "deadline")
	})

	t.Run("Start twice fails", func(t *testing.T) {
		svc := NewService(WithDefaultInterval(time.Hour))
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()
		assert.Error(t, svc.Start(ctx))
	})
}

func TestServiceAggregation(t *testing.T) {
	ctx := context.Background()

	t.Run("Worst strategy surfaces single failing check", func(t *testing.T) {
		svc := NewService(WithStrategy(Worst))
		svc.Register(staticChecker("a", StatusHealthy))
		svc.Register(staticChecker("b", StatusHealthy))
		svc.Register(staticChecker("c", StatusHealthy))
		svc.Register(staticChecker("d", StatusUnhealthy))

		overall := svc.RunAll(ctx)
		assert.Equal(t, StatusUnhealthy, overall.Status)
		assert.Len(t, overall.Checks, 4)
	})

	t.Run("Subscribers fire on status transitions", func(t *testing.T) {
		type transition struct{ from, to Status }
		changes := make(chan transition, 10)

		failing := atomic.Bool{}
		svc := NewService(
			OnStatusChange(func(old, new Status, overall Overall) {
				changes <- transition{old, new}
			}),
		)
		svc.Register(NewSimpleChecker("flappy", func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("down")
			}
			return nil
		}))

		svc.RunAll(ctx)
		select {
		case tr := <-changes:
			assert.Equal(t, StatusUnknown, tr.from)
			assert.Equal(t, StatusHealthy, tr.to)
		default:
			t.Fatal("expected initial transition")
		}

		failing.Store(true)
		svc.RunAll(ctx)
		select {
		case tr := <-changes:
			assert.Equal(t, StatusHealthy, tr.from)
			assert.Equal(t, StatusUnhealthy, tr.to)
		default:
			t.Fatal("expected degradation transition")
		}

		// Repeated failure does not renotify
		svc.RunAll(ctx)
		select {
		case tr := <-changes:
			t.Fatalf("unexpected transition %v", tr)
		default:
		}
	})

	t.Run("Uptime and last healthy are tracked", func(t *testing.T) {
		svc := NewService(WithDefaultInterval(time.Hour))
		svc.Register(staticChecker("ok", StatusHealthy))
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		assert.Eventually(t, func() bool {
			overall := svc.Overall()
			return overall.Status == StatusHealthy && !overall.LastHealthy.IsZero() && overall.Uptime > 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestServiceCriticalFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Critical handler fires after retry budget", func(t *testing.T) {
		var criticals int32
		svc := NewService(OnCriticalFailure(func(result CheckResult) {
			atomic.AddInt32(&criticals, 1)
		}))
		svc.Register(staticChecker("vital", StatusUnhealthy),
			WithCritical(), WithRetries(2))

		// Three failures: tolerated, tolerated, critical
		svc.RunAll(ctx)
		svc.RunAll(ctx)
		assert.Equal(t, int32(0), atomic.LoadInt32(&criticals))
		svc.RunAll(ctx)
		assert.Equal(t, int32(1), atomic.LoadInt32(&criticals))
	})

	t.Run("Non-critical checks never fire the handler", func(t *testing.T) {
		var criticals int32
		svc := NewService(OnCriticalFailure(func(result CheckResult) {
			atomic.AddInt32(&criticals, 1)
		}))
		svc.Register(staticChecker("optional", StatusUnhealthy), WithRetries(0))

		for i := 0; i < 5; i++ {
			svc.RunAll(ctx)
		}
		assert.Equal(t, int32(0), atomic.LoadInt32(&criticals))
	})

	t.Run("Recovery resets the failure counter", func(t *testing.T) {
		var criticals int32
		failing := atomic.Bool{}
		failing.Store(true)
		svc := NewService(OnCriticalFailure(func(result CheckResult) {
			atomic.AddInt32(&criticals, 1)
		}))
		svc.Register(NewSimpleChecker("recovering", func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("down")
			}
			return nil
		}), WithCritical(), WithRetries(2))

		svc.RunAll(ctx)
		svc.RunAll(ctx)
		failing.Store(false)
		svc.RunAll(ctx)
		failing.Store(true)
		svc.RunAll(ctx)
		svc.RunAll(ctx)

		assert.Equal(t, int32(0), atomic.LoadInt32(&criticals))
	})
}

func TestServiceAutoRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("Degradation triggers immediate re-run of failing checks", func(t *testing.T) {
		var runs int32
		failOnce := atomic.Bool{}
		failOnce.Store(true)
		svc := NewService(WithAutoRecovery(), WithDefaultInterval(time.Hour))
		svc.Register(NewSimpleChecker("transient", func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			if failOnce.Load() {
				failOnce.Store(false)
				return errors.New("blip")
			}
			return nil
		}))

		svc.RunAll(ctx)

		// The recovery re-run happens without waiting for the hour interval
		assert.Eventually(t, func() bool {
			return svc.Overall().Status == StatusHealthy
		}, time.Second, 5*time.Millisecond)
		assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
	})
}

func TestHTTPHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("Handler reports JSON and status code", func(t *testing.T) {
		svc := NewService()
		svc.Register(staticChecker("ok", StatusHealthy))
		svc.RunAll(ctx)

		handler := NewHandler(svc, time.Second, false)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		assert.Contains(t, rec.Body.String(), `"status": "healthy"`)
	})

	t.Run("Unhealthy aggregate returns 503", func(t *testing.T) {
		svc := NewService()
		svc.Register(staticChecker("down", StatusUnhealthy))

		handler := NewHandler(svc, time.Second, true)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Method other than GET is rejected", func(t *testing.T) {
		handler := NewHandler(NewService(), time.Second, false)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("Readiness follows the aggregate", func(t *testing.T) {
		svc := NewService()
		svc.Register(staticChecker("down", StatusUnhealthy))
		svc.RunAll(ctx)

		rec := httptest.NewRecorder()
		ReadinessHandler(svc)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Liveness always reports alive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
