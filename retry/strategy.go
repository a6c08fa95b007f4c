package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy maps a retry attempt to a wait duration. Implementations are pure
// except Decorrelated, which derives its delay from the previous one.
type Strategy interface {
	// Delay returns the wait before the given attempt (1-based). prev is the
	// delay used before the previous attempt, zero on the first retry.
	Delay(attempt int, prev time.Duration) time.Duration
	Name() string
}

// Exponential doubles the base delay per attempt, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int, _ time.Duration) time.Duration {
	delay := e.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

func (e Exponential) Name() string { return "exponential" }

// Linear grows the delay proportionally to the attempt number.
type Linear struct {
	Base time.Duration
}

func (l Linear) Delay(attempt int, _ time.Duration) time.Duration {
	return l.Base * time.Duration(attempt)
}

func (l Linear) Name() string { return "linear" }

// Fixed waits the same base delay before every attempt.
type Fixed struct {
	Base time.Duration
}

func (f Fixed) Delay(_ int, _ time.Duration) time.Duration {
	return f.Base
}

func (f Fixed) Name() string { return "fixed" }

// Fibonacci scales the base delay by the Fibonacci number of the attempt,
// memoizing the sequence across calls.
type Fibonacci struct {
	Base time.Duration
	Max  time.Duration

	mu   sync.Mutex
	memo []int64
}

func (f *Fibonacci) Delay(attempt int, _ time.Duration) time.Duration {
	delay := f.Base * time.Duration(f.fib(attempt))
	if f.Max > 0 && delay > f.Max {
		return f.Max
	}
	return delay
}

func (f *Fibonacci) fib(n int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.memo) == 0 {
		f.memo = []int64{1, 1}
	}
	for len(f.memo) < n {
		f.memo = append(f.memo, f.memo[len(f.memo)-1]+f.memo[len(f.memo)-2])
	}
	if n < 1 {
		return 1
	}
	return f.memo[n-1]
}

func (f *Fibonacci) Name() string { return "fibonacci" }

// Decorrelated implements decorrelated jitter: each delay is drawn uniformly
// between the base and three times the previous delay, capped at Max. It
// desynchronizes correlated retry storms across clients.
type Decorrelated struct {
	Base time.Duration
	Max  time.Duration
}

func (d Decorrelated) Delay(_ int, prev time.Duration) time.Duration {
	if prev < d.Base {
		prev = d.Base
	}
	spread := 3 * prev
	delay := d.Base + time.Duration(rand.Int63n(int64(spread-d.Base)+1))
	if d.Max > 0 && delay > d.Max {
		return d.Max
	}
	return delay
}

func (d Decorrelated) Name() string { return "decorrelated" }

// applyJitter spreads delay symmetrically by ±delay×factor, floored at zero.
// Decorrelated carries its own randomness and is never jittered again.
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * factor
	jittered := float64(delay) + (rand.Float64()*2-1)*spread
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}
