package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownState indicates the breaker reached an undefined state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError is the synthetic rejection returned when a call is
// blocked by an open or saturated half-open circuit. It is distinct from the
// underlying failure that opened the circuit.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial call limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %v", e.Name, e.State)
	}
}

// IsOpen reports whether err is a circuit breaker rejection
func IsOpen(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
