package warehouse

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// CircuitBreakerConfig defines circuit breaker configuration for the warehouse
type CircuitBreakerConfig struct {
	MaxRequests   uint32        // Max requests allowed in half-open state
	Interval      time.Duration // Window for counting failures
	Timeout       time.Duration // Duration circuit stays open before trying recovery
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures or a 60% failure ratio
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && (counts.ConsecutiveFailures >= 5 || failureRatio >= 0.6)
	},
}

// CircuitBreakerExecutor wraps an executor with circuit breaker protection. Firewall
// rejections and cancellations are not counted as backend failures.
type CircuitBreakerExecutor struct {
	executor Executor
	breaker  *gobreaker.CircuitBreaker
}

// NewCircuitBreakerExecutor creates a circuit breaker wrapped executor
func NewCircuitBreakerExecutor(executor Executor, name string, config CircuitBreakerConfig, logger *observability.Logger) *CircuitBreakerExecutor {
	onStateChange := config.OnStateChange
	if onStateChange == nil && logger != nil {
		onStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(context.Background(), "Circuit breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}

	settings := gobreaker.Settings{
		Name:          name,
		MaxRequests:   config.MaxRequests,
		Interval:      config.Interval,
		Timeout:       config.Timeout,
		ReadyToTrip:   config.ReadyToTrip,
		OnStateChange: onStateChange,
		IsSuccessful: func(err error) bool {
			switch errors.CodeOf(err) {
			case errors.ErrCodeSQLFirewall, errors.ErrCodeRequestCancelled:
				return true
			}
			return err == nil
		},
	}

	return &CircuitBreakerExecutor{
		executor: executor,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute wraps the executor's Execute with circuit breaker protection
func (cb *CircuitBreakerExecutor) Execute(ctx context.Context, query string, params []interface{}) (*Result, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.executor.Execute(ctx, query, params)
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.NewExecutionError(err).WithDetails("The warehouse circuit breaker is open")
	}
	if err != nil {
		return nil, err
	}

	return result.(*Result), nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreakerExecutor) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current failure counts
func (cb *CircuitBreakerExecutor) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}
