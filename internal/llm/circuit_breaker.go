package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// CircuitBreakerConfig tunes the breaker in front of the reranking model
type CircuitBreakerConfig struct {
	MaxRequests   uint32        // probes let through while half-open
	Interval      time.Duration // closed-state window after which counts reset
	Timeout       time.Duration // open duration before the first probe
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultCircuitBreakerConfig trips on five straight failures, or on 60% of at least three calls
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		if counts.Requests < 3 {
			return false
		}
		return counts.ConsecutiveFailures >= 5 ||
			float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
	},
}

// CircuitBreakerClient sheds rerank calls while the provider is failing, so resolution
// falls back to recall-only candidates without waiting on timeouts
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClient wraps client. With no OnStateChange in config, transitions are
// logged through logger when one is given.
func NewCircuitBreakerClient(client Client, name string, config CircuitBreakerConfig, logger *observability.Logger) *CircuitBreakerClient {
	onStateChange := config.OnStateChange
	if onStateChange == nil && logger != nil {
		onStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "LLM circuit breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}

	return &CircuitBreakerClient{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:          name,
			MaxRequests:   config.MaxRequests,
			Interval:      config.Interval,
			Timeout:       config.Timeout,
			ReadyToTrip:   config.ReadyToTrip,
			OnStateChange: onStateChange,
			IsSuccessful:  countsAsHealthy,
		}),
	}
}

// countsAsHealthy keeps caller-side failures out of the breaker's counts: a cancelled
// request or a rejected prompt says nothing about the provider's health
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary() && apiErr.StatusCode < 500
	}
	return false
}

// Complete forwards to the wrapped client unless the breaker is open
func (cb *CircuitBreakerClient) Complete(ctx context.Context, prompt string) (*Completion, error) {
	out, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.client.Complete(ctx, prompt)
	})
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", cb.breaker.Name(), err)
	}
	return out.(*Completion), nil
}

// State reports the breaker state for health checks
func (cb *CircuitBreakerClient) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current window's counts
func (cb *CircuitBreakerClient) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}
