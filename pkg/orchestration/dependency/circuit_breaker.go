/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dependency provides a lightweight, rate-based circuit breaker,
// distinct from the per-downstream-service breakers in pkg/breaker, which
// wrap gobreaker and guard the actual operation being resiliently executed.
// No other package in this module imports it; it is a standalone breaker
// exercised by its own tests.
package dependency

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the dependency breaker's state.
type CircuitState int

const (
	CircuitStateClosed CircuitState = iota
	CircuitStateOpen
	CircuitStateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitStateOpen:
		return "open"
	case CircuitStateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// minRequestsForThreshold is the minimum sample size before a failure rate
// is trusted to trip the breaker; below this, a handful of early failures
// would otherwise trip it immediately.
const minRequestsForThreshold = 5

// CircuitBreaker trips OPEN when the failure rate over all calls since the
// last reset meets or exceeds failureThreshold, given at least
// minRequestsForThreshold calls.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold float64
	resetTimeout     time.Duration

	state           CircuitState
	requests        int64
	failures        int64
	stateChangeTime time.Time
}

// NewCircuitBreaker builds a CircuitBreaker in the CLOSED state.
func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitStateClosed,
		stateChangeTime:  time.Now(),
	}
}

func (c *CircuitBreaker) GetName() string                    { return c.name }
func (c *CircuitBreaker) GetFailureThreshold() float64        { return c.failureThreshold }
func (c *CircuitBreaker) GetResetTimeout() time.Duration      { return c.resetTimeout }

func (c *CircuitBreaker) GetState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) GetFailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests == 0 {
		return 0.0
	}
	return float64(c.failures) / float64(c.requests)
}

func (c *CircuitBreaker) GetFailures() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *CircuitBreaker) setState(s CircuitState) {
	c.state = s
	c.stateChangeTime = time.Now()
}

// Call executes fn if the breaker allows it, recording the outcome. When
// OPEN and the reset timeout hasn't elapsed, fn is never invoked.
func (c *CircuitBreaker) Call(fn func() error) error {
	c.mu.Lock()
	if c.state == CircuitStateOpen {
		if time.Since(c.stateChangeTime) < c.resetTimeout {
			c.mu.Unlock()
			return fmt.Errorf("circuit breaker is open for %s", c.name)
		}
		c.setState(CircuitStateHalfOpen)
	}
	halfOpen := c.state == CircuitStateHalfOpen
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if halfOpen {
		if err != nil {
			c.requests++
			c.failures++
			c.setState(CircuitStateOpen)
			return err
		}
		c.requests = 0
		c.failures = 0
		c.setState(CircuitStateClosed)
		return nil
	}

	c.requests++
	if err != nil {
		c.failures++
	}
	if c.requests >= minRequestsForThreshold && float64(c.failures)/float64(c.requests) >= c.failureThreshold {
		c.setState(CircuitStateOpen)
	}
	return err
}
