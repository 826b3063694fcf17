// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker implements per-model circuit breaking.
//
// Breaker state is process-wide: one session's failures against a model are
// visible to every other session using that model. The registry holds one
// breaker per model key with its own lock, so heavy traffic against one
// model never contends with another.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the health state of one model's breaker.
type State string

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = "closed"

	// StateOpen short-circuits all calls until the cooldown elapses.
	StateOpen State = "open"

	// StateHalfOpen permits exactly one in-flight probe call.
	StateHalfOpen State = "half_open"
)

// CircuitOpenError is returned when dispatch to a model is refused.
type CircuitOpenError struct {
	// Model is the refused model key.
	Model string

	// RetryAfter is how long until the breaker will permit a probe.
	// Zero when the breaker is half_open with a probe already in flight.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry after %s", e.Model, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s, probe in flight", e.Model)
}

// Config contains the breaker tuning knobs. These are operational settings,
// not invariants.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker.
	FailureThreshold int

	// Window is the sliding window over which failures are counted.
	Window time.Duration

	// Cooldown is the initial open interval. It doubles on repeated
	// trips up to MaxCooldown.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown.
	MaxCooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      240 * time.Second,
	}
}

// circuit is the per-model state machine. Guarded by its own mutex.
type circuit struct {
	mu            sync.Mutex
	state         State
	failures      []time.Time // failure timestamps within the window
	lastFailure   time.Time
	openUntil     time.Time
	trips         int  // consecutive trips, drives cooldown doubling
	probeInFlight bool // half_open: a probe call is outstanding
}

// Registry holds one circuit per model key.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	config   Config

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = DefaultConfig().MaxCooldown
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		config:   config,
		now:      time.Now,
	}
}

// circuitFor returns the circuit for a model key, creating it closed.
func (r *Registry) circuitFor(model string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[model]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[model]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	r.circuits[model] = c
	return c
}

// Allow reports whether a call to the model may proceed. When the breaker is
// open past its cooldown it transitions to half_open and admits the caller
// as the single probe; concurrent callers during the probe are refused.
func (r *Registry) Allow(model string) error {
	c := r.circuitFor(model)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Before(c.openUntil) {
			return &CircuitOpenError{Model: model, RetryAfter: c.openUntil.Sub(now)}
		}
		// Cooldown elapsed: this caller becomes the probe.
		c.state = StateHalfOpen
		c.probeInFlight = true
		return nil

	case StateHalfOpen:
		if c.probeInFlight {
			return &CircuitOpenError{Model: model}
		}
		c.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess records a successful call outcome for the model.
func (r *Registry) RecordSuccess(model string) {
	c := r.circuitFor(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		// Probe succeeded: full reset.
		c.state = StateClosed
		c.failures = nil
		c.trips = 0
		c.probeInFlight = false
	case StateClosed:
		c.failures = nil
	}
}

// RecordFailure records a failed call outcome for the model. In the closed
// state it may trip the breaker; in half_open it re-opens with a doubled
// cooldown.
func (r *Registry) RecordFailure(model string) {
	c := r.circuitFor(model)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFailure = now

	switch c.state {
	case StateClosed:
		c.failures = append(c.failures, now)
		c.pruneLocked(now, r.config.Window)
		if len(c.failures) >= r.config.FailureThreshold {
			c.tripLocked(now, r.config)
		}

	case StateHalfOpen:
		// Probe failed: back to open with backoff.
		c.probeInFlight = false
		c.tripLocked(now, r.config)

	case StateOpen:
		// Late failure from a call dispatched before the trip. Counted
		// for observability only.
	}
}

// pruneLocked drops failures older than the sliding window.
func (c *circuit) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = kept
}

// tripLocked moves the circuit to open with the current cooldown, doubling
// it for the next trip up to the cap.
func (c *circuit) tripLocked(now time.Time, config Config) {
	cooldown := config.Cooldown
	for i := 0; i < c.trips; i++ {
		cooldown *= 2
		if cooldown >= config.MaxCooldown {
			cooldown = config.MaxCooldown
			break
		}
	}

	c.state = StateOpen
	c.openUntil = now.Add(cooldown)
	c.trips++
	c.failures = nil
}

// ModelState is a point-in-time view of one model's breaker, for the status
// endpoint.
type ModelState struct {
	Model       string    `json:"model"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Trips       int       `json:"trips"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
}

// Snapshot returns the current state of every known circuit.
func (r *Registry) Snapshot() []ModelState {
	r.mu.RLock()
	keys := make([]string, 0, len(r.circuits))
	circuits := make([]*circuit, 0, len(r.circuits))
	for k, c := range r.circuits {
		keys = append(keys, k)
		circuits = append(circuits, c)
	}
	r.mu.RUnlock()

	out := make([]ModelState, 0, len(keys))
	for i, c := range circuits {
		c.mu.Lock()
		out = append(out, ModelState{
			Model:       keys[i],
			State:       c.state,
			Failures:    len(c.failures),
			Trips:       c.trips,
			LastFailure: c.lastFailure,
			OpenUntil:   c.openUntil,
		})
		c.mu.Unlock()
	}
	return out
}

// StateOf returns the current state for one model. Unknown models are
// closed.
func (r *Registry) StateOf(model string) State {
	r.mu.RLock()
	c, ok := r.circuits[model]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
