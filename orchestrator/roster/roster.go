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

// Package roster maps deliberation roles to ordered model fallback chains.
//
// A role ("expert", "reviewer", "chairman") resolves to an ordered list of
// provider/model references; earlier entries are preferred, later entries are
// fallbacks used when a model is failing or its breaker is open. The table is
// read-mostly: it is loaded once at startup (built-in defaults or a YAML
// file) and optionally re-read on a TTL.
package roster

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Role identifies a position a model can be resolved for within a
// deliberation session.
type Role string

const (
	// RoleExpert models answer the question directly in the first stage.
	RoleExpert Role = "expert"

	// RoleReviewer models rank the expert answers in the second stage.
	RoleReviewer Role = "reviewer"

	// RoleChairman is the single synthesis model for the final stage.
	RoleChairman Role = "chairman"
)

// ModelRef is one entry in a role's fallback chain.
type ModelRef struct {
	// Provider is the registered provider client name ("anthropic",
	// "openai", "gemini").
	Provider string `yaml:"provider" json:"provider"`

	// Model is the provider-specific model identifier.
	Model string `yaml:"model" json:"model"`

	// PriceInPer1K is the input token price in millicents per 1K tokens
	// ($0.003/1K = 300). Integer units avoid floating point drift in the
	// ledger.
	PriceInPer1K int64 `yaml:"price_in_per_1k" json:"price_in_per_1k"`

	// PriceOutPer1K is the output token price in millicents per 1K tokens.
	PriceOutPer1K int64 `yaml:"price_out_per_1k" json:"price_out_per_1k"`

	// CacheEligible marks models whose completions may be served from
	// the completion cache.
	CacheEligible bool `yaml:"cache_eligible" json:"cache_eligible"`
}

// Key returns the process-wide identity of the model, used by the breaker
// registry and the usage ledger.
func (m ModelRef) Key() string {
	return m.Provider + "/" + m.Model
}

// Error codes for roster operations.
const (
	ErrUnknownRole   = "UNKNOWN_ROLE"
	ErrUnknownModel  = "UNKNOWN_MODEL"
	ErrInvalidConfig = "INVALID_CONFIG"
)

// RosterError represents a roster operation failure with a machine-readable
// code.
type RosterError struct {
	Code    string
	Role    Role
	Message string
}

// Error implements the error interface.
func (e *RosterError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("roster error [%s] role=%s: %s", e.Code, e.Role, e.Message)
	}
	return fmt.Sprintf("roster error [%s]: %s", e.Code, e.Message)
}

// Roster is the role → fallback chain table.
//
// All methods are safe for concurrent use.
type Roster struct {
	mu       sync.RWMutex
	chains   map[Role][]ModelRef
	loadedAt time.Time

	// reload configuration, immutable after New
	source func() (map[Role][]ModelRef, error)
	ttl    time.Duration
}

// Option configures a Roster.
type Option func(*Roster)

// WithSource sets a reloadable chain source. The source is invoked on
// construction and again whenever the TTL has elapsed.
func WithSource(source func() (map[Role][]ModelRef, error)) Option {
	return func(r *Roster) {
		r.source = source
	}
}

// WithFile sets a YAML roster file as the chain source.
func WithFile(path string) Option {
	return WithSource(func() (map[Role][]ModelRef, error) {
		return loadFile(path)
	})
}

// WithTTL enables periodic re-reads of the source. Zero disables reloading.
func WithTTL(ttl time.Duration) Option {
	return func(r *Roster) {
		r.ttl = ttl
	}
}

// New creates a roster. Without options it carries the built-in default
// chains.
func New(opts ...Option) (*Roster, error) {
	r := &Roster{}
	for _, opt := range opts {
		opt(r)
	}

	if r.source == nil {
		r.chains = defaultChains()
		r.loadedAt = time.Now()
		return r, nil
	}

	chains, err := r.source()
	if err != nil {
		return nil, err
	}
	r.chains = chains
	r.loadedAt = time.Now()
	return r, nil
}

// Resolve returns the ordered fallback chain for a role. The returned slice
// is a copy; callers may reorder or truncate it freely.
func (r *Roster) Resolve(role Role) ([]ModelRef, error) {
	r.maybeReload()

	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, ok := r.chains[role]
	if !ok || len(chain) == 0 {
		return nil, &RosterError{
			Code:    ErrUnknownRole,
			Role:    role,
			Message: "no models configured for role",
		}
	}

	out := make([]ModelRef, len(chain))
	copy(out, chain)
	return out, nil
}

// Pin resolves explicit model keys ("provider/model"), bypassing role
// resolution. Every pinned key must exist somewhere in the table so that
// pricing and cache-eligibility metadata is known.
func (r *Roster) Pin(keys []string) ([]ModelRef, error) {
	r.maybeReload()

	r.mu.RLock()
	defer r.mu.RUnlock()

	index := make(map[string]ModelRef)
	for _, chain := range r.chains {
		for _, ref := range chain {
			index[ref.Key()] = ref
		}
	}

	out := make([]ModelRef, 0, len(keys))
	for _, key := range keys {
		ref, ok := index[key]
		if !ok {
			return nil, &RosterError{
				Code:    ErrUnknownModel,
				Message: fmt.Sprintf("pinned model %q is not in the roster", key),
			}
		}
		out = append(out, ref)
	}
	return out, nil
}

// Roles returns the configured roles and their chains, as copies. Used by
// the model status endpoint.
func (r *Roster) Roles() map[Role][]ModelRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Role][]ModelRef, len(r.chains))
	for role, chain := range r.chains {
		cp := make([]ModelRef, len(chain))
		copy(cp, chain)
		out[role] = cp
	}
	return out
}

// maybeReload re-reads the source when the TTL has elapsed. A failed reload
// keeps the previous table; the table is never left empty.
func (r *Roster) maybeReload() {
	if r.source == nil || r.ttl <= 0 {
		return
	}

	r.mu.RLock()
	expired := time.Since(r.loadedAt) >= r.ttl
	r.mu.RUnlock()
	if !expired {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.loadedAt) < r.ttl {
		return
	}

	chains, err := r.source()
	if err == nil && len(chains) > 0 {
		r.chains = chains
	}
	r.loadedAt = time.Now()
}

// rosterFile is the YAML document shape.
type rosterFile struct {
	Roles map[string][]ModelRef `yaml:"roles"`
}

func loadFile(path string) (map[Role][]ModelRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RosterError{
			Code:    ErrInvalidConfig,
			Message: fmt.Sprintf("failed to read roster file: %v", err),
		}
	}

	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &RosterError{
			Code:    ErrInvalidConfig,
			Message: fmt.Sprintf("failed to parse roster file: %v", err),
		}
	}
	if len(doc.Roles) == 0 {
		return nil, &RosterError{
			Code:    ErrInvalidConfig,
			Message: "roster file defines no roles",
		}
	}

	chains := make(map[Role][]ModelRef, len(doc.Roles))
	for name, chain := range doc.Roles {
		for _, ref := range chain {
			if ref.Provider == "" || ref.Model == "" {
				return nil, &RosterError{
					Code:    ErrInvalidConfig,
					Role:    Role(name),
					Message: "chain entries require provider and model",
				}
			}
		}
		chains[Role(name)] = chain
	}
	return chains, nil
}

// defaultChains is the built-in roster used when no file is configured.
// Prices are millicents per 1K tokens, as of mid-2025 price sheets.
func defaultChains() map[Role][]ModelRef {
	return map[Role][]ModelRef{
		RoleExpert: {
			{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", PriceInPer1K: 300, PriceOutPer1K: 1500, CacheEligible: true},
			{Provider: "openai", Model: "gpt-4o", PriceInPer1K: 250, PriceOutPer1K: 1000, CacheEligible: true},
			{Provider: "gemini", Model: "gemini-2.0-flash", PriceInPer1K: 10, PriceOutPer1K: 40},
			{Provider: "openai", Model: "gpt-4o-mini", PriceInPer1K: 15, PriceOutPer1K: 60, CacheEligible: true},
			{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", PriceInPer1K: 80, PriceOutPer1K: 400, CacheEligible: true},
			{Provider: "gemini", Model: "gemini-1.5-pro", PriceInPer1K: 125, PriceOutPer1K: 500},
			{Provider: "anthropic", Model: "claude-3-7-sonnet-20250219", PriceInPer1K: 300, PriceOutPer1K: 1500, CacheEligible: true},
		},
		RoleReviewer: {
			{Provider: "openai", Model: "gpt-4o-mini", PriceInPer1K: 15, PriceOutPer1K: 60, CacheEligible: true},
			{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", PriceInPer1K: 80, PriceOutPer1K: 400, CacheEligible: true},
			{Provider: "gemini", Model: "gemini-2.0-flash", PriceInPer1K: 10, PriceOutPer1K: 40},
			{Provider: "gemini", Model: "gemini-1.5-flash", PriceInPer1K: 8, PriceOutPer1K: 30},
		},
		RoleChairman: {
			{Provider: "anthropic", Model: "claude-3-7-sonnet-20250219", PriceInPer1K: 300, PriceOutPer1K: 1500, CacheEligible: true},
			{Provider: "openai", Model: "gpt-4o", PriceInPer1K: 250, PriceOutPer1K: 1000, CacheEligible: true},
			{Provider: "gemini", Model: "gemini-1.5-pro", PriceInPer1K: 125, PriceOutPer1K: 500},
		},
	}
}
