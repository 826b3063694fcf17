// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	// Example: "anthropic", "openai-backup"
	Name() string

	// Type returns the provider type (e.g., "anthropic", "openai", "gemini").
	// This identifies the underlying implementation.
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStream generates a streaming completion.
	// The handler is called for each chunk received.
	// Returns the final aggregated response.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)

	// SupportsStreaming indicates if the provider supports streaming responses.
	SupportsStreaming() bool
}

// ClientSet is a thread-safe registry of provider instances keyed by
// provider id. The dispatch path resolves a provider before every call.
type ClientSet struct {
	clients map[string]Provider
	mu      sync.RWMutex
}

// NewClientSet creates an empty client set.
func NewClientSet() *ClientSet {
	return &ClientSet{clients: make(map[string]Provider)}
}

// Register adds a provider instance under its Name().
// Registering the same name twice returns an error.
func (s *ClientSet) Register(p Provider) error {
	if p == nil {
		return &ClientError{Code: ErrClientInvalid, Message: "provider cannot be nil"}
	}
	name := p.Name()
	if name == "" {
		return &ClientError{Code: ErrClientInvalid, Message: "provider name is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[name]; exists {
		return &ClientError{
			ProviderName: name,
			Code:         ErrClientDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", name),
		}
	}
	s.clients[name] = p
	return nil
}

// Client resolves a provider instance by name.
func (s *ClientSet) Client(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.clients[name]
	if !ok {
		return nil, &ClientError{
			ProviderName: name,
			Code:         ErrClientNotFound,
			Message:      fmt.Sprintf("provider %q not found", name),
		}
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (s *ClientSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered providers.
func (s *ClientSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ClientError represents an error from client set operations.
type ClientError struct {
	ProviderName string
	Code         string
	Message      string
}

// Client set error codes.
const (
	// ErrClientNotFound indicates the provider was not found.
	ErrClientNotFound = "client_not_found"

	// ErrClientDuplicate indicates a provider with that name exists.
	ErrClientDuplicate = "client_duplicate"

	// ErrClientInvalid indicates an invalid registration.
	ErrClientInvalid = "client_invalid"
)

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.ProviderName != "" {
		return fmt.Sprintf("client error for %q: %s", e.ProviderName, e.Message)
	}
	return fmt.Sprintf("client error: %s", e.Message)
}
