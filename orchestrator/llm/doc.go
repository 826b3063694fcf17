// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package llm provides a unified interface and types for LLM (Large Language
Model) providers. It defines the common abstractions used across all vendor
integrations in the deliberation pipeline, enabling pluggable provider
implementations with normalized request/response shapes, token accounting,
and error classification.

# Provider Interface

Each vendor adapter (anthropic, openai, gemini) implements Provider:

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
	    Prompt:    "What is the capital of France?",
	    MaxTokens: 1024,
	})

Streaming delivers tokens through a handler callback as they arrive and
returns the aggregated final response:

	resp, err := provider.CompleteStream(ctx, req, func(chunk llm.StreamChunk) error {
	    fmt.Print(chunk.Content)
	    return nil
	})

# Error Classification

All transport and API failures are normalized into *ProviderError carrying an
ErrorKind (timeout, rate_limited, provider_error, auth_error). Callers use
Classify to route retry/fallback decisions:

	kind := llm.Classify(err)
	if kind.Retryable() { ... }

auth_error is never retryable; it signals a configuration fault.

# Client Set

ClientSet is a thread-safe registry mapping provider ids to Provider
instances, resolved by the dispatch layer before every call.
*/
package llm
