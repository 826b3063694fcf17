// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "time"

// AttemptOutcome is the classified result of one model call attempt.
type AttemptOutcome string

const (
	OutcomeSuccess       AttemptOutcome = "success"
	OutcomeTimeout       AttemptOutcome = "timeout"
	OutcomeRateLimited   AttemptOutcome = "rate_limited"
	OutcomeProviderError AttemptOutcome = "provider_error"
	OutcomeAuthError     AttemptOutcome = "auth_error"
	OutcomeParseError    AttemptOutcome = "parse_error"
	OutcomeCircuitOpen   AttemptOutcome = "circuit_open"
)

// Attempt is the ledger's view of one model call attempt. Attempts are
// immutable once recorded; the attempt ID makes recording idempotent.
type Attempt struct {
	ID              string         // Unique per attempt (retries get new IDs)
	SessionID       string
	Stage           int            // 1, 2 or 3
	Provider        string         // "anthropic", "openai", "gemini"
	Model           string         // Provider-specific model id
	AttemptNumber   int            // 0 = first try against this model
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
	CostMillicents  int64
	Outcome         AttemptOutcome
	StartedAt       time.Time
	CompletedAt     time.Time
}

// StageUsage is the per-stage aggregate inside a UsageRecord.
type StageUsage struct {
	Stage           int   `json:"stage"`
	Calls           int   `json:"calls"`
	Failures        int   `json:"failures"`
	InputTokens     int   `json:"input_tokens"`
	OutputTokens    int   `json:"output_tokens"`
	CacheReadTokens int   `json:"cache_read_tokens"`
	CostMillicents  int64 `json:"cost_millicents"`
}

// UsageRecord is the per-session aggregate. It is created empty when the
// session opens, incremented by each recorded attempt, and finalized
// write-once when the session reaches a terminal state.
type UsageRecord struct {
	SessionID       string       `json:"session_id"`
	Stages          []StageUsage `json:"stages"`
	InputTokens     int          `json:"input_tokens"`
	OutputTokens    int          `json:"output_tokens"`
	CacheReadTokens int          `json:"cache_read_tokens"`
	TotalTokens     int          `json:"total_tokens"`
	CostMillicents  int64        `json:"cost_millicents"`
	OpenedAt        time.Time    `json:"opened_at"`
	FinalizedAt     time.Time    `json:"finalized_at"`
}

// Sink receives finalized usage records for persistence. Implementations
// must tolerate being called from the session goroutine; failures are the
// caller's to log, never to fail the session over.
type Sink interface {
	SaveUsageRecord(record *UsageRecord) error
}
