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

package council

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"axonflow/council/common/usage"
	"axonflow/council/orchestrator/breaker"
	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/llm/sdk"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// AttemptState is the per-call state machine. A call walks its fallback
// chain one model at a time; within a model it may retry once before
// falling back.
type AttemptState string

const (
	StateNotStarted  AttemptState = "not_started"
	StateTrying      AttemptState = "trying"
	StateRetrying    AttemptState = "retrying"
	StateFallingBack AttemptState = "falling_back"
	StateSucceeded   AttemptState = "succeeded"
	StateExhausted   AttemptState = "exhausted"
)

// DispatcherConfig tunes per-call behavior.
type DispatcherConfig struct {
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration

	// MaxRetries is the number of same-model retries after the first
	// attempt fails with a retryable error.
	MaxRetries int

	// Retry provides the jittered backoff schedule between retries.
	Retry sdk.RetryConfig
}

// DefaultDispatcherConfig returns the default dispatch tuning.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		CallTimeout: 45 * time.Second,
		MaxRetries:  1,
		Retry:       *sdk.DefaultRetryConfig(),
	}
}

// CallSpec describes one logical model call: a role's fallback chain, the
// request, and an optional per-token callback for streaming.
type CallSpec struct {
	SessionID string
	Stage     int
	Role      roster.Role
	Chain     []roster.ModelRef
	Request   llm.CompletionRequest

	// OnToken, when set, receives streamed token chunks tagged with the
	// model key. Tokens arrive in order for a given model.
	OnToken func(model, text string)
}

// CallResult is the outcome of a successful logical call.
type CallResult struct {
	// Ref is the model that produced the answer.
	Ref roster.ModelRef

	// Response is the winning attempt's completion.
	Response *llm.CompletionResponse

	// State is the terminal state (succeeded).
	State AttemptState

	// Transitions records the state machine path for observability.
	Transitions []AttemptState

	// Tried lists the model keys attempted, in order.
	Tried []string

	// FromCache marks answers served from the completion cache.
	FromCache bool
}

// Dispatcher executes logical model calls: breaker gating, per-attempt
// timeout, one jittered same-model retry, then fallback down the chain.
// Every attempt, successful or not, is recorded in the usage ledger.
type Dispatcher struct {
	clients  *llm.ClientSet
	breakers *breaker.Registry
	ledger   *usage.Ledger
	cache    *CompletionCache // nil disables caching
	log      *logger.Logger
	config   DispatcherConfig

	// newID generates attempt ids; replaceable in tests.
	newID func() string
}

// NewDispatcher creates a dispatcher. cache may be nil.
func NewDispatcher(clients *llm.ClientSet, breakers *breaker.Registry, ledger *usage.Ledger, cache *CompletionCache, log *logger.Logger, config DispatcherConfig) *Dispatcher {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultDispatcherConfig().CallTimeout
	}
	if config.Retry.RetryIf == nil {
		config.Retry = *sdk.DefaultRetryConfig()
	}
	return &Dispatcher{
		clients:  clients,
		breakers: breakers,
		ledger:   ledger,
		cache:    cache,
		log:      log,
		config:   config,
		newID:    uuid.NewString,
	}
}

// Call walks the chain until an attempt succeeds or the chain is exhausted.
//
// Policy: a breaker-open model is skipped without a network call; a
// retryable failure earns one same-model retry with jittered backoff; an
// auth error is surfaced immediately as a configuration fault and is never
// retried.
func (d *Dispatcher) Call(ctx context.Context, spec CallSpec) (*CallResult, error) {
	transitions := []AttemptState{StateNotStarted}
	tried := make([]string, 0, len(spec.Chain))
	var lastErr error

	for i, ref := range spec.Chain {
		key := ref.Key()

		// A cached completion needs no network call, so it is served
		// before breaker admission: a hit must not consume (or heal) a
		// half-open probe, and an open circuit must not block it.
		if hit, ok := d.tryCache(ctx, spec, ref); ok {
			tried = append(tried, key)
			hit.Transitions = append(transitions, StateTrying, StateSucceeded)
			hit.Tried = tried
			return hit, nil
		}

		if err := d.breakers.Allow(key); err != nil {
			// Refused without a network call.
			d.recordAttempt(spec, ref, 0, llm.UsageStats{}, usage.OutcomeCircuitOpen, time.Now(), time.Now())
			d.log.Warn(spec.SessionID, "", "circuit open, skipping model", map[string]any{
				"model": key,
				"stage": spec.Stage,
			})
			lastErr = err
			tried = append(tried, key)
			transitions = append(transitions, StateFallingBack)
			continue
		}

		tried = append(tried, key)

		for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
			if attempt == 0 {
				transitions = append(transitions, StateTrying)
			} else {
				// The previous failure may have been the one that
				// tripped the breaker (failures from other sessions
				// count toward the same window), so a retry must
				// re-qualify before touching the network.
				if berr := d.breakers.Allow(key); berr != nil {
					d.recordAttempt(spec, ref, attempt, llm.UsageStats{}, usage.OutcomeCircuitOpen, time.Now(), time.Now())
					d.log.Warn(spec.SessionID, "", "circuit opened mid-call, abandoning retry", map[string]any{
						"model": key,
						"stage": spec.Stage,
					})
					lastErr = berr
					break
				}
				transitions = append(transitions, StateRetrying)
			}

			resp, err := d.attempt(ctx, spec, ref, attempt)
			if err == nil {
				d.breakers.RecordSuccess(key)
				d.storeCache(ctx, spec, ref, resp)
				transitions = append(transitions, StateSucceeded)
				return &CallResult{
					Ref:         ref,
					Response:    resp,
					State:       StateSucceeded,
					Transitions: transitions,
					Tried:       tried,
				}, nil
			}

			lastErr = err
			d.breakers.RecordFailure(key)

			kind := llm.Classify(err)
			if kind == llm.KindAuthError {
				// Configuration fault: surface immediately.
				transitions = append(transitions, StateExhausted)
				return nil, err
			}
			if ctx.Err() != nil {
				// Session or stage cancelled; stop walking the chain.
				return nil, lastErr
			}
			if attempt >= d.config.MaxRetries {
				break
			}

			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(d.config.Retry.Backoff(attempt)):
			}
		}

		if i < len(spec.Chain)-1 {
			transitions = append(transitions, StateFallingBack)
			d.log.Info(spec.SessionID, "", "falling back to next model", map[string]any{
				"failed_model": key,
				"next_model":   spec.Chain[i+1].Key(),
				"stage":        spec.Stage,
			})
		}
	}

	return nil, &FallbackExhaustedError{
		Role:    spec.Role,
		Stage:   spec.Stage,
		Tried:   tried,
		LastErr: lastErr,
	}
}

// attempt executes one network attempt against one model and records it in
// the ledger.
func (d *Dispatcher) attempt(ctx context.Context, spec CallSpec, ref roster.ModelRef, attemptNumber int) (*llm.CompletionResponse, error) {
	provider, err := d.clients.Client(ref.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	req := spec.Request
	req.Model = ref.Model

	started := time.Now()
	var resp *llm.CompletionResponse
	var streamedChars int
	if spec.OnToken != nil && provider.SupportsStreaming() {
		key := ref.Key()
		resp, err = provider.CompleteStream(callCtx, req, func(chunk llm.StreamChunk) error {
			if chunk.Type == "content" && chunk.Content != "" {
				streamedChars += len(chunk.Content)
				spec.OnToken(key, chunk.Content)
			}
			return nil
		})
	} else {
		resp, err = provider.Complete(callCtx, req)
	}
	completed := time.Now()

	if err != nil {
		// A broken call never reports usage, but tokens already streamed
		// were consumed and billed; estimate them from the received text
		// rather than dropping them from the record.
		stats := llm.UsageStats{}
		if streamedChars > 0 {
			stats.OutputTokens = llm.EstimateTokens(streamedChars)
			stats.TotalTokens = stats.OutputTokens
		}
		d.recordAttempt(spec, ref, attemptNumber, stats, outcomeFromKind(llm.Classify(err)), started, completed)
		return nil, err
	}

	d.recordAttempt(spec, ref, attemptNumber, resp.Usage, usage.OutcomeSuccess, started, completed)
	return resp, nil
}

// tryCache serves a cache-eligible call from the completion cache. A hit
// records an attempt whose input cost is cache-read tokens only.
func (d *Dispatcher) tryCache(ctx context.Context, spec CallSpec, ref roster.ModelRef) (*CallResult, bool) {
	if d.cache == nil || !ref.CacheEligible {
		return nil, false
	}

	entry, ok := d.cache.Get(ctx, ref, spec.Request)
	if !ok {
		return nil, false
	}

	now := time.Now()
	stats := llm.UsageStats{
		CacheReadTokens: entry.InputTokens,
		OutputTokens:    entry.OutputTokens,
		TotalTokens:     entry.InputTokens + entry.OutputTokens,
	}
	d.recordCachedAttempt(spec, ref, stats, now)

	if spec.OnToken != nil {
		spec.OnToken(ref.Key(), entry.Content)
	}

	return &CallResult{
		Ref: ref,
		Response: &llm.CompletionResponse{
			Content: entry.Content,
			Model:   ref.Model,
			Usage:   stats,
		},
		State:     StateSucceeded,
		FromCache: true,
	}, true
}

// storeCache writes a fresh completion back to the cache, best effort.
func (d *Dispatcher) storeCache(ctx context.Context, spec CallSpec, ref roster.ModelRef, resp *llm.CompletionResponse) {
	if d.cache == nil || !ref.CacheEligible || resp == nil {
		return
	}
	if err := d.cache.Put(ctx, ref, spec.Request, resp); err != nil {
		d.log.Warn(spec.SessionID, "", "completion cache write failed", map[string]any{
			"model": ref.Key(),
			"error": err.Error(),
		})
	}
}

// recordAttempt accounts one attempt in the usage ledger. Ledger errors are
// logged, never propagated: accounting must not fail a live call.
func (d *Dispatcher) recordAttempt(spec CallSpec, ref roster.ModelRef, attemptNumber int, stats llm.UsageStats, outcome usage.AttemptOutcome, started, completed time.Time) {
	cost := usage.CalculateCost(ref.PriceInPer1K, ref.PriceOutPer1K, stats.InputTokens, stats.OutputTokens, stats.CacheReadTokens)
	if ref.PriceInPer1K == 0 && ref.PriceOutPer1K == 0 {
		// Roster files may omit prices; fall back to the built-in table.
		cost = usage.CalculateCostFor(ref.Provider, ref.Model, stats.InputTokens, stats.OutputTokens, stats.CacheReadTokens)
	}

	err := d.ledger.Record(usage.Attempt{
		ID:              d.newID(),
		SessionID:       spec.SessionID,
		Stage:           spec.Stage,
		Provider:        ref.Provider,
		Model:           ref.Model,
		AttemptNumber:   attemptNumber,
		InputTokens:     stats.InputTokens,
		OutputTokens:    stats.OutputTokens,
		CacheReadTokens: stats.CacheReadTokens,
		CostMillicents:  cost,
		Outcome:         outcome,
		StartedAt:       started,
		CompletedAt:     completed,
	})
	if err != nil {
		var le *usage.LedgerError
		if errors.As(err, &le) {
			d.log.Error(spec.SessionID, "", "failed to record attempt", map[string]any{
				"code":  le.Code,
				"model": ref.Key(),
			})
		}
	}
}

// recordCachedAttempt accounts a cache hit: no provider charge, cache-read
// tokens only.
func (d *Dispatcher) recordCachedAttempt(spec CallSpec, ref roster.ModelRef, stats llm.UsageStats, now time.Time) {
	err := d.ledger.Record(usage.Attempt{
		ID:              d.newID(),
		SessionID:       spec.SessionID,
		Stage:           spec.Stage,
		Provider:        ref.Provider,
		Model:           ref.Model,
		CacheReadTokens: stats.CacheReadTokens,
		OutputTokens:    stats.OutputTokens,
		Outcome:         usage.OutcomeSuccess,
		StartedAt:       now,
		CompletedAt:     now,
	})
	if err != nil {
		d.log.Error(spec.SessionID, "", "failed to record cached attempt", map[string]any{
			"model": ref.Key(),
		})
	}
}

// outcomeFromKind maps an error classification to a ledger outcome.
func outcomeFromKind(kind llm.ErrorKind) usage.AttemptOutcome {
	switch kind {
	case llm.KindTimeout:
		return usage.OutcomeTimeout
	case llm.KindRateLimited:
		return usage.OutcomeRateLimited
	case llm.KindAuthError:
		return usage.OutcomeAuthError
	default:
		return usage.OutcomeProviderError
	}
}
