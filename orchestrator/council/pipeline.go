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
	"time"

	"github.com/google/uuid"

	"axonflow/council/common/usage"
	"axonflow/council/orchestrator/llm/sdk"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// Request is the inbound deliberation request.
type Request struct {
	// SessionID is optional; one is generated when empty.
	SessionID string `json:"session_id,omitempty"`

	// Question is the user's question. Required.
	Question string `json:"question"`

	// Context is pre-assembled supporting text, consumed opaquely.
	Context string `json:"context,omitempty"`

	// CouncilSize overrides the triage-chosen council size, clamped to
	// the configured range.
	CouncilSize int `json:"council_size,omitempty"`

	// PinnedModels bypasses expert role resolution: each entry
	// ("provider/model") becomes one council seat.
	PinnedModels []string `json:"pinned_models,omitempty"`
}

// Store persists terminal session state. Implementations must tolerate
// being called after the event stream has closed.
type Store interface {
	SaveTranscript(ctx context.Context, session *DeliberationSession) error
	SaveUsageRecord(record *usage.UsageRecord) error
}

// Config carries the pipeline tuning knobs.
type Config struct {
	Quorum int
	Triage TriageConfig

	Stage1Ceiling time.Duration
	Stage2Ceiling time.Duration
	Stage3Ceiling time.Duration

	MaxAnswerTokens    int
	MaxReviewTokens    int
	MaxSynthesisTokens int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Quorum:             2,
		Triage:             DefaultTriageConfig(),
		Stage1Ceiling:      90 * time.Second,
		Stage2Ceiling:      60 * time.Second,
		Stage3Ceiling:      120 * time.Second,
		MaxAnswerTokens:    2048,
		MaxReviewTokens:    1024,
		MaxSynthesisTokens: 4096,
	}
}

// Pipeline sequences Triage → Stage 1 → Stage 2 → Stage 3 for each
// session and emits the unified event stream.
type Pipeline struct {
	roster *roster.Roster
	ledger *usage.Ledger
	store  Store // nil disables persistence
	log    *logger.Logger
	config Config

	stage1 *Stage1Coordinator
	stage2 *Stage2Coordinator
	stage3 *Stage3Coordinator

	// persistRetry covers transient store failures; the stream has
	// already been delivered, so retries cost nothing user-visible.
	persistRetry sdk.RetryConfig
}

// NewPipeline wires the pipeline. store may be nil.
func NewPipeline(r *roster.Roster, dispatcher *Dispatcher, ledger *usage.Ledger, store Store, log *logger.Logger, config Config) *Pipeline {
	return &Pipeline{
		roster: r,
		ledger: ledger,
		store:  store,
		log:    log,
		config: config,
		stage1: NewStage1Coordinator(dispatcher, log, Stage1Config{
			Quorum:    config.Quorum,
			Ceiling:   config.Stage1Ceiling,
			MaxTokens: config.MaxAnswerTokens,
		}),
		stage2: NewStage2Coordinator(dispatcher, log, Stage2Config{
			Ceiling:   config.Stage2Ceiling,
			MaxTokens: config.MaxReviewTokens,
		}),
		stage3: NewStage3Coordinator(dispatcher, log, Stage3Config{
			Ceiling:   config.Stage3Ceiling,
			MaxTokens: config.MaxSynthesisTokens,
		}),
		persistRetry: sdk.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.25,
			RetryIf:        func(err error) bool { return err != nil },
		},
	}
}

// Run starts a deliberation session and returns its event stream. The
// channel closes after the terminal event. Cancelling ctx cancels all
// in-flight calls cooperatively; tokens already consumed stay in the
// ledger.
func (p *Pipeline) Run(ctx context.Context, req Request) <-chan Event {
	sink := make(chan Event, 32)
	go p.run(ctx, req, sink)
	return sink
}

func (p *Pipeline) run(ctx context.Context, req Request, sink chan Event) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session := &DeliberationSession{
		ID:        sessionID,
		Question:  req.Question,
		Context:   req.Context,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}

	em := newEmitter(sessionID, sink, ctx.Done())
	defer em.close()

	if req.Question == "" {
		session.Status = StatusFailed
		session.FailureReason = "question is required"
		em.emit(Event{Type: EventSessionFailed, Reason: session.FailureReason})
		return
	}

	if err := p.ledger.Open(sessionID); err != nil {
		p.fail(em, session, nil, "session id already in use")
		return
	}

	triage := Triage(req.Question, req.Context, req.CouncilSize, p.config.Triage)
	session.Triage = &triage
	session.CouncilSize = triage.CouncilSize
	p.log.Info(sessionID, "", "session triaged", map[string]any{
		"score":        triage.Score,
		"council_size": triage.CouncilSize,
		"skip_review":  triage.SkipReview,
	})

	expertSlots, err := p.expertSlots(req, triage)
	if err != nil {
		p.finalizeAndFail(em, session, err.Error())
		return
	}
	session.CouncilSize = len(expertSlots)

	// Stage 1: expert fan-out.
	session.Status = StatusStreaming
	session.Stage = 1
	stage1, err := p.stage1.Run(ctx, session, expertSlots, em)
	session.Stage1 = stage1
	if err != nil {
		p.finalizeAndFail(em, session, err.Error())
		return
	}

	// Stage 2: peer review, or the degraded skip path.
	session.Stage = 2
	var stage2 *StageResult
	if triage.SkipReview {
		stage2 = p.stage2.Skip(session, stage1, em)
	} else {
		reviewerChain, rerr := p.roster.Resolve(roster.RoleReviewer)
		if rerr != nil {
			p.finalizeAndFail(em, session, rerr.Error())
			return
		}
		reviewerSlots := buildExpertSlots(reviewerChain, triage.Reviewers)
		stage2 = p.stage2.Run(ctx, session, stage1, reviewerSlots, em)
	}
	session.Stage2 = stage2

	// Stage 3: synthesis.
	session.Stage = 3
	chairmanChain, err := p.roster.Resolve(roster.RoleChairman)
	if err != nil {
		p.finalizeAndFail(em, session, err.Error())
		return
	}
	stage3, err := p.stage3.Run(ctx, session, stage1, stage2, chairmanChain, em)
	session.Stage3 = stage3
	if err != nil {
		p.finalizeAndFail(em, session, err.Error())
		return
	}

	session.Status = StatusComplete
	if len(stage1.Failed) > 0 || stage2.Degraded {
		session.Status = StatusPartial
	}
	session.CompletedAt = time.Now()

	record, lerr := p.ledger.Finalize(session.ID)
	if lerr != nil {
		p.log.ErrorWithErr(session.ID, "", "failed to finalize usage record", lerr, nil)
	}

	em.emit(Event{
		Type:        EventSessionComplete,
		FinalAnswer: stage3.Synthesis,
		UsageRecord: record,
	})
	p.persist(session, record)

	fields := map[string]any{"status": string(session.Status)}
	if record != nil {
		fields["cost"] = usage.FormatCostToDollars(record.CostMillicents)
	}
	p.log.InfoWithDuration(session.ID, "", "session complete",
		float64(time.Since(session.StartedAt).Milliseconds()), fields)
}

// expertSlots builds the council seats, honoring pinned models.
func (p *Pipeline) expertSlots(req Request, triage TriageDecision) ([]expertSlot, error) {
	expertChain, err := p.roster.Resolve(roster.RoleExpert)
	if err != nil {
		return nil, err
	}

	if len(req.PinnedModels) == 0 {
		return buildExpertSlots(expertChain, triage.CouncilSize), nil
	}

	pins, err := p.roster.Pin(req.PinnedModels)
	if err != nil {
		return nil, err
	}

	// Pinned seats fall back to the role chain, minus the pins
	// themselves.
	pinned := make(map[string]bool, len(pins))
	for _, ref := range pins {
		pinned[ref.Key()] = true
	}
	var tail []roster.ModelRef
	for _, ref := range expertChain {
		if !pinned[ref.Key()] {
			tail = append(tail, ref)
		}
	}

	slots := make([]expertSlot, len(pins))
	for i, ref := range pins {
		chain := make([]roster.ModelRef, 0, 1+len(tail))
		chain = append(chain, ref)
		chain = append(chain, tail...)
		slots[i] = expertSlot{index: i, chain: chain}
	}
	return slots, nil
}

// finalizeAndFail closes the ledger and emits the terminal failure with
// whatever partial results exist.
func (p *Pipeline) finalizeAndFail(em *emitter, session *DeliberationSession, reason string) {
	record, err := p.ledger.Finalize(session.ID)
	if err != nil {
		p.log.ErrorWithErr(session.ID, "", "failed to finalize usage record", err, nil)
	}
	p.fail(em, session, record, reason)
}

func (p *Pipeline) fail(em *emitter, session *DeliberationSession, record *usage.UsageRecord, reason string) {
	session.Status = StatusFailed
	session.FailureReason = reason
	session.CompletedAt = time.Now()

	em.emit(Event{
		Type:        EventSessionFailed,
		Reason:      reason,
		Partial:     session.partials(),
		UsageRecord: record,
	})
	p.persist(session, record)
	p.log.Error(session.ID, "", "session failed", map[string]any{"reason": reason})
}

// persist hands the terminal session to the store. Persistence failures
// are logged, never surfaced: the stream has already been delivered.
func (p *Pipeline) persist(session *DeliberationSession, record *usage.UsageRecord) {
	if p.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := sdk.RetryWithBackoff(ctx, p.persistRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.SaveTranscript(ctx, session)
	})
	if err != nil {
		p.log.ErrorWithErr(session.ID, "", "failed to persist transcript", err, nil)
	}
	if record != nil {
		_, err := sdk.RetryWithBackoff(ctx, p.persistRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.store.SaveUsageRecord(record)
		})
		if err != nil {
			p.log.ErrorWithErr(session.ID, "", "failed to persist usage record", err, nil)
		}
	}
}
