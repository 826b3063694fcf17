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

	"axonflow/council/orchestrator/breaker"
	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// expertSlot is one seat on the council: a primary model plus its fallback
// tail.
type expertSlot struct {
	index int
	chain []roster.ModelRef
}

// slotOutcome is the terminal result of one expert slot.
type slotOutcome struct {
	index  int
	result *CallResult
	err    error
}

// Stage1Config tunes the expert fan-out stage.
type Stage1Config struct {
	// Quorum is the minimum number of successful experts for the stage
	// to be usable.
	Quorum int

	// Ceiling is the stage wall-clock limit; calls still pending at the
	// ceiling are cancelled and treated as timeouts.
	Ceiling time.Duration

	// MaxTokens bounds each expert answer.
	MaxTokens int
}

// Stage1Coordinator fans the question out to the council.
type Stage1Coordinator struct {
	dispatcher *Dispatcher
	log        *logger.Logger
	config     Stage1Config
}

// NewStage1Coordinator creates the expert fan-out coordinator.
func NewStage1Coordinator(dispatcher *Dispatcher, log *logger.Logger, config Stage1Config) *Stage1Coordinator {
	return &Stage1Coordinator{dispatcher: dispatcher, log: log, config: config}
}

// buildExpertSlots distributes a role chain across N council seats: the
// first N entries are primaries, the remainder is a shared fallback tail.
func buildExpertSlots(chain []roster.ModelRef, n int) []expertSlot {
	if n > len(chain) {
		n = len(chain)
	}
	tail := chain[n:]
	slots := make([]expertSlot, n)
	for i := 0; i < n; i++ {
		c := make([]roster.ModelRef, 0, 1+len(tail))
		c = append(c, chain[i])
		c = append(c, tail...)
		slots[i] = expertSlot{index: i, chain: c}
	}
	return slots
}

// Run dispatches all experts concurrently and multiplexes their token
// streams into the session event stream. The stage completes when every
// slot reaches a terminal outcome; a failed slot does not abort the stage.
// Below quorum the session fails with QuorumNotMetError; the partial stage
// result is still returned.
func (c *Stage1Coordinator) Run(ctx context.Context, session *DeliberationSession, slots []expertSlot, em *emitter) (*StageResult, error) {
	started := time.Now()
	em.emit(Event{Type: EventStageStarted, Stage: 1})

	stageCtx, cancel := context.WithTimeout(ctx, c.config.Ceiling)
	defer cancel()

	req := llm.CompletionRequest{
		Prompt:       buildExpertPrompt(session.Question, session.Context),
		SystemPrompt: expertSystemPrompt,
		MaxTokens:    c.config.MaxTokens,
		Stream:       true,
	}

	producers := make([]<-chan Event, len(slots))
	outcomes := make(chan slotOutcome, len(slots))
	for _, slot := range slots {
		producer := make(chan Event, 16)
		producers[slot.index] = producer

		go func(slot expertSlot, producer chan<- Event) {
			defer close(producer)

			result, err := c.dispatcher.Call(stageCtx, CallSpec{
				SessionID: session.ID,
				Stage:     1,
				Role:      roster.RoleExpert,
				Chain:     slot.chain,
				Request:   req,
				OnToken: func(model, text string) {
					producer <- Event{Type: EventModelToken, Stage: 1, Model: model, Text: text}
				},
			})

			if err != nil {
				producer <- Event{
					Type:      EventModelFailed,
					Stage:     1,
					Model:     slot.chain[0].Key(),
					ErrorKind: errKindString(stageCtx, err),
				}
			} else {
				producer <- Event{
					Type:   EventModelComplete,
					Stage:  1,
					Model:  result.Ref.Key(),
					Answer: result.Response.Content,
					Usage:  &result.Response.Usage,
				}
			}
			outcomes <- slotOutcome{index: slot.index, result: result, err: err}
		}(slot, producer)
	}

	// Forward the merged per-model streams; fan-in closes when every
	// producer has closed, which happens only after its outcome is queued.
	for ev := range fanIn(producers) {
		em.emit(ev)
	}

	results := make([]slotOutcome, len(slots))
	for range slots {
		o := <-outcomes
		results[o.index] = o
	}

	result := &StageResult{
		Stage:     1,
		Failed:    make(map[string]string),
		StartedAt: started,
	}
	for _, o := range results {
		if o.err != nil {
			key := slots[o.index].chain[0].Key()
			result.Failed[key] = errKindString(stageCtx, o.err)
			c.log.Warn(session.ID, "", "expert slot failed", map[string]any{
				"slot":  o.index,
				"model": key,
				"error": o.err.Error(),
			})
			continue
		}
		result.Answers = append(result.Answers, ModelAnswer{
			Model:         o.result.Ref.Key(),
			Answer:        o.result.Response.Content,
			Usage:         o.result.Response.Usage,
			DispatchOrder: o.index,
		})
	}
	result.CompletedAt = time.Now()

	if len(result.Answers) < c.config.Quorum {
		return result, &QuorumNotMetError{
			Dispatched: len(slots),
			Succeeded:  len(result.Answers),
			Quorum:     c.config.Quorum,
		}
	}

	em.emit(Event{Type: EventStageComplete, Stage: 1, Result: result})
	return result, nil
}

// errKindString normalizes a dispatch error for the event stream. Calls
// cancelled by the stage ceiling surface as timeouts.
func errKindString(ctx context.Context, err error) string {
	var coe *breaker.CircuitOpenError
	if errors.As(err, &coe) {
		return "circuit_open"
	}
	if ctx.Err() != nil && llm.Classify(err) == llm.KindProviderError {
		return string(llm.KindTimeout)
	}
	return string(llm.Classify(err))
}
