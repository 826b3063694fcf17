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
	"sort"
	"time"

	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// Stage2Config tunes the peer review stage.
type Stage2Config struct {
	// Ceiling is the stage wall-clock limit.
	Ceiling time.Duration

	// MaxTokens bounds each review.
	MaxTokens int
}

// Stage2Coordinator runs peer review and ranking aggregation.
//
// The stage cannot fail the session: reviewer call failures and parse
// failures exclude votes; zero usable votes degrades the stage to an
// unranked hand-off.
type Stage2Coordinator struct {
	dispatcher *Dispatcher
	log        *logger.Logger
	config     Stage2Config
}

// NewStage2Coordinator creates the peer review coordinator.
func NewStage2Coordinator(dispatcher *Dispatcher, log *logger.Logger, config Stage2Config) *Stage2Coordinator {
	return &Stage2Coordinator{dispatcher: dispatcher, log: log, config: config}
}

// Skip produces the degraded stage result used when triage skips review.
func (c *Stage2Coordinator) Skip(session *DeliberationSession, stage1 *StageResult, em *emitter) *StageResult {
	now := time.Now()
	assignLabels(stage1.Answers)
	result := &StageResult{
		Stage:          2,
		Degraded:       true,
		DegradedReason: "review skipped by triage",
		StartedAt:      now,
		CompletedAt:    now,
	}
	em.emit(Event{Type: EventStageStarted, Stage: 2})
	em.emit(Event{Type: EventStageComplete, Stage: 2, Result: result})
	return result
}

// Run dispatches all reviewers concurrently against the labeled stage 1
// answers and aggregates the parsed votes into a consensus ordering.
func (c *Stage2Coordinator) Run(ctx context.Context, session *DeliberationSession, stage1 *StageResult, slots []expertSlot, em *emitter) *StageResult {
	started := time.Now()
	em.emit(Event{Type: EventStageStarted, Stage: 2})

	stageCtx, cancel := context.WithTimeout(ctx, c.config.Ceiling)
	defer cancel()

	labels := assignLabels(stage1.Answers)
	req := llm.CompletionRequest{
		Prompt:       buildReviewPrompt(session.Question, stage1.Answers),
		SystemPrompt: reviewerSystemPrompt,
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
				Stage:     2,
				Role:      roster.RoleReviewer,
				Chain:     slot.chain,
				Request:   req,
				OnToken: func(model, text string) {
					producer <- Event{Type: EventModelToken, Stage: 2, Model: model, Text: text}
				},
			})

			if err != nil {
				producer <- Event{
					Type:      EventModelFailed,
					Stage:     2,
					Model:     slot.chain[0].Key(),
					ErrorKind: errKindString(stageCtx, err),
				}
			} else {
				producer <- Event{
					Type:   EventModelComplete,
					Stage:  2,
					Model:  result.Ref.Key(),
					Answer: result.Response.Content,
					Usage:  &result.Response.Usage,
				}
			}
			outcomes <- slotOutcome{index: slot.index, result: result, err: err}
		}(slot, producer)
	}

	for ev := range fanIn(producers) {
		em.emit(ev)
	}

	result := &StageResult{
		Stage:     2,
		Failed:    make(map[string]string),
		StartedAt: started,
	}
	for range slots {
		o := <-outcomes
		if o.err != nil {
			key := slots[o.index].chain[0].Key()
			result.Failed[key] = errKindString(stageCtx, o.err)
			continue
		}

		review := Review{Reviewer: o.result.Ref.Key()}
		ranking, err := ParseRanking(review.Reviewer, o.result.Response.Content, labels)
		if err != nil {
			// Vote excluded, stage continues.
			review.ParseError = err.Error()
			c.log.Warn(session.ID, "", "reviewer vote excluded", map[string]any{
				"reviewer": review.Reviewer,
				"error":    err.Error(),
			})
		} else {
			review.Ranking = ranking
			review.Justification = justification(o.result.Response.Content)
		}
		result.Reviews = append(result.Reviews, review)
	}

	// Deterministic review order regardless of completion order.
	sort.Slice(result.Reviews, func(i, j int) bool {
		return result.Reviews[i].Reviewer < result.Reviews[j].Reviewer
	})

	result.Ranking = AggregateRankings(stage1.Answers, result.Reviews)
	if len(result.Ranking) == 0 {
		result.Degraded = true
		result.DegradedReason = "no reviewer produced a parseable ranking"
		c.log.Warn(session.ID, "", "review stage degraded, continuing unranked", nil)
	}
	result.CompletedAt = time.Now()

	em.emit(Event{Type: EventStageComplete, Stage: 2, Result: result})
	return result
}

// assignLabels gives each answer its opaque reviewer-facing label, in
// dispatch order, and returns the label set.
func assignLabels(answers []ModelAnswer) []string {
	labels := make([]string, len(answers))
	for i := range answers {
		answers[i].Label = answerLabel(i)
		labels[i] = answers[i].Label
	}
	return labels
}
