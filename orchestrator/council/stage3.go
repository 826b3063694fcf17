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

	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// Stage3Config tunes the synthesis stage.
type Stage3Config struct {
	// Ceiling is the stage wall-clock limit.
	Ceiling time.Duration

	// MaxTokens bounds the synthesized answer.
	MaxTokens int
}

// Stage3Coordinator dispatches the single chairman call and streams the
// synthesis to the caller.
type Stage3Coordinator struct {
	dispatcher *Dispatcher
	log        *logger.Logger
	config     Stage3Config
}

// NewStage3Coordinator creates the synthesis coordinator.
func NewStage3Coordinator(dispatcher *Dispatcher, log *logger.Logger, config Stage3Config) *Stage3Coordinator {
	return &Stage3Coordinator{dispatcher: dispatcher, log: log, config: config}
}

// Run executes the chairman call against its fallback chain. On total
// exhaustion the error propagates and the session fails; earlier stage
// results stay attached to the terminal event.
func (c *Stage3Coordinator) Run(ctx context.Context, session *DeliberationSession, stage1, stage2 *StageResult, chain []roster.ModelRef, em *emitter) (*StageResult, error) {
	started := time.Now()
	em.emit(Event{Type: EventStageStarted, Stage: 3})

	stageCtx, cancel := context.WithTimeout(ctx, c.config.Ceiling)
	defer cancel()

	req := llm.CompletionRequest{
		Prompt:       buildSynthesisPrompt(session.Question, session.Context, stage1.Answers, stage2.Ranking, stage2.Degraded),
		SystemPrompt: chairmanSystemPrompt,
		MaxTokens:    c.config.MaxTokens,
		Stream:       true,
	}

	result, err := c.dispatcher.Call(stageCtx, CallSpec{
		SessionID: session.ID,
		Stage:     3,
		Role:      roster.RoleChairman,
		Chain:     chain,
		Request:   req,
		OnToken: func(model, text string) {
			em.emit(Event{Type: EventModelToken, Stage: 3, Model: model, Text: text})
		},
	})
	if err != nil {
		em.emit(Event{
			Type:      EventModelFailed,
			Stage:     3,
			Model:     chain[0].Key(),
			ErrorKind: errKindString(stageCtx, err),
		})
		return nil, err
	}

	em.emit(Event{
		Type:   EventModelComplete,
		Stage:  3,
		Model:  result.Ref.Key(),
		Answer: result.Response.Content,
		Usage:  &result.Response.Usage,
	})

	stageResult := &StageResult{
		Stage:       3,
		Synthesis:   result.Response.Content,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	em.emit(Event{Type: EventStageComplete, Stage: 3, Result: stageResult})
	return stageResult, nil
}
