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
	"sync"
	"time"

	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// scripted is one model's scripted behavior: the outcome of call n is
// outcomes[min(n, len-1)].
type scripted struct {
	outcomes []scriptedOutcome
}

type scriptedOutcome struct {
	content string
	usage   llm.UsageStats
	err     error

	// delay defers the outcome; a cancelled context wins the wait.
	delay time.Duration

	// partial is streamed as a content chunk before err is returned.
	partial string
}

func succeed(content string, in, out int) scriptedOutcome {
	return scriptedOutcome{
		content: content,
		usage:   llm.UsageStats{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

func succeedAfter(d time.Duration, content string, in, out int) scriptedOutcome {
	o := succeed(content, in, out)
	o.delay = d
	return o
}

func failWith(err error) scriptedOutcome {
	return scriptedOutcome{err: err}
}

func failStreaming(partial string, err error) scriptedOutcome {
	return scriptedOutcome{partial: partial, err: err}
}

// mockProvider implements llm.Provider with per-model scripts and
// invocation counters.
type mockProvider struct {
	name    string
	scripts map[string]*scripted

	mu    sync.Mutex
	calls map[string]int
}

func newMockProvider(name string, scripts map[string]*scripted) *mockProvider {
	return &mockProvider{
		name:    name,
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

func (m *mockProvider) Name() string            { return m.name }
func (m *mockProvider) Type() llm.ProviderType  { return llm.ProviderTypeCustom }
func (m *mockProvider) SupportsStreaming() bool { return true }

// invocations returns how many network calls the model received.
func (m *mockProvider) invocations(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

func (m *mockProvider) next(model string) scriptedOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.calls[model]
	m.calls[model] = n + 1

	s, ok := m.scripts[model]
	if !ok || len(s.outcomes) == 0 {
		return failWith(llm.NewProviderError(m.name, model, 500, "unscripted model"))
	}
	if n >= len(s.outcomes) {
		n = len(s.outcomes) - 1
	}
	return s.outcomes[n]
}

// wait honors a scripted delay, losing to context cancellation.
func (o scriptedOutcome) wait(ctx context.Context) error {
	if o.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.delay):
		return nil
	}
}

func (m *mockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := m.next(req.Model)
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	return &llm.CompletionResponse{Content: o.content, Model: req.Model, Usage: o.usage}, nil
}

func (m *mockProvider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := m.next(req.Model)
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	if o.err != nil {
		if handler != nil && o.partial != "" {
			if herr := handler(llm.StreamChunk{Type: "content", Content: o.partial}); herr != nil {
				return nil, herr
			}
		}
		return nil, o.err
	}
	if handler != nil {
		// Split into two chunks to exercise per-model token ordering.
		half := len(o.content) / 2
		for _, part := range []string{o.content[:half], o.content[half:]} {
			if part == "" {
				continue
			}
			if err := handler(llm.StreamChunk{Type: "content", Content: part}); err != nil {
				return nil, err
			}
		}
		if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{Content: o.content, Model: req.Model, Usage: o.usage}, nil
}

// refs builds a fallback chain of mock model refs.
func refs(models ...string) []roster.ModelRef {
	out := make([]roster.ModelRef, len(models))
	for i, m := range models {
		out[i] = roster.ModelRef{Provider: "mock", Model: m, PriceInPer1K: 100, PriceOutPer1K: 200}
	}
	return out
}

// testChains builds a roster source with mock chains per role.
func testChains(experts, reviewers, chairmen []string) func() (map[roster.Role][]roster.ModelRef, error) {
	return func() (map[roster.Role][]roster.ModelRef, error) {
		return map[roster.Role][]roster.ModelRef{
			roster.RoleExpert:   refs(experts...),
			roster.RoleReviewer: refs(reviewers...),
			roster.RoleChairman: refs(chairmen...),
		}, nil
	}
}

func testLogger() *logger.Logger {
	return logger.New("council-test")
}
