// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package council

import (
	"sync"
	"time"

	"axonflow/council/common/usage"
	"axonflow/council/orchestrator/llm"
)

// EventType tags events on the session stream.
type EventType string

const (
	// EventStageStarted marks the beginning of a stage.
	EventStageStarted EventType = "stage_started"

	// EventModelToken carries one streamed token chunk from one model.
	// Token order is preserved per model; across models there is no
	// ordering guarantee.
	EventModelToken EventType = "model_token"

	// EventModelComplete marks one model's final answer within a stage.
	EventModelComplete EventType = "model_complete"

	// EventModelFailed marks a model that exhausted its retry/fallback
	// chain within a stage.
	EventModelFailed EventType = "model_failed"

	// EventStageComplete carries the finalized result of a stage.
	EventStageComplete EventType = "stage_complete"

	// EventSessionComplete is the terminal success event.
	EventSessionComplete EventType = "session_complete"

	// EventSessionFailed is the terminal failure event. Partial stage
	// results computed before the failure are attached.
	EventSessionFailed EventType = "session_failed"
)

// Event is one entry on the session's outward stream. Exactly one of the
// payload fields is populated depending on Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Stage is set for stage-scoped events (1, 2 or 3).
	Stage int `json:"stage,omitempty"`

	// Model is the model key ("provider/model") for model-scoped events.
	Model string `json:"model,omitempty"`

	// Text is the token chunk for model_token events.
	Text string `json:"text,omitempty"`

	// Answer and Usage are set on model_complete.
	Answer string          `json:"answer,omitempty"`
	Usage  *llm.UsageStats `json:"usage,omitempty"`

	// ErrorKind is set on model_failed.
	ErrorKind string `json:"error_kind,omitempty"`

	// Result is set on stage_complete.
	Result *StageResult `json:"result,omitempty"`

	// FinalAnswer and UsageRecord are set on session_complete.
	FinalAnswer string             `json:"final_answer,omitempty"`
	UsageRecord *usage.UsageRecord `json:"usage_record,omitempty"`

	// Reason is set on session_failed, alongside any partial results.
	Reason  string         `json:"reason,omitempty"`
	Partial []*StageResult `json:"partial,omitempty"`
}

// emitter serializes event delivery from concurrent model calls onto one
// sink channel. It never blocks past context cancellation: once the session
// context is gone, events are dropped rather than wedging producers.
type emitter struct {
	sessionID string
	sink      chan<- Event
	done      <-chan struct{}
	now       func() time.Time

	mu     sync.Mutex
	closed bool
}

func newEmitter(sessionID string, sink chan<- Event, done <-chan struct{}) *emitter {
	return &emitter{
		sessionID: sessionID,
		sink:      sink,
		done:      done,
		now:       time.Now,
	}
}

// emit delivers one event to the sink, stamping session id and time.
func (e *emitter) emit(ev Event) {
	ev.SessionID = e.sessionID
	ev.Timestamp = e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.sink <- ev:
	case <-e.done:
	}
}

// close marks the emitter closed and closes the sink. Events emitted after
// close are dropped; the terminal event must be the last one emitted.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.sink)
}

// fanIn merges per-model producer channels into one ordered-per-producer
// stream. The returned channel closes when every producer has closed.
func fanIn(producers []<-chan Event) <-chan Event {
	out := make(chan Event, 16)
	var wg sync.WaitGroup
	wg.Add(len(producers))
	for _, p := range producers {
		go func(p <-chan Event) {
			defer wg.Done()
			for ev := range p {
				out <- ev
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
