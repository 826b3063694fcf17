// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package council

import (
	"time"

	"axonflow/council/orchestrator/llm"
)

// SessionStatus is the lifecycle state of a deliberation session.
type SessionStatus string

const (
	// StatusPending: created, no stage dispatched yet.
	StatusPending SessionStatus = "pending"

	// StatusStreaming: at least one stage is in flight.
	StatusStreaming SessionStatus = "streaming"

	// StatusComplete: synthesis delivered with no degradation.
	StatusComplete SessionStatus = "complete"

	// StatusPartial: synthesis delivered, but some experts failed or the
	// review stage degraded.
	StatusPartial SessionStatus = "partial"

	// StatusFailed: a stage-fatal condition terminated the session.
	// Partial stage results remain attached.
	StatusFailed SessionStatus = "failed"
)

// DeliberationSession is one question's full lifecycle. It is owned
// exclusively by the pipeline goroutine running it; it is persisted and
// discarded when the final stream closes.
type DeliberationSession struct {
	ID          string        `json:"id"`
	Question    string        `json:"question"`
	Context     string        `json:"context,omitempty"`
	CouncilSize int           `json:"council_size"`
	Stage       int           `json:"stage"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`

	Triage *TriageDecision `json:"triage,omitempty"`
	Stage1 *StageResult    `json:"stage1,omitempty"`
	Stage2 *StageResult    `json:"stage2,omitempty"`
	Stage3 *StageResult    `json:"stage3,omitempty"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// partials returns the stage results computed so far, for attachment to a
// terminal failure event.
func (s *DeliberationSession) partials() []*StageResult {
	var out []*StageResult
	for _, r := range []*StageResult{s.Stage1, s.Stage2, s.Stage3} {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// ModelAnswer is one expert's final answer in a stage result.
type ModelAnswer struct {
	// Model is the model key ("provider/model") that produced the answer.
	Model string `json:"model"`

	// Label is the opaque identifier shown to reviewers ("Answer A").
	// Assigned by the review stage; empty until then.
	Label string `json:"label,omitempty"`

	// Answer is the full answer text.
	Answer string `json:"answer"`

	// Usage is the token accounting for the winning attempt.
	Usage llm.UsageStats `json:"usage"`

	// DispatchOrder is the answer's position in stage dispatch order.
	// Used as the final ranking tie-break.
	DispatchOrder int `json:"dispatch_order"`
}

// Review is one reviewer's vote in the peer review stage.
type Review struct {
	// Reviewer is the model key that produced the vote.
	Reviewer string `json:"reviewer"`

	// Ranking is the ordered list of answer labels, best first. Empty
	// when the vote failed to parse.
	Ranking []string `json:"ranking,omitempty"`

	// Justification is the reviewer's free-text reasoning.
	Justification string `json:"justification,omitempty"`

	// ParseError is set when the vote was excluded from aggregation.
	ParseError string `json:"parse_error,omitempty"`
}

// RankingScore is the aggregated consensus rank for one expert answer.
type RankingScore struct {
	Model        string  `json:"model"`
	Label        string  `json:"label"`
	MeanRank     float64 `json:"mean_rank"`
	Votes        int     `json:"votes"`
	AnswerTokens int     `json:"answer_tokens"`

	// Position is the final consensus position, 1 = best.
	Position int `json:"position"`
}

// StageResult is the finalized output of one stage. Immutable once the
// stage completes; partial data is only visible through streaming events.
type StageResult struct {
	Stage int `json:"stage"`

	// Answers holds the successful expert answers (stage 1), in dispatch
	// order.
	Answers []ModelAnswer `json:"answers,omitempty"`

	// Reviews and Ranking are the stage 2 votes and consensus ordering.
	Reviews []Review       `json:"reviews,omitempty"`
	Ranking []RankingScore `json:"ranking,omitempty"`

	// Degraded marks a stage 2 that produced no consensus ranking
	// (all votes unparseable, or review skipped by triage).
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	// Synthesis is the stage 3 final answer.
	Synthesis string `json:"synthesis,omitempty"`

	// Failed maps model keys that exhausted retry/fallback to their
	// final error kind.
	Failed map[string]string `json:"failed,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
