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

package usage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Error codes for ledger operations.
const (
	ErrSessionUnknown   = "SESSION_UNKNOWN"
	ErrSessionFinalized = "SESSION_FINALIZED"
	ErrSessionDuplicate = "SESSION_DUPLICATE"
)

// LedgerError represents a ledger operation failure.
type LedgerError struct {
	Code      string
	SessionID string
	Message   string
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error [%s] session=%s: %s", e.Code, e.SessionID, e.Message)
}

// sessionLedger accumulates one session's attempts.
type sessionLedger struct {
	record    *UsageRecord
	stages    map[int]*StageUsage
	seen      map[string]struct{} // attempt IDs already recorded
	attempts  []Attempt
	finalized bool
}

// Ledger accumulates token counts and cost per model call attempt into
// per-session usage records. Recording is idempotent per attempt ID and
// finalization is write-once.
//
// Safe for concurrent use; attempts from parallel stage calls land here.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string]*sessionLedger

	// now is replaceable in tests.
	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		sessions: make(map[string]*sessionLedger),
		now:      time.Now,
	}
}

// Open creates the empty usage record for a session. Opening an already
// open session is an error.
func (l *Ledger) Open(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[sessionID]; ok {
		return &LedgerError{Code: ErrSessionDuplicate, SessionID: sessionID, Message: "session already open"}
	}

	l.sessions[sessionID] = &sessionLedger{
		record: &UsageRecord{
			SessionID: sessionID,
			OpenedAt:  l.now(),
		},
		stages: make(map[int]*StageUsage),
		seen:   make(map[string]struct{}),
	}
	return nil
}

// Record accumulates one attempt into its session's record. Recording the
// same attempt ID twice is a no-op, so retried delivery of an outcome never
// double-counts. Recording against a finalized session is an error.
func (l *Ledger) Record(attempt Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.sessions[attempt.SessionID]
	if !ok {
		return &LedgerError{Code: ErrSessionUnknown, SessionID: attempt.SessionID, Message: "session not open"}
	}
	if sl.finalized {
		return &LedgerError{Code: ErrSessionFinalized, SessionID: attempt.SessionID, Message: "session already finalized"}
	}
	if _, dup := sl.seen[attempt.ID]; dup {
		return nil
	}
	sl.seen[attempt.ID] = struct{}{}
	sl.attempts = append(sl.attempts, attempt)

	stage, ok := sl.stages[attempt.Stage]
	if !ok {
		stage = &StageUsage{Stage: attempt.Stage}
		sl.stages[attempt.Stage] = stage
	}

	stage.Calls++
	if attempt.Outcome != OutcomeSuccess {
		stage.Failures++
	}
	stage.InputTokens += attempt.InputTokens
	stage.OutputTokens += attempt.OutputTokens
	stage.CacheReadTokens += attempt.CacheReadTokens
	stage.CostMillicents += attempt.CostMillicents

	rec := sl.record
	rec.InputTokens += attempt.InputTokens
	rec.OutputTokens += attempt.OutputTokens
	rec.CacheReadTokens += attempt.CacheReadTokens
	rec.TotalTokens += attempt.InputTokens + attempt.OutputTokens + attempt.CacheReadTokens
	rec.CostMillicents += attempt.CostMillicents

	return nil
}

// Finalize closes a session's record and returns it. Exactly one call
// succeeds per session; later calls fail with SESSION_FINALIZED. The
// session is dropped from memory; the returned record is the caller's to
// hand to the persistence sink.
func (l *Ledger) Finalize(sessionID string) (*UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.sessions[sessionID]
	if !ok {
		return nil, &LedgerError{Code: ErrSessionUnknown, SessionID: sessionID, Message: "session not open"}
	}
	if sl.finalized {
		return nil, &LedgerError{Code: ErrSessionFinalized, SessionID: sessionID, Message: "session already finalized"}
	}
	sl.finalized = true

	rec := sl.record
	rec.FinalizedAt = l.now()
	rec.Stages = make([]StageUsage, 0, len(sl.stages))
	for _, stage := range sl.stages {
		rec.Stages = append(rec.Stages, *stage)
	}
	sort.Slice(rec.Stages, func(i, j int) bool {
		return rec.Stages[i].Stage < rec.Stages[j].Stage
	})

	delete(l.sessions, sessionID)
	return rec, nil
}

// Attempts returns copies of the attempts recorded so far for a session.
// Used by the transcript persistence path and tests.
func (l *Ledger) Attempts(sessionID string) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Attempt, len(sl.attempts))
	copy(out, sl.attempts)
	return out
}
