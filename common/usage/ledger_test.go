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
	"errors"
	"fmt"
	"sync"
	"testing"
)

func testAttempt(id, session string, stage int) Attempt {
	return Attempt{
		ID:             id,
		SessionID:      session,
		Stage:          stage,
		Provider:       "anthropic",
		Model:          "claude-3-5-sonnet-20241022",
		InputTokens:    100,
		OutputTokens:   50,
		CostMillicents: 105,
		Outcome:        OutcomeSuccess,
	}
}

func TestOpenDuplicate(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err := l.Open("s1")
	var le *LedgerError
	if !errors.As(err, &le) || le.Code != ErrSessionDuplicate {
		t.Fatalf("expected SESSION_DUPLICATE, got %v", err)
	}
}

func TestRecordUnknownSession(t *testing.T) {
	l := NewLedger()
	err := l.Record(testAttempt("a1", "nope", 1))
	var le *LedgerError
	if !errors.As(err, &le) || le.Code != ErrSessionUnknown {
		t.Fatalf("expected SESSION_UNKNOWN, got %v", err)
	}
}

func TestRecordIsIdempotentPerAttemptID(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	a := testAttempt("a1", "s1", 1)
	for i := 0; i < 3; i++ {
		if err := l.Record(a); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	rec, err := l.Finalize("s1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if rec.InputTokens != 100 || rec.OutputTokens != 50 {
		t.Errorf("duplicate attempt double-counted: %+v", rec)
	}
	if len(rec.Stages) != 1 || rec.Stages[0].Calls != 1 {
		t.Errorf("unexpected stage breakdown: %+v", rec.Stages)
	}
}

func TestAccountingInvariant(t *testing.T) {
	// The finalized record's totals equal the sum over every recorded
	// attempt, including failures.
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	attempts := []Attempt{
		{ID: "a1", SessionID: "s1", Stage: 1, InputTokens: 100, OutputTokens: 200, CostMillicents: 10, Outcome: OutcomeSuccess},
		{ID: "a2", SessionID: "s1", Stage: 1, InputTokens: 100, OutputTokens: 30, CostMillicents: 5, Outcome: OutcomeTimeout},
		{ID: "a3", SessionID: "s1", Stage: 2, InputTokens: 400, OutputTokens: 80, CacheReadTokens: 50, CostMillicents: 12, Outcome: OutcomeSuccess},
		{ID: "a4", SessionID: "s1", Stage: 3, InputTokens: 900, OutputTokens: 700, CostMillicents: 90, Outcome: OutcomeSuccess},
	}

	var wantIn, wantOut, wantCache int
	var wantCost int64
	for _, a := range attempts {
		if err := l.Record(a); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		wantIn += a.InputTokens
		wantOut += a.OutputTokens
		wantCache += a.CacheReadTokens
		wantCost += a.CostMillicents
	}

	rec, err := l.Finalize("s1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if rec.InputTokens != wantIn || rec.OutputTokens != wantOut || rec.CacheReadTokens != wantCache {
		t.Errorf("totals do not match attempts: %+v", rec)
	}
	if rec.TotalTokens != wantIn+wantOut+wantCache {
		t.Errorf("TotalTokens = %d, want %d", rec.TotalTokens, wantIn+wantOut+wantCache)
	}
	if rec.CostMillicents != wantCost {
		t.Errorf("CostMillicents = %d, want %d", rec.CostMillicents, wantCost)
	}

	var stageIn int
	for _, s := range rec.Stages {
		stageIn += s.InputTokens
	}
	if stageIn != wantIn {
		t.Errorf("per-stage input sum %d != total %d", stageIn, wantIn)
	}

	if rec.Stages[0].Failures != 1 {
		t.Errorf("stage 1 should count the timeout as a failure: %+v", rec.Stages[0])
	}
}

func TestFinalizeIsWriteOnce(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := l.Finalize("s1"); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}

	_, err := l.Finalize("s1")
	var le *LedgerError
	if !errors.As(err, &le) || le.Code != ErrSessionUnknown {
		t.Fatalf("expected SESSION_UNKNOWN after finalize drop, got %v", err)
	}
}

func TestRecordAfterFinalize(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := l.Finalize("s1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	err := l.Record(testAttempt("late", "s1", 3))
	var le *LedgerError
	if !errors.As(err, &le) || le.Code != ErrSessionUnknown {
		t.Fatalf("expected SESSION_UNKNOWN, got %v", err)
	}
}

func TestStagesSortedInRecord(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, stage := range []int{3, 1, 2} {
		if err := l.Record(testAttempt(fmt.Sprintf("a%d", stage), "s1", stage)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	rec, err := l.Finalize("s1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	for i, s := range rec.Stages {
		if s.Stage != i+1 {
			t.Errorf("stages not sorted: %+v", rec.Stages)
			break
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	l := NewLedger()
	if err := l.Open("s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Record(testAttempt(fmt.Sprintf("a%d", i), "s1", 1+i%3))
		}(i)
	}
	wg.Wait()

	rec, err := l.Finalize("s1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if rec.InputTokens != 50*100 {
		t.Errorf("expected %d input tokens, got %d", 50*100, rec.InputTokens)
	}
}
