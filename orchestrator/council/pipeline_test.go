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
	"strings"
	"sync"
	"testing"
	"time"

	"axonflow/council/common/usage"
	"axonflow/council/orchestrator/breaker"
	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/llm/sdk"
	"axonflow/council/orchestrator/roster"
)

const fiveWayRanking = "RANKING: Answer B > Answer A > Answer C > Answer D > Answer E\nB was the most rigorous."

type pipelineFixture struct {
	provider *mockProvider
	breakers *breaker.Registry
	ledger   *usage.Ledger
	pipeline *Pipeline
}

func testPipelineConfig() Config {
	config := DefaultConfig()
	config.Stage1Ceiling = 5 * time.Second
	config.Stage2Ceiling = 5 * time.Second
	config.Stage3Ceiling = 5 * time.Second
	return config
}

func newPipelineFixture(t *testing.T, scripts map[string]*scripted, experts, reviewers, chairmen []string) *pipelineFixture {
	t.Helper()
	return newPipelineFixtureWith(t, scripts, experts, reviewers, chairmen, testPipelineConfig(), nil)
}

func newPipelineFixtureWith(t *testing.T, scripts map[string]*scripted, experts, reviewers, chairmen []string, config Config, store Store) *pipelineFixture {
	t.Helper()

	provider := newMockProvider("mock", scripts)
	clients := llm.NewClientSet()
	if err := clients.Register(provider); err != nil {
		t.Fatalf("failed to register mock provider: %v", err)
	}

	r, err := roster.New(roster.WithSource(testChains(experts, reviewers, chairmen)))
	if err != nil {
		t.Fatalf("failed to build roster: %v", err)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	ledger := usage.NewLedger()
	dispatcher := NewDispatcher(clients, breakers, ledger, nil, testLogger(), fastDispatcherConfig())

	return &pipelineFixture{
		provider: provider,
		breakers: breakers,
		ledger:   ledger,
		pipeline: NewPipeline(r, dispatcher, ledger, store, testLogger(), config),
	}
}

// runSession drains the event stream to completion.
func (f *pipelineFixture) runSession(t *testing.T, req Request) []Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var events []Event
	for ev := range f.pipeline.Run(ctx, req) {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	return events
}

func terminalEvent(t *testing.T, events []Event) Event {
	t.Helper()
	last := events[len(events)-1]
	if last.Type != EventSessionComplete && last.Type != EventSessionFailed {
		t.Fatalf("stream did not end with a terminal event: %s", last.Type)
	}
	return last
}

func stageCompleteResult(t *testing.T, events []Event, stage int) *StageResult {
	t.Helper()
	for _, ev := range events {
		if ev.Type == EventStageComplete && ev.Stage == stage {
			return ev.Result
		}
	}
	t.Fatalf("no stage_complete event for stage %d", stage)
	return nil
}

// fiveExpertScripts scripts five distinct successful experts, three
// consistent reviewers, and a chairman.
func fiveExpertScripts() map[string]*scripted {
	return map[string]*scripted{
		"e1":    {outcomes: []scriptedOutcome{succeed("expert one answer", 100, 200)}},
		"e2":    {outcomes: []scriptedOutcome{succeed("expert two answer", 100, 150)}},
		"e3":    {outcomes: []scriptedOutcome{succeed("expert three answer", 100, 250)}},
		"e4":    {outcomes: []scriptedOutcome{succeed("expert four answer", 100, 300)}},
		"e5":    {outcomes: []scriptedOutcome{succeed("expert five answer", 100, 350)}},
		"r1":    {outcomes: []scriptedOutcome{succeed(fiveWayRanking, 500, 50)}},
		"r2":    {outcomes: []scriptedOutcome{succeed(fiveWayRanking, 500, 50)}},
		"r3":    {outcomes: []scriptedOutcome{succeed(fiveWayRanking, 500, 50)}},
		"chair": {outcomes: []scriptedOutcome{succeed("the synthesized verdict", 900, 400)}},
	}
}

func standardRequest() Request {
	return Request{
		SessionID:   "test-session",
		Question:    "How should the system be designed?",
		CouncilSize: 5,
	}
}

func TestSessionAllExpertsSucceed(t *testing.T) {
	f := newPipelineFixture(t, fiveExpertScripts(),
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	events := f.runSession(t, standardRequest())
	last := terminalEvent(t, events)

	if last.Type != EventSessionComplete {
		t.Fatalf("expected session_complete, got %s (%s)", last.Type, last.Reason)
	}
	if last.FinalAnswer != "the synthesized verdict" {
		t.Errorf("final answer = %q", last.FinalAnswer)
	}

	stage1 := stageCompleteResult(t, events, 1)
	if len(stage1.Answers) != 5 {
		t.Fatalf("expected 5 expert answers, got %d", len(stage1.Answers))
	}

	// All reviewers agreed: Answer B (expert two) is the consensus pick.
	stage2 := stageCompleteResult(t, events, 2)
	if stage2.Degraded {
		t.Fatal("review stage unexpectedly degraded")
	}
	if stage2.Ranking[0].Label != "Answer B" || stage2.Ranking[0].Model != "mock/e2" {
		t.Errorf("consensus top pick = %+v", stage2.Ranking[0])
	}

	if last.UsageRecord == nil {
		t.Fatal("terminal event missing usage record")
	}
}

func TestSessionAccountingInvariant(t *testing.T) {
	// The finalized record equals the sum of every attempt: 5 experts +
	// 3 reviewers + 1 chairman, all single-attempt successes.
	f := newPipelineFixture(t, fiveExpertScripts(),
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	events := f.runSession(t, standardRequest())
	record := terminalEvent(t, events).UsageRecord

	wantIn := 5*100 + 3*500 + 900
	wantOut := (200 + 150 + 250 + 300 + 350) + 3*50 + 400
	if record.InputTokens != wantIn {
		t.Errorf("input tokens = %d, want %d", record.InputTokens, wantIn)
	}
	if record.OutputTokens != wantOut {
		t.Errorf("output tokens = %d, want %d", record.OutputTokens, wantOut)
	}
	if record.TotalTokens != wantIn+wantOut {
		t.Errorf("total tokens = %d, want %d", record.TotalTokens, wantIn+wantOut)
	}

	var stageSum int
	for _, s := range record.Stages {
		stageSum += s.InputTokens + s.OutputTokens + s.CacheReadTokens
	}
	if stageSum != record.TotalTokens {
		t.Errorf("per-stage sum %d != total %d", stageSum, record.TotalTokens)
	}
}

func TestSessionQuorumMetWithOpenBreakers(t *testing.T) {
	scripts := fiveExpertScripts()
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	// Three of five experts are behind open breakers.
	for _, m := range []string{"mock/e3", "mock/e4", "mock/e5"} {
		for i := 0; i < 5; i++ {
			f.breakers.RecordFailure(m)
		}
	}

	// Reviewers now see only two answers.
	twoWay := "RANKING: Answer B > Answer A\nShorter and sharper."
	for _, r := range []string{"r1", "r2", "r3"} {
		scripts[r].outcomes = []scriptedOutcome{succeed(twoWay, 300, 40)}
	}

	events := f.runSession(t, standardRequest())
	last := terminalEvent(t, events)
	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion with quorum 2 of 5, got %s (%s)", last.Type, last.Reason)
	}

	stage1 := stageCompleteResult(t, events, 1)
	if len(stage1.Answers) != 2 {
		t.Errorf("expected 2 successful answers, got %d", len(stage1.Answers))
	}
	if len(stage1.Failed) != 3 {
		t.Errorf("expected 3 failed slots, got %d", len(stage1.Failed))
	}
	for model, kind := range stage1.Failed {
		if kind != "circuit_open" {
			t.Errorf("failed slot %s kind = %s", model, kind)
		}
	}

	// An open breaker means no network call at all.
	for _, m := range []string{"e3", "e4", "e5"} {
		if n := f.provider.invocations(m); n != 0 {
			t.Errorf("breaker-open model %s was dispatched %d times", m, n)
		}
	}
}

func TestSessionQuorumNotMet(t *testing.T) {
	down := failWith(llm.NewProviderError("mock", "x", 500, "down"))
	scripts := map[string]*scripted{
		"e1": {outcomes: []scriptedOutcome{succeed("lone answer", 100, 200)}},
		"e2": {outcomes: []scriptedOutcome{down}},
		"e3": {outcomes: []scriptedOutcome{down}},
	}
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3"},
		[]string{"r1"},
		[]string{"chair"})

	req := standardRequest()
	req.CouncilSize = 3
	events := f.runSession(t, req)
	last := terminalEvent(t, events)

	if last.Type != EventSessionFailed {
		t.Fatalf("expected session_failed, got %s", last.Type)
	}
	if !strings.Contains(last.Reason, "quorum not met") {
		t.Errorf("reason = %q", last.Reason)
	}
	// One success is below quorum but is still attached as partial work.
	if len(last.Partial) == 0 || len(last.Partial[0].Answers) != 1 {
		t.Errorf("partial stage 1 result missing: %+v", last.Partial)
	}
	if last.UsageRecord == nil {
		t.Error("failed session should still carry its usage record")
	}
}

func TestSessionDegradesWhenNoVoteParses(t *testing.T) {
	scripts := fiveExpertScripts()
	garbage := succeed("I liked the second one best, probably.", 300, 40)
	for _, r := range []string{"r1", "r2", "r3"} {
		scripts[r].outcomes = []scriptedOutcome{garbage}
	}

	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	events := f.runSession(t, standardRequest())
	last := terminalEvent(t, events)

	// Ranking-parse failure is never session-fatal.
	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion despite unparseable votes, got %s (%s)", last.Type, last.Reason)
	}

	stage2 := stageCompleteResult(t, events, 2)
	if !stage2.Degraded {
		t.Fatal("stage 2 should be degraded with zero parsed votes")
	}
	if len(stage2.Ranking) != 0 {
		t.Errorf("degraded stage should carry no ranking: %+v", stage2.Ranking)
	}
	for _, review := range stage2.Reviews {
		if review.ParseError == "" {
			t.Errorf("review %s should carry a parse error", review.Reviewer)
		}
	}

	// Chairman still ran, against the unranked set.
	if f.provider.invocations("chair") == 0 {
		t.Error("chairman was not dispatched after degradation")
	}
}

func TestSessionChairmanExhaustionKeepsPartials(t *testing.T) {
	scripts := fiveExpertScripts()
	down := failWith(llm.NewProviderError("mock", "chair", 500, "down"))
	scripts["chair"] = &scripted{outcomes: []scriptedOutcome{down}}
	scripts["chair2"] = &scripted{outcomes: []scriptedOutcome{down}}

	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair", "chair2"})

	events := f.runSession(t, standardRequest())
	last := terminalEvent(t, events)

	if last.Type != EventSessionFailed {
		t.Fatalf("expected session_failed, got %s", last.Type)
	}
	if !strings.Contains(last.Reason, "fallback chain exhausted") {
		t.Errorf("reason = %q", last.Reason)
	}

	// Completed stage 1 and 2 work is never discarded.
	if len(last.Partial) != 2 {
		t.Fatalf("expected stage 1 and 2 partials, got %d", len(last.Partial))
	}
	if len(last.Partial[0].Answers) != 5 {
		t.Errorf("partial stage 1 incomplete: %+v", last.Partial[0])
	}
	if len(last.Partial[1].Ranking) == 0 {
		t.Errorf("partial stage 2 missing ranking: %+v", last.Partial[1])
	}
}

func TestSessionExpertFallsBackWithinChain(t *testing.T) {
	// Council of 2 from a 3-model chain: the third model is the shared
	// fallback tail. e1 fails terminally, its slot recovers via e3.
	down := failWith(llm.NewProviderError("mock", "e1", 500, "down"))
	scripts := map[string]*scripted{
		"e1":    {outcomes: []scriptedOutcome{down, down}},
		"e2":    {outcomes: []scriptedOutcome{succeed("steady answer", 100, 100)}},
		"e3":    {outcomes: []scriptedOutcome{succeed("fallback answer", 100, 120)}},
		"r1":    {outcomes: []scriptedOutcome{succeed("RANKING: Answer A > Answer B\nFine.", 200, 30)}},
		"chair": {outcomes: []scriptedOutcome{succeed("verdict", 400, 100)}},
	}
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3"},
		[]string{"r1"},
		[]string{"chair"})

	req := standardRequest()
	req.CouncilSize = 2
	events := f.runSession(t, req)
	last := terminalEvent(t, events)

	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion via fallback, got %s (%s)", last.Type, last.Reason)
	}
	stage1 := stageCompleteResult(t, events, 1)
	if len(stage1.Answers) != 2 {
		t.Fatalf("expected both slots answered, got %d", len(stage1.Answers))
	}

	models := map[string]bool{}
	for _, a := range stage1.Answers {
		models[a.Model] = true
	}
	if !models["mock/e3"] {
		t.Errorf("fallback model missing from answers: %v", models)
	}
}

func TestSessionTriageSkipsReview(t *testing.T) {
	scripts := map[string]*scripted{
		"e1":    {outcomes: []scriptedOutcome{succeed("four", 10, 5)}},
		"e2":    {outcomes: []scriptedOutcome{succeed("it is four", 10, 8)}},
		"e3":    {outcomes: []scriptedOutcome{succeed("4", 10, 2)}},
		"chair": {outcomes: []scriptedOutcome{succeed("the answer is four", 50, 10)}},
	}
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3"},
		[]string{"r1"},
		[]string{"chair"})

	events := f.runSession(t, Request{Question: "What is 2+2?"})
	last := terminalEvent(t, events)
	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion, got %s (%s)", last.Type, last.Reason)
	}

	stage2 := stageCompleteResult(t, events, 2)
	if !stage2.Degraded || !strings.Contains(stage2.DegradedReason, "triage") {
		t.Errorf("expected triage-skipped stage 2: %+v", stage2)
	}
	if f.provider.invocations("r1") != 0 {
		t.Error("reviewer dispatched despite triage skip")
	}
}

func TestSessionTokenStreamOrderedPerModel(t *testing.T) {
	f := newPipelineFixture(t, fiveExpertScripts(),
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	events := f.runSession(t, standardRequest())

	// Per model, concatenated stage 1 tokens must equal the final answer.
	streamed := map[string]string{}
	answers := map[string]string{}
	for _, ev := range events {
		if ev.Type == EventModelToken && ev.Stage == 1 {
			streamed[ev.Model] += ev.Text
		}
		if ev.Type == EventModelComplete && ev.Stage == 1 {
			answers[ev.Model] = ev.Answer
		}
	}
	if len(answers) != 5 {
		t.Fatalf("expected 5 completed experts, got %d", len(answers))
	}
	for model, answer := range answers {
		if streamed[model] != answer {
			t.Errorf("model %s: streamed %q != answer %q", model, streamed[model], answer)
		}
	}
}

func TestSessionPinnedModels(t *testing.T) {
	scripts := fiveExpertScripts()
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"})

	twoWay := "RANKING: Answer A > Answer B\nDone."
	for _, r := range []string{"r1", "r2", "r3"} {
		scripts[r].outcomes = []scriptedOutcome{succeed(twoWay, 300, 40)}
	}

	events := f.runSession(t, Request{
		Question:     "How should the system be designed?",
		PinnedModels: []string{"mock/e4", "mock/e2"},
	})
	last := terminalEvent(t, events)
	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion, got %s (%s)", last.Type, last.Reason)
	}

	stage1 := stageCompleteResult(t, events, 1)
	if len(stage1.Answers) != 2 {
		t.Fatalf("expected 2 pinned seats, got %d", len(stage1.Answers))
	}
	if stage1.Answers[0].Model != "mock/e4" || stage1.Answers[1].Model != "mock/e2" {
		t.Errorf("pinned seats wrong: %+v", stage1.Answers)
	}
}

func TestSessionStageCeilingTimesOutHungExpert(t *testing.T) {
	// One expert never answers. The stage ceiling cancels it, the slot is
	// reported as a timeout, and the stage still completes on quorum.
	scripts := map[string]*scripted{
		"e1":    {outcomes: []scriptedOutcome{succeed("prompt answer", 100, 120)}},
		"e2":    {outcomes: []scriptedOutcome{succeed("other answer", 100, 140)}},
		"e3":    {outcomes: []scriptedOutcome{succeedAfter(10*time.Second, "too late", 100, 100)}},
		"r1":    {outcomes: []scriptedOutcome{succeed("RANKING: Answer B > Answer A\nFine.", 200, 30)}},
		"chair": {outcomes: []scriptedOutcome{succeed("verdict", 400, 100)}},
	}

	config := testPipelineConfig()
	config.Stage1Ceiling = 200 * time.Millisecond
	f := newPipelineFixtureWith(t, scripts,
		[]string{"e1", "e2", "e3"},
		[]string{"r1"},
		[]string{"chair"},
		config, nil)

	req := standardRequest()
	req.CouncilSize = 3
	events := f.runSession(t, req)
	last := terminalEvent(t, events)

	if last.Type != EventSessionComplete {
		t.Fatalf("expected completion on quorum, got %s (%s)", last.Type, last.Reason)
	}

	stage1 := stageCompleteResult(t, events, 1)
	if len(stage1.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(stage1.Answers))
	}
	if kind := stage1.Failed["mock/e3"]; kind != "timeout" {
		t.Errorf("hung expert reported as %q, want timeout", kind)
	}
	// The ceiling cancelled the call; it must not be retried.
	if n := f.provider.invocations("e3"); n != 1 {
		t.Errorf("hung expert invoked %d times", n)
	}
}

func TestSessionCancellationFinalizesLedger(t *testing.T) {
	// Caller disconnect mid-stage: every in-flight call is cancelled, no
	// retries are attempted, and the ledger is still finalized.
	hang := succeedAfter(10*time.Second, "never delivered", 100, 100)
	scripts := map[string]*scripted{
		"e1": {outcomes: []scriptedOutcome{hang}},
		"e2": {outcomes: []scriptedOutcome{hang}},
		"e3": {outcomes: []scriptedOutcome{hang}},
	}
	f := newPipelineFixture(t, scripts,
		[]string{"e1", "e2", "e3"},
		[]string{"r1"},
		[]string{"chair"})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	req := standardRequest()
	req.CouncilSize = 3
	// Events after cancellation may be dropped; the stream closing at all
	// is part of what is under test.
	for range f.pipeline.Run(ctx, req) {
	}

	for _, m := range []string{"e1", "e2", "e3"} {
		if n := f.provider.invocations(m); n != 1 {
			t.Errorf("expert %s invoked %d times after cancellation", m, n)
		}
	}

	// The session was finalized and dropped: its attempts are gone and
	// the id is free again.
	if attempts := f.ledger.Attempts(req.SessionID); attempts != nil {
		t.Errorf("session still open in ledger with %d attempts", len(attempts))
	}
	if err := f.ledger.Open(req.SessionID); err != nil {
		t.Errorf("session id not released after finalize: %v", err)
	}
}

// flakyStore fails the first transcript write, then recovers.
type flakyStore struct {
	mu              sync.Mutex
	transcriptCalls int
	usageCalls      int
}

func (s *flakyStore) SaveTranscript(ctx context.Context, session *DeliberationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptCalls++
	if s.transcriptCalls == 1 {
		return errors.New("connection reset")
	}
	return nil
}

func (s *flakyStore) SaveUsageRecord(record *usage.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCalls++
	return nil
}

func (s *flakyStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptCalls, s.usageCalls
}

func TestSessionPersistRetriesTransientStoreError(t *testing.T) {
	store := &flakyStore{}
	f := newPipelineFixtureWith(t, fiveExpertScripts(),
		[]string{"e1", "e2", "e3", "e4", "e5"},
		[]string{"r1", "r2", "r3"},
		[]string{"chair"},
		testPipelineConfig(), store)
	f.pipeline.persistRetry = sdk.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
		RetryIf:        func(err error) bool { return err != nil },
	}

	events := f.runSession(t, standardRequest())
	if last := terminalEvent(t, events); last.Type != EventSessionComplete {
		t.Fatalf("expected completion, got %s (%s)", last.Type, last.Reason)
	}

	transcripts, usages := store.counts()
	if transcripts != 2 {
		t.Errorf("transcript writes = %d, want 2 (one failure, one retry)", transcripts)
	}
	if usages != 1 {
		t.Errorf("usage record writes = %d, want 1", usages)
	}
}

func TestSessionEmptyQuestionFailsFast(t *testing.T) {
	f := newPipelineFixture(t, map[string]*scripted{},
		[]string{"e1"}, []string{"r1"}, []string{"chair"})

	events := f.runSession(t, Request{Question: ""})
	last := terminalEvent(t, events)
	if last.Type != EventSessionFailed {
		t.Fatalf("expected session_failed, got %s", last.Type)
	}
	if f.provider.invocations("e1") != 0 {
		t.Error("empty question dispatched a model call")
	}
}
