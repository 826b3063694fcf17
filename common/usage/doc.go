// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package usage provides token and cost accounting for deliberation sessions.

# Overview

Every model call attempt in a session is recorded into the session's
UsageRecord, broken down by stage. Recording is idempotent per attempt ID
and the record is finalized write-once when the session reaches a terminal
state.

# Ledger

Open a session, record attempts as they complete, finalize at the end:

	ledger := usage.NewLedger()
	_ = ledger.Open(sessionID)

	_ = ledger.Record(usage.Attempt{
	    ID:           attemptID,
	    SessionID:    sessionID,
	    Stage:        1,
	    Provider:     "anthropic",
	    Model:        "claude-3-5-sonnet-20241022",
	    InputTokens:  150,
	    OutputTokens: 600,
	    CostMillicents: usage.CalculateCostFor("anthropic",
	        "claude-3-5-sonnet-20241022", 150, 600, 0),
	    Outcome: usage.OutcomeSuccess,
	})

	record, err := ledger.Finalize(sessionID)

The finalized record is handed to a Sink exactly once. Failed attempts are
recorded too: tokens already streamed before a failure have been billed by
the provider and belong in the record.

# Cost Calculation

Prices are integer millicents per 1K tokens ($0.003/1K = 300). The roster
carries authoritative prices for configured models; CalculateCostFor backs
pinned models with a built-in table.

# Thread Safety

Ledger is safe for concurrent use. Attempts from parallel stage calls may
be recorded from multiple goroutines simultaneously.
*/
package usage
