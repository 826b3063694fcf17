// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package council runs multi-model deliberation sessions.

A session turns one question into a synthesized answer in three sequential
stages:

 1. Expert fan-out: N expert models answer the question concurrently,
    streaming tokens back per model. The stage is usable when a quorum of
    experts succeed.
 2. Peer review: a smaller set of cheaper reviewer models rank the expert
    answers (labeled opaquely to avoid brand bias). Parsed rankings are
    aggregated into a consensus ordering; unparseable votes are excluded.
 3. Synthesis: a single chairman model composes the final answer from the
    ranked material, streamed to the caller.

A lightweight triage pass sizes the council and may skip peer review for
simple questions.

The Pipeline type owns the session lifecycle and emits a unified event
stream; Dispatcher handles per-call retry, circuit breaking and fallback
chains; the usage ledger accounts every attempt, successful or not.
*/
package council
