// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package council

import (
	"fmt"
	"strings"
)

const expertSystemPrompt = `You are one independent expert on a multi-model answer council.
Answer the question directly and completely, using the provided context when relevant.
Do not hedge about being one of several models; just give your best answer.`

// buildExpertPrompt assembles the stage 1 request body.
func buildExpertPrompt(question, contextText string) string {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("Context:\n")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("Question:\n")
	b.WriteString(question)
	return b.String()
}

const reviewerSystemPrompt = `You are a reviewer ranking candidate answers to a question.
The answers are labeled anonymously; judge only their content.
Your reply MUST begin with a single line of the form:

RANKING: Answer B > Answer A > Answer C

listing every answer exactly once, best first. After that line, explain
your reasoning briefly.`

// buildReviewPrompt assembles the stage 2 request body: the question plus
// every expert answer under its opaque label.
func buildReviewPrompt(question string, answers []ModelAnswer) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(question)
	b.WriteString("\n\nCandidate answers:\n")
	for _, a := range answers {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", a.Label, a.Answer)
	}
	fmt.Fprintf(&b, "\nRank all %d answers.", len(answers))
	return b.String()
}

const chairmanSystemPrompt = `You are the chairman of an answer council. Several expert answers to
the same question are provided, with a consensus ranking when one was
reached. Synthesize them into one final answer: adopt the strongest
material, reconcile disagreements explicitly, and drop redundancy.
Respond with the final answer only.`

// buildSynthesisPrompt assembles the stage 3 request body from the ranked
// (or unranked, degraded) expert material.
func buildSynthesisPrompt(question, contextText string, answers []ModelAnswer, ranking []RankingScore, degraded bool) string {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("Context:\n")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("Question:\n")
	b.WriteString(question)
	b.WriteString("\n\n")

	if degraded || len(ranking) == 0 {
		b.WriteString("Expert answers (no consensus ranking was available):\n")
		for _, a := range answers {
			fmt.Fprintf(&b, "\n=== %s ===\n%s\n", a.Label, a.Answer)
		}
		return b.String()
	}

	byLabel := make(map[string]ModelAnswer, len(answers))
	for _, a := range answers {
		byLabel[a.Label] = a
	}

	b.WriteString("Expert answers, in consensus rank order (best first):\n")
	for _, s := range ranking {
		a, ok := byLabel[s.Label]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n=== Rank %d: %s (mean rank %.2f across %d votes) ===\n%s\n",
			s.Position, s.Label, s.MeanRank, s.Votes, a.Answer)
	}
	return b.String()
}
