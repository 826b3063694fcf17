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
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Reviewers must reply with a line of the form
//
//	RANKING: Answer C > Answer A > Answer B
//
// followed by free-text justification. The extractor is a strict grammar:
// one ranking line, every label present exactly once. Anything else is a
// RankingParseError and the vote is excluded; parsing never panics and
// never guesses.

// RankingParseError marks a reviewer vote that could not be parsed. It is
// recoverable: the vote is excluded from aggregation, the stage continues.
type RankingParseError struct {
	Reviewer string
	Message  string
}

// Error implements the error interface.
func (e *RankingParseError) Error() string {
	return fmt.Sprintf("unparseable ranking from %s: %s", e.Reviewer, e.Message)
}

var (
	rankingLineRe = regexp.MustCompile(`(?im)^\s*(?:final\s+)?ranking\s*:\s*(.+)$`)
	labelRe       = regexp.MustCompile(`(?i)answer\s+([A-Z])`)
)

// answerLabel returns the opaque label for a dispatch position (0 = "Answer A").
func answerLabel(i int) string {
	return fmt.Sprintf("Answer %c", 'A'+rune(i))
}

// ParseRanking extracts an ordered label ranking from a reviewer's free
// text. labels is the full set of valid labels; the ranking must mention
// each exactly once.
func ParseRanking(reviewer, text string, labels []string) ([]string, error) {
	matches := rankingLineRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, &RankingParseError{Reviewer: reviewer, Message: "no RANKING line found"}
	}
	if len(matches) > 1 {
		return nil, &RankingParseError{Reviewer: reviewer, Message: "multiple RANKING lines found"}
	}

	valid := make(map[string]bool, len(labels))
	for _, l := range labels {
		valid[strings.ToUpper(l)] = true
	}

	var ranking []string
	seen := make(map[string]bool)
	for _, m := range labelRe.FindAllStringSubmatch(matches[0][1], -1) {
		label := "Answer " + strings.ToUpper(m[1])
		if !valid[strings.ToUpper(label)] {
			return nil, &RankingParseError{Reviewer: reviewer, Message: fmt.Sprintf("unknown label %q", label)}
		}
		if seen[label] {
			return nil, &RankingParseError{Reviewer: reviewer, Message: fmt.Sprintf("duplicate label %q", label)}
		}
		seen[label] = true
		ranking = append(ranking, label)
	}

	if len(ranking) != len(labels) {
		return nil, &RankingParseError{
			Reviewer: reviewer,
			Message:  fmt.Sprintf("ranking names %d of %d answers", len(ranking), len(labels)),
		}
	}
	return ranking, nil
}

// AggregateRankings computes the consensus ordering of expert answers from
// the parsed reviewer votes.
//
// Rule: mean rank position across all parsed votes; ties break by answer
// token count (shorter wins), then by dispatch order. The result is fully
// deterministic for a fixed input.
func AggregateRankings(answers []ModelAnswer, reviews []Review) []RankingScore {
	scores := make([]RankingScore, len(answers))
	byLabel := make(map[string]int, len(answers))
	for i, a := range answers {
		scores[i] = RankingScore{
			Model:        a.Model,
			Label:        a.Label,
			AnswerTokens: a.Usage.OutputTokens,
		}
		byLabel[a.Label] = i
	}

	votes := 0
	for _, r := range reviews {
		if r.ParseError != "" || len(r.Ranking) == 0 {
			continue
		}
		votes++
		for pos, label := range r.Ranking {
			if i, ok := byLabel[label]; ok {
				scores[i].MeanRank += float64(pos + 1)
				scores[i].Votes++
			}
		}
	}
	if votes == 0 {
		return nil
	}

	for i := range scores {
		if scores[i].Votes > 0 {
			scores[i].MeanRank /= float64(scores[i].Votes)
		} else {
			// Unranked by every vote: worst possible position.
			scores[i].MeanRank = float64(len(answers) + 1)
		}
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
		if sa.MeanRank != sb.MeanRank {
			return sa.MeanRank < sb.MeanRank
		}
		if sa.AnswerTokens != sb.AnswerTokens {
			return sa.AnswerTokens < sb.AnswerTokens
		}
		return answers[order[a]].DispatchOrder < answers[order[b]].DispatchOrder
	})

	out := make([]RankingScore, len(order))
	for pos, i := range order {
		s := scores[i]
		s.Position = pos + 1
		out[pos] = s
	}
	return out
}

// justification strips the ranking line from a vote, leaving the reviewer's
// free-text reasoning.
func justification(text string) string {
	return strings.TrimSpace(rankingLineRe.ReplaceAllString(text, ""))
}
