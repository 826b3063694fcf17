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

import "strings"

// TriageDecision is the pre-pass sizing for a session.
type TriageDecision struct {
	// Score is the heuristic complexity estimate in [0, 1].
	Score float64 `json:"score"`

	// CouncilSize is the number of experts to dispatch in stage 1.
	CouncilSize int `json:"council_size"`

	// Reviewers is the number of reviewer models for stage 2.
	Reviewers int `json:"reviewers"`

	// SkipReview marks low-stakes questions where the peer review stage
	// is skipped entirely; stage 3 then receives the unranked set.
	SkipReview bool `json:"skip_review"`
}

// TriageConfig tunes the classifier.
type TriageConfig struct {
	MinCouncil int
	MaxCouncil int
	Reviewers  int

	// SkipThreshold: scores strictly below it skip peer review.
	SkipThreshold float64
}

// DefaultTriageConfig returns the default triage tuning.
func DefaultTriageConfig() TriageConfig {
	return TriageConfig{
		MinCouncil:    3,
		MaxCouncil:    7,
		Reviewers:     3,
		SkipThreshold: 0.25,
	}
}

// complexityMarkers are question phrasings that indicate analytical depth.
var complexityMarkers = []string{
	"why", "how", "compare", "trade-off", "tradeoff", "design",
	"architecture", "evaluate", "prove", "implications", "versus", " vs ",
	"pros and cons", "strategy", "analyze", "analyse",
}

// Triage scores a question's complexity and stakes to size the council.
//
// The classifier is deliberately cheap: string heuristics, no model call.
// It decides spend, not correctness, so a misjudgment costs money or
// latency, never the answer path.
func Triage(question, contextText string, requestedSize int, config TriageConfig) TriageDecision {
	score := 0.0
	q := strings.ToLower(question)

	// Length: longer questions tend to carry more constraints.
	switch {
	case len(question) > 600:
		score += 0.35
	case len(question) > 200:
		score += 0.25
	case len(question) > 80:
		score += 0.15
	}

	// Analytical phrasing.
	markers := 0
	for _, m := range complexityMarkers {
		if strings.Contains(q, m) {
			markers++
		}
	}
	switch {
	case markers >= 3:
		score += 0.35
	case markers == 2:
		score += 0.25
	case markers == 1:
		score += 0.15
	}

	// Multi-part questions.
	if strings.Count(question, "?") > 1 {
		score += 0.1
	}

	// Code content suggests a technical review.
	if strings.Contains(question, "```") {
		score += 0.1
	}

	// Supplied context raises the stakes: someone assembled material.
	if len(contextText) > 0 {
		score += 0.1
	}
	if len(contextText) > 2000 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}

	size := config.MinCouncil + int(score*float64(config.MaxCouncil-config.MinCouncil)+0.5)
	if requestedSize > 0 {
		// An explicit caller request overrides the heuristic, clamped
		// to the configured range.
		size = requestedSize
	}
	if size < config.MinCouncil {
		size = config.MinCouncil
	}
	if size > config.MaxCouncil {
		size = config.MaxCouncil
	}

	return TriageDecision{
		Score:       score,
		CouncilSize: size,
		Reviewers:   config.Reviewers,
		SkipReview:  score < config.SkipThreshold && requestedSize == 0,
	}
}
