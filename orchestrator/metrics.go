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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"axonflow/council/orchestrator/council"
)

// Prometheus metrics
var (
	promSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_council_sessions_total",
			Help: "Total number of deliberation sessions by terminal status",
		},
		[]string{"status"},
	)
	promSessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axonflow_council_session_duration_milliseconds",
			Help:    "End-to-end session duration in milliseconds",
			Buckets: []float64{500, 1000, 2000, 5000, 10000, 30000, 60000, 120000, 300000},
		},
	)
	promModelOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_council_model_outcomes_total",
			Help: "Terminal model outcomes per stage",
		},
		[]string{"stage", "outcome"},
	)
	promStageCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_council_stage_completions_total",
			Help: "Completed stages, including degraded review stages",
		},
		[]string{"stage", "degraded"},
	)
	promTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_council_tokens_total",
			Help: "Token totals from finalized usage records",
		},
		[]string{"kind"},
	)
	promCostMillicents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_council_cost_millicents_total",
			Help: "Accumulated LLM spend in millicents",
		},
	)
)

func init() {
	prometheus.MustRegister(promSessionsTotal)
	prometheus.MustRegister(promSessionDuration)
	prometheus.MustRegister(promModelOutcomes)
	prometheus.MustRegister(promStageCompletions)
	prometheus.MustRegister(promTokensTotal)
	prometheus.MustRegister(promCostMillicents)
}

// observeEvent updates metrics from the session event stream as it is
// forwarded to the caller.
func observeEvent(ev council.Event) {
	switch ev.Type {
	case council.EventModelComplete:
		promModelOutcomes.WithLabelValues(stageLabel(ev.Stage), "success").Inc()

	case council.EventModelFailed:
		promModelOutcomes.WithLabelValues(stageLabel(ev.Stage), ev.ErrorKind).Inc()

	case council.EventStageComplete:
		degraded := "false"
		if ev.Result != nil && ev.Result.Degraded {
			degraded = "true"
		}
		promStageCompletions.WithLabelValues(stageLabel(ev.Stage), degraded).Inc()

	case council.EventSessionComplete, council.EventSessionFailed:
		if ev.UsageRecord != nil {
			promTokensTotal.WithLabelValues("input").Add(float64(ev.UsageRecord.InputTokens))
			promTokensTotal.WithLabelValues("output").Add(float64(ev.UsageRecord.OutputTokens))
			promTokensTotal.WithLabelValues("cache_read").Add(float64(ev.UsageRecord.CacheReadTokens))
			promCostMillicents.Add(float64(ev.UsageRecord.CostMillicents))
		}
	}
}

func stageLabel(stage int) string {
	switch stage {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "0"
	}
}
