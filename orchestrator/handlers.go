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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"axonflow/council/orchestrator/council"
	"axonflow/council/orchestrator/roster"
)

// authMiddleware validates a bearer JWT (HS256) when COUNCIL_JWT_SECRET is
// configured. Without a secret the API is open (dev mode).
func authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(jwtSecret) == 0 {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r)
	}
}

// deliberateHandler runs a deliberation session and streams its events to
// the caller as Server-Sent Events. Each event is written as
//
//	event: <type>
//	data: <json>
//
// and the connection closes after the terminal event.
func deliberateHandler(w http.ResponseWriter, r *http.Request) {
	var req council.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	status := "failed"
	// Client disconnect cancels r.Context() and with it every in-flight
	// model call for the session.
	for ev := range pipeline.Run(r.Context(), req) {
		observeEvent(ev)

		data, err := json.Marshal(ev)
		if err != nil {
			svcLog.ErrorWithErr(ev.SessionID, "", "failed to marshal event", err, nil)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()

		if ev.Type == council.EventSessionComplete {
			status = "complete"
		}
	}

	promSessionsTotal.WithLabelValues(status).Inc()
	promSessionDuration.Observe(float64(time.Since(start).Milliseconds()))
}

// healthHandler reports per-component health.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{
		"providers": fmt.Sprintf("ok (%d registered)", clientSet.Count()),
		"roster":    "ok",
	}
	healthy := true

	if _, err := rosterTable.Resolve(roster.RoleExpert); err != nil {
		components["roster"] = "error: " + err.Error()
		healthy = false
	}

	if completionCache != nil {
		if err := completionCache.Ping(ctx); err != nil {
			components["cache"] = "error: " + err.Error()
		} else {
			components["cache"] = "ok"
		}
	} else {
		components["cache"] = "disabled"
	}

	if pgStore != nil {
		if err := pgStore.Ping(ctx); err != nil {
			components["store"] = "error: " + err.Error()
			healthy = false
		} else {
			components["store"] = "ok"
		}
	} else {
		components["store"] = "disabled"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// modelStatusHandler exposes the roster chains and every model's breaker
// state.
func modelStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roster":   rosterTable.Roles(),
		"breakers": breakerRegistry.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		svcLog.ErrorWithErr("", "", "failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
