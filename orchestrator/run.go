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
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/council/common/usage"
	"axonflow/council/orchestrator/breaker"
	"axonflow/council/orchestrator/council"
	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/llm/anthropic"
	"axonflow/council/orchestrator/llm/gemini"
	"axonflow/council/orchestrator/llm/openai"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

// AxonFlow Council - Multi-Model Deliberation Service
// Fans one question out to a council of models, peer-reviews the answers,
// and streams a synthesized verdict back to the caller.

// Components
var (
	svcLog          *logger.Logger
	clientSet       *llm.ClientSet
	rosterTable     *roster.Roster
	breakerRegistry *breaker.Registry
	ledger          *usage.Ledger
	completionCache *council.CompletionCache
	pgStore         *council.PostgresStore
	pipeline        *council.Pipeline
	jwtSecret       []byte
)

// Run is the exported entry point for the council service.
//
// It initializes all components (providers, roster, breaker registry,
// ledger, cache, store), sets up HTTP routes, and starts the server. The
// function blocks until the server is shut down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8082)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys
//   - COUNCIL_ROSTER_FILE: YAML roster file (optional, built-in default)
//   - COUNCIL_ROSTER_TTL_SECONDS: roster reload interval (optional)
//   - COUNCIL_QUORUM: stage 1 quorum (default 2)
//   - COUNCIL_JWT_SECRET: HS256 secret; unset leaves the API open
//   - DATABASE_URL: PostgreSQL connection string (optional)
//   - REDIS_ADDR, REDIS_PASSWORD: completion cache (optional)
func Run() {
	log.Println("Starting AxonFlow Council...")

	initializeComponents()

	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", healthHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Deliberation endpoint (SSE stream)
	r.HandleFunc("/api/v1/deliberate", authMiddleware(deliberateHandler)).Methods("POST")

	// Model health and roster status
	r.HandleFunc("/api/v1/models/status", authMiddleware(modelStatusHandler)).Methods("GET")

	// Start server
	port := getEnv("PORT", "8082")
	handler := c.Handler(r)
	log.Printf("AxonFlow Council listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

func initializeComponents() {
	svcLog = logger.New("council")

	// Provider clients: every provider with a configured key joins the set.
	clientSet = llm.NewClientSet()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := anthropic.NewProvider(anthropic.Config{APIKey: key})
		if err != nil {
			log.Fatalf("Failed to initialize anthropic provider: %v", err)
		}
		mustRegister(p)
		log.Println("  - Anthropic: enabled")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := openai.NewProvider(openai.Config{APIKey: key})
		if err != nil {
			log.Fatalf("Failed to initialize openai provider: %v", err)
		}
		mustRegister(p)
		log.Println("  - OpenAI: enabled")
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		p, err := gemini.NewProvider(gemini.Config{APIKey: key})
		if err != nil {
			log.Fatalf("Failed to initialize gemini provider: %v", err)
		}
		mustRegister(p)
		log.Println("  - Gemini: enabled")
	}
	if clientSet.Count() == 0 {
		log.Fatal("No LLM providers configured; set at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY")
	}

	// Roster
	var rosterOpts []roster.Option
	if path := os.Getenv("COUNCIL_ROSTER_FILE"); path != "" {
		rosterOpts = append(rosterOpts, roster.WithFile(path))
		if ttl := getEnvInt("COUNCIL_ROSTER_TTL_SECONDS", 0); ttl > 0 {
			rosterOpts = append(rosterOpts, roster.WithTTL(time.Duration(ttl)*time.Second))
		}
	}
	var err error
	rosterTable, err = roster.New(rosterOpts...)
	if err != nil {
		log.Fatalf("Failed to load roster: %v", err)
	}

	breakerRegistry = breaker.NewRegistry(breaker.DefaultConfig())
	ledger = usage.NewLedger()

	// Completion cache (optional)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		ttl := time.Duration(getEnvInt("COUNCIL_CACHE_TTL_SECONDS", 3600)) * time.Second
		completionCache = council.NewCompletionCache(rdb, ttl, svcLog)
		log.Printf("  - Completion cache: enabled (%s)", addr)
	}

	// Transcript + usage persistence (optional)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pgStore, err = council.OpenPostgres(dbURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		log.Println("  - Transcript store: enabled")
	} else {
		log.Println("  - Transcript store: disabled (no DATABASE_URL)")
	}

	dispatcher := council.NewDispatcher(clientSet, breakerRegistry, ledger,
		completionCache, svcLog, council.DefaultDispatcherConfig())

	config := council.DefaultConfig()
	config.Quorum = getEnvInt("COUNCIL_QUORUM", config.Quorum)

	var store council.Store
	if pgStore != nil {
		store = pgStore
	}
	pipeline = council.NewPipeline(rosterTable, dispatcher, ledger, store, svcLog, config)

	if secret := os.Getenv("COUNCIL_JWT_SECRET"); secret != "" {
		jwtSecret = []byte(secret)
		log.Println("  - Auth: JWT required")
	} else {
		log.Println("  - Auth: disabled (no COUNCIL_JWT_SECRET)")
	}
}

func mustRegister(p llm.Provider) {
	if err := clientSet.Register(p); err != nil {
		log.Fatalf("Failed to register provider %s: %v", p.Name(), err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
