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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"axonflow/council/common/usage"
)

// PostgresStore persists terminal session transcripts and finalized usage
// records. It implements the Store interface.
//
// Schema:
//
//	CREATE TABLE council_sessions (
//	    session_id     TEXT PRIMARY KEY,
//	    question       TEXT NOT NULL,
//	    context_text   TEXT,
//	    council_size   INT,
//	    status         TEXT NOT NULL,
//	    failure_reason TEXT,
//	    final_answer   TEXT,
//	    stage1         JSONB,
//	    stage2         JSONB,
//	    stage3         JSONB,
//	    started_at     TIMESTAMPTZ,
//	    completed_at   TIMESTAMPTZ,
//	    created_at     TIMESTAMPTZ DEFAULT now()
//	);
//
//	CREATE TABLE council_usage_records (
//	    session_id        TEXT PRIMARY KEY,
//	    input_tokens      BIGINT,
//	    output_tokens     BIGINT,
//	    cache_read_tokens BIGINT,
//	    total_tokens      BIGINT,
//	    cost_millicents   BIGINT,
//	    stages            JSONB,
//	    opened_at         TIMESTAMPTZ,
//	    finalized_at      TIMESTAMPTZ,
//	    created_at        TIMESTAMPTZ DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a postgres connection pool from a connection string.
func OpenPostgres(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// SaveTranscript upserts the terminal session transcript. Re-running a
// session id overwrites the previous transcript.
func (s *PostgresStore) SaveTranscript(ctx context.Context, session *DeliberationSession) error {
	stage1, err := marshalStage(session.Stage1)
	if err != nil {
		return err
	}
	stage2, err := marshalStage(session.Stage2)
	if err != nil {
		return err
	}
	stage3, err := marshalStage(session.Stage3)
	if err != nil {
		return err
	}

	var finalAnswer string
	if session.Stage3 != nil {
		finalAnswer = session.Stage3.Synthesis
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO council_sessions (
			session_id, question, context_text, council_size, status,
			failure_reason, final_answer, stage1, stage2, stage3,
			started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			final_answer = EXCLUDED.final_answer,
			stage1 = EXCLUDED.stage1,
			stage2 = EXCLUDED.stage2,
			stage3 = EXCLUDED.stage3,
			completed_at = EXCLUDED.completed_at
	`, session.ID, session.Question, nullString(session.Context),
		session.CouncilSize, string(session.Status),
		nullString(session.FailureReason), nullString(finalAnswer),
		stage1, stage2, stage3, session.StartedAt, nullTime(session.CompletedAt))

	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

// SaveUsageRecord inserts the finalized usage record. The ledger guarantees
// one finalize per session; a conflict means a replayed persistence attempt
// and is ignored.
func (s *PostgresStore) SaveUsageRecord(record *usage.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stages, err := json.Marshal(record.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stage usage: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO council_usage_records (
			session_id, input_tokens, output_tokens, cache_read_tokens,
			total_tokens, cost_millicents, stages, opened_at, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING
	`, record.SessionID, record.InputTokens, record.OutputTokens,
		record.CacheReadTokens, record.TotalTokens, record.CostMillicents,
		stages, record.OpenedAt, record.FinalizedAt)

	if err != nil {
		return fmt.Errorf("failed to save usage record: %w", err)
	}
	return nil
}

// Ping reports database reachability for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func marshalStage(result *StageResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage result: %w", err)
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
