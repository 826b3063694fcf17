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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/council/orchestrator/llm"
	"axonflow/council/orchestrator/roster"
	"axonflow/council/shared/logger"
)

const cacheKeyPrefix = "council:completion:"

// cachedCompletion is the stored payload for one completed call.
type cachedCompletion struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// CompletionCache serves identical prompts against cache-eligible models
// from Redis instead of the provider. A hit contributes cache-read tokens
// to the session's usage in place of fresh input tokens.
type CompletionCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

// NewCompletionCache creates a cache backed by the given Redis client.
func NewCompletionCache(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *CompletionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CompletionCache{rdb: rdb, ttl: ttl, log: log}
}

// cacheKey hashes model identity plus the full prompt material. Any change
// to system prompt, prompt or model yields a different key.
func cacheKey(ref roster.ModelRef, req llm.CompletionRequest) string {
	h := sha256.New()
	h.Write([]byte(ref.Key()))
	h.Write([]byte{0})
	h.Write([]byte(req.SystemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get looks up a cached completion. Cache errors degrade to a miss.
func (c *CompletionCache) Get(ctx context.Context, ref roster.ModelRef, req llm.CompletionRequest) (*cachedCompletion, bool) {
	data, err := c.rdb.Get(ctx, cacheKey(ref, req)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn("", "", "completion cache read failed", map[string]any{
			"model": ref.Key(),
			"error": err.Error(),
		})
		return nil, false
	}

	var entry cachedCompletion
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// Put stores a fresh completion with the configured TTL.
func (c *CompletionCache) Put(ctx context.Context, ref roster.ModelRef, req llm.CompletionRequest, resp *llm.CompletionResponse) error {
	data, err := json.Marshal(cachedCompletion{
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(ref, req), data, c.ttl).Err()
}

// Ping reports cache reachability for the health endpoint.
func (c *CompletionCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
