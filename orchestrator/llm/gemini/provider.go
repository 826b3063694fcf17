// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package gemini provides an LLM provider implementation for Google's Gemini
// models, with both streaming and non-streaming completion modes.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/council/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the Gemini API version.
	DefaultAPIVersion = "v1beta"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max output tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultModel is used when the request does not specify one.
	DefaultModel = "gemini-2.0-flash"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for Google Gemini.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// Config contains configuration for the Gemini provider.
type Config struct {
	Name       string        // Optional: instance name (default: "gemini")
	APIKey     string        // Required: Google API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version (default: v1beta)
	Model      string        // Optional: Default model
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
	Client     HTTPClient    // Optional: custom HTTP client (testing)
}

// NewProvider creates a new Gemini provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     cfg.Client,
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeGemini
}

// SupportsStreaming indicates if the provider supports streaming.
func (p *Provider) SupportsStreaming() bool {
	return true
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := p.resolveModel(req)
	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent", p.baseURL, p.apiVersion, model)

	resp, err := p.doRequest(ctx, endpoint, model, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var apiResp generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Model:    model,
			Kind:     llm.KindProviderError,
			Message:  fmt.Sprintf("failed to decode response: %v", err),
			Cause:    err,
		}
	}

	content, finishReason := extractText(&apiResp)

	return &llm.CompletionResponse{
		Content:      content,
		Model:        model,
		FinishReason: finishReason,
		Usage:        apiResp.usageStats(),
		Latency:      time.Since(start),
	}, nil
}

// CompleteStream generates a streaming completion for the given request.
// Gemini streams SSE frames, one generateContent response per frame.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := p.resolveModel(req)
	endpoint := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.apiVersion, model)

	resp, err := p.doRequest(ctx, endpoint, model, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var contentBuilder strings.Builder
	var usage llm.UsageStats
	var finishReason string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event generateContentResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue // Skip malformed events
		}

		text, reason := extractText(&event)
		if reason != "" {
			finishReason = reason
		}
		if event.UsageMetadata != nil {
			usage = event.usageStats()
		}
		if text == "" {
			continue
		}
		contentBuilder.WriteString(text)
		if handler != nil {
			if err := handler(llm.StreamChunk{
				Type:    "content",
				Content: text,
				Done:    false,
			}); err != nil {
				return nil, fmt.Errorf("handler error: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Model:    model,
			Kind:     llm.Classify(err),
			Message:  fmt.Sprintf("stream read error: %v", err),
			Cause:    err,
		}
	}

	if handler != nil {
		if err := handler(llm.StreamChunk{Type: "done", Done: true}); err != nil {
			return nil, fmt.Errorf("handler error: %w", err)
		}
	}

	return &llm.CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        model,
		FinishReason: finishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

func (p *Provider) resolveModel(req llm.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// doRequest builds and executes the HTTP request, returning an open response
// body on success and a classified error otherwise.
func (p *Provider) doRequest(ctx context.Context, endpoint, model string, req llm.CompletionRequest) (*http.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := generateContentRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Prompt}}},
		},
		GenerationConfig: &generationConfig{
			MaxOutputTokens: maxTokens,
			StopSequences:   req.StopSequences,
		},
	}
	if req.Temperature > 0 {
		apiReq.GenerationConfig.Temperature = &req.Temperature
	}
	if req.SystemPrompt != "" {
		apiReq.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Model:    model,
			Kind:     llm.Classify(err),
			Message:  err.Error(),
			Cause:    err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.parseAPIError(model, resp.StatusCode, body)
	}

	return resp, nil
}

// parseAPIError parses an API error response into a classified ProviderError.
func (p *Provider) parseAPIError(model string, statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	pe := llm.NewProviderError(p.name, model, statusCode, message)
	if errResp.Error.Status == "RESOURCE_EXHAUSTED" {
		pe.Kind = llm.KindRateLimited
	}
	return pe
}

// extractText pulls the text of the first candidate and its finish reason.
func extractText(resp *generateContentResponse) (string, string) {
	if len(resp.Candidates) == 0 {
		return "", ""
	}
	cand := resp.Candidates[0]
	var b strings.Builder
	for _, pt := range cand.Content.Parts {
		b.WriteString(pt.Text)
	}
	return b.String(), cand.FinishReason
}

// Internal API types

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
		TotalTokenCount         int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (r *generateContentResponse) usageStats() llm.UsageStats {
	if r.UsageMetadata == nil {
		return llm.UsageStats{}
	}
	return llm.UsageStats{
		InputTokens:     r.UsageMetadata.PromptTokenCount,
		OutputTokens:    r.UsageMetadata.CandidatesTokenCount,
		CacheReadTokens: r.UsageMetadata.CachedContentTokenCount,
		TotalTokens:     r.UsageMetadata.TotalTokenCount,
	}
}
