// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "fmt"

// LLM provider pricing as of mid-2025.
// Prices stored in millicents per 1K tokens to avoid floating point issues
// ($0.003 per 1K tokens = 300). All prices are USD.

// ProviderPricing contains pricing for a specific model.
type ProviderPricing struct {
	PromptCostPer1K     int64 // millicents per 1K prompt tokens
	CompletionCostPer1K int64 // millicents per 1K completion tokens
}

// providerPricing maps provider-model combinations to pricing. The roster
// carries authoritative prices for configured models; this table backs the
// ledger for pinned or ad hoc models the roster did not price.
var providerPricing = map[string]ProviderPricing{
	// OpenAI
	"openai-gpt-4o":      {250, 1000},
	"openai-gpt-4o-mini": {15, 60},
	"openai-gpt-4-turbo": {1000, 3000},

	// Anthropic
	"anthropic-claude-3-5-sonnet-20241022": {300, 1500},
	"anthropic-claude-3-7-sonnet-20250219": {300, 1500},
	"anthropic-claude-3-5-haiku-20241022":  {80, 400},
	"anthropic-claude-3-opus-20240229":     {1500, 7500},

	// Google
	"gemini-gemini-2.0-flash": {10, 40},
	"gemini-gemini-1.5-flash": {8, 30},
	"gemini-gemini-1.5-pro":   {125, 500},

	// Default fallback pricing (conservative estimate)
	"default": {1000, 3000},
}

// cacheReadDiscountPct is the percentage of the prompt price charged for
// cache-read tokens. Providers bill cached prompt tokens at roughly a tenth
// of the fresh rate.
const cacheReadDiscountPct = 10

// CalculateCost calculates the cost in millicents for an LLM request using
// explicit per-1K prices. Cache-read tokens are billed at the discounted
// rate; they must not also be counted in promptTokens.
func CalculateCost(pricePromptPer1K, priceCompletionPer1K int64, promptTokens, completionTokens, cacheReadTokens int) int64 {
	promptCost := (int64(promptTokens) * pricePromptPer1K) / 1000
	completionCost := (int64(completionTokens) * priceCompletionPer1K) / 1000
	cacheCost := (int64(cacheReadTokens) * pricePromptPer1K * cacheReadDiscountPct) / (1000 * 100)
	return promptCost + completionCost + cacheCost
}

// CalculateCostFor calculates the cost in millicents using the built-in
// price table, falling back to default pricing for unknown models.
func CalculateCostFor(provider, model string, promptTokens, completionTokens, cacheReadTokens int) int64 {
	pricing, ok := providerPricing[provider+"-"+model]
	if !ok {
		pricing = providerPricing["default"]
	}
	return CalculateCost(pricing.PromptCostPer1K, pricing.CompletionCostPer1K,
		promptTokens, completionTokens, cacheReadTokens)
}

// GetProviderPricing returns the pricing for a specific provider-model
// combination from the built-in table.
func GetProviderPricing(provider, model string) (ProviderPricing, bool) {
	pricing, ok := providerPricing[provider+"-"+model]
	return pricing, ok
}

// FormatCostToDollars converts millicents to a dollar string
// (e.g., 135000 millicents -> "$1.3500").
func FormatCostToDollars(millicents int64) string {
	dollars := float64(millicents) / 100000.0
	return fmt.Sprintf("$%.4f", dollars)
}
