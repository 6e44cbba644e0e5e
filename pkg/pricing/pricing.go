// Package pricing computes provider call costs from published rate cards.
// All amounts are expressed in hundredths of cents (1 USD = 10,000 units) so
// that aggregation stays in integer arithmetic. The tables are static; no
// network calls are ever made.
package pricing

import "strings"

// Cost units: hundredths of cents. $0.01 == 100 units.
const unitsPerDollar = 10_000

// Call describes a single priced provider invocation.
type Call struct {
	// Operation is the gateway operation, e.g. "llm.stream" or "tts.synthesize".
	Operation string
	// Provider is the provider name, e.g. "openai".
	Provider string
	// Model is the model identifier, e.g. "gpt-4o-mini".
	Model string
	// TokensIn is the prompt token count (LLM operations).
	TokensIn int
	// TokensOut is the completion token count (LLM operations).
	TokensOut int
	// CachedTokens is the count of prompt tokens served from provider cache.
	CachedTokens int
	// AudioDurationMS is the audio length in milliseconds (STT operations).
	AudioDurationMS int64
	// CharCount is the synthesized character count (TTS operations).
	CharCount int
}

// llmRate prices an LLM model per million tokens, in units.
type llmRate struct {
	inPerMTok     int64
	outPerMTok    int64
	cachedPerMTok int64
}

// llmRates covers the model families the platform routes to. Prefix matched,
// longest prefix wins.
var llmRates = map[string]llmRate{
	"gpt-4o-mini":             {inPerMTok: 1_500, outPerMTok: 6_000, cachedPerMTok: 750},
	"gpt-4o":                  {inPerMTok: 25_000, outPerMTok: 100_000, cachedPerMTok: 12_500},
	"gpt-4.1-mini":            {inPerMTok: 4_000, outPerMTok: 16_000, cachedPerMTok: 1_000},
	"gpt-4.1":                 {inPerMTok: 20_000, outPerMTok: 80_000, cachedPerMTok: 5_000},
	"o3-mini":                 {inPerMTok: 11_000, outPerMTok: 44_000, cachedPerMTok: 5_500},
	"claude-3-5-haiku":        {inPerMTok: 8_000, outPerMTok: 40_000, cachedPerMTok: 800},
	"claude-3-5-sonnet":       {inPerMTok: 30_000, outPerMTok: 150_000, cachedPerMTok: 3_000},
	"claude-sonnet-4":         {inPerMTok: 30_000, outPerMTok: 150_000, cachedPerMTok: 3_000},
	"gemini-2.0-flash":        {inPerMTok: 1_000, outPerMTok: 4_000, cachedPerMTok: 250},
	"gemini-1.5-pro":          {inPerMTok: 12_500, outPerMTok: 50_000, cachedPerMTok: 3_125},
	"mistral-large":           {inPerMTok: 20_000, outPerMTok: 60_000},
	"deepseek-chat":           {inPerMTok: 2_700, outPerMTok: 11_000, cachedPerMTok: 700},
	"llama-3.3-70b-versatile": {inPerMTok: 5_900, outPerMTok: 7_900},
}

// sttRatePerMinute prices transcription per minute of audio, in units.
var sttRatePerMinute = map[string]int64{
	"whisper-1":               60,
	"gpt-4o-transcribe":       60,
	"gpt-4o-mini-transcribe":  30,
	"nova-2":                  43,
	"nova-3":                  46,
}

// ttsRatePerMChars prices synthesis per million characters, in units.
var ttsRatePerMChars = map[string]int64{
	"tts-1":            150_000,
	"tts-1-hd":         300_000,
	"gpt-4o-mini-tts":  120_000,
	"eleven_turbo_v2":  500_000,
	"eleven_multilingual_v2": 1_000_000,
}

// Cost returns the price of a single provider call in hundredths of cents.
// Unknown operations and unknown models cost zero; pricing gaps must never
// fail a pipeline.
func Cost(c Call) int64 {
	switch {
	case strings.HasPrefix(c.Operation, "llm."):
		return llmCost(c)
	case strings.HasPrefix(c.Operation, "stt."):
		return sttCost(c)
	case strings.HasPrefix(c.Operation, "tts."):
		return ttsCost(c)
	default:
		return 0
	}
}

func llmCost(c Call) int64 {
	rate, ok := lookupLLMRate(c.Model)
	if !ok {
		return 0
	}

	freshIn := int64(c.TokensIn - c.CachedTokens)
	if freshIn < 0 {
		freshIn = 0
	}

	cost := freshIn * rate.inPerMTok
	cost += int64(c.CachedTokens) * rate.cachedPerMTok
	cost += int64(c.TokensOut) * rate.outPerMTok
	return cost / 1_000_000
}

func sttCost(c Call) int64 {
	rate, ok := sttRatePerMinute[strings.ToLower(c.Model)]
	if !ok {
		return 0
	}
	// Round up to the next whole second before pricing per minute.
	seconds := (c.AudioDurationMS + 999) / 1000
	return seconds * rate / 60
}

func ttsCost(c Call) int64 {
	rate, ok := ttsRatePerMChars[strings.ToLower(c.Model)]
	if !ok {
		return 0
	}
	return int64(c.CharCount) * rate / 1_000_000
}

// lookupLLMRate finds the longest rate table prefix matching model.
func lookupLLMRate(model string) (llmRate, bool) {
	lower := strings.ToLower(model)
	var (
		best    llmRate
		bestLen int
		found   bool
	)
	for prefix, rate := range llmRates {
		if strings.HasPrefix(lower, prefix) && len(prefix) > bestLen {
			best = rate
			bestLen = len(prefix)
			found = true
		}
	}
	return best, found
}
