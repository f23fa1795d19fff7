// Package costs estimates provider spend per recording session.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// These are based on 2026 market rates and can be overridden via environment variables.
var (
	// DeepgramCentsPerMinute is the cost per minute for Deepgram Nova-3 streaming ASR.
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

	// DeepgramBatchCentsPerMinute is the cost per minute for pre-recorded
	// transcription, used by the WAV upload fallback.
	// Default: $0.0043/min = 0.43 cents/min
	DeepgramBatchCentsPerMinute = getEnvFloat("COST_DEEPGRAM_BATCH_CENTS_PER_MIN", 0.43)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = $0.00015/1K = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = $0.0006/1K = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)
)

// SessionMetrics contains the raw usage figures for one recording session.
type SessionMetrics struct {
	StreamedAudioSeconds float64 // audio relayed over the live channel
	UploadedAudioSeconds float64 // audio transcribed via the upload fallback
	ExtractInputTokens   int     // tokens sent to the extraction model
	ExtractOutputTokens  int     // tokens received from the extraction model
}

// SessionCosts contains the calculated costs for a session in cents.
type SessionCosts struct {
	ASRCostCents     int
	ExtractCostCents int
	TotalCostCents   int
}

// CalculateSessionCosts computes the estimated provider spend for a session.
func CalculateSessionCosts(m SessionMetrics) SessionCosts {
	streamMinutes := m.StreamedAudioSeconds / 60.0
	batchMinutes := m.UploadedAudioSeconds / 60.0

	asrCents := streamMinutes*DeepgramCentsPerMinute + batchMinutes*DeepgramBatchCentsPerMinute

	extractInputCents := (float64(m.ExtractInputTokens) / 1000.0) * OpenAICentsPerThousandInputTokens
	extractOutputCents := (float64(m.ExtractOutputTokens) / 1000.0) * OpenAICentsPerThousandOutputTokens

	costs := SessionCosts{
		ASRCostCents:     roundToInt(asrCents),
		ExtractCostCents: roundToInt(extractInputCents + extractOutputCents),
	}
	costs.TotalCostCents = costs.ASRCostCents + costs.ExtractCostCents
	return costs
}

// AudioSeconds converts a PCM16 byte count at the given rate into seconds.
func AudioSeconds(pcmBytes int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(pcmBytes) / float64(sampleRate*2)
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat reads a float from the environment with a fallback default.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
