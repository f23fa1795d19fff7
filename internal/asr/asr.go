// Package asr is the boundary to the speech-to-text provider. The gateway
// streams session audio through a Stream and receives transcript events;
// batch endpoints cover language identification and the upload fallback.
package asr

import (
	"context"
	"fmt"
	"time"
)

// TranscriptResult is one transcript event from the provider. Interim results
// may be revised; only final results should reach the note pipeline.
type TranscriptResult struct {
	Text       string
	Speaker    int     // diarized speaker index, -1 when unknown
	Confidence float64 // 0..1
	StartTime  float64 // seconds from session start
	EndTime    float64
	IsFinal    bool
}

// Stream is a live duplex transcription session with the provider.
type Stream interface {
	// StreamAudio sends one chunk of PCM to the provider.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns the channel of transcript events, in provider order.
	Results() <-chan TranscriptResult

	// Errors returns the channel of stream failures.
	Errors() <-chan error

	// Close ends the stream and releases the connection.
	Close() error
}

// Provider opens streams and serves the one-shot endpoints.
type Provider interface {
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (string, error)
	TranscribeWAV(ctx context.Context, wavBody []byte, language string) ([]TranscriptResult, error)
}

// StreamConfig describes the audio the stream will carry.
type StreamConfig struct {
	Language   string
	SampleRate int
	Channels   int
}

// RateLimitError signals provider backpressure. Callers must stop sending
// and wait out RetryAfter rather than retrying immediately.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("asr: rate limited, retry after %s", e.RetryAfter)
}
