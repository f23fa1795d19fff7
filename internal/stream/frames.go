// Package stream implements the session-scoped duplex channel between the
// capture client and the gateway, plus the buffer-and-upload fallback used
// when the live channel is lost.
package stream

import (
	"fmt"

	"github.com/mvasko/medscribe/internal/note"
)

// Frame types carried on the duplex channel.
const (
	TypeAudioChunk         = "audio_chunk"
	TypeStopStream         = "stop_stream"
	TypeTranscriptUpdate   = "transcript_update"
	TypeNoteUpdate         = "note_update"
	TypeTranscriptionError = "transcription_error"
)

// Frame is the wire envelope. Exactly one payload matching Type is set;
// anything else is rejected at the boundary instead of propagating nils
// into the fold logic.
type Frame struct {
	Type       string             `json:"type"`
	AudioChunk *AudioChunkFrame   `json:"audio_chunk,omitempty"`
	Stop       *StopFrame         `json:"stop,omitempty"`
	Transcript *TranscriptFrame   `json:"transcript,omitempty"`
	Note       *note.ServerUpdate `json:"note,omitempty"`
	Error      *ErrorFrame        `json:"error,omitempty"`
}

// AudioChunkFrame carries one encoded chunk upstream.
type AudioChunkFrame struct {
	SessionID  string `json:"session_id"`
	PCM        []byte `json:"pcm"` // base64 on the wire via encoding/json
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language"`
	Sequence   int    `json:"sequence"`
}

// StopFrame ends the audio stream for a session.
type StopFrame struct {
	SessionID string `json:"session_id"`
}

// TranscriptFrame is one transcript event relayed back to the client.
type TranscriptFrame struct {
	Speaker    int     `json:"speaker"`
	Text       string  `json:"text"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// ErrorFrame reports a transcription failure. ShouldStop (or a 429 code)
// obliges the client to stop sending and enter cooldown.
type ErrorFrame struct {
	Message      string `json:"message"`
	Code         int    `json:"code"`
	ShouldStop   bool   `json:"should_stop"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// RateLimited reports whether the error frame is a provider rate limit.
func (e *ErrorFrame) RateLimited() bool {
	return e.Code == 429
}

// Validate checks the envelope invariant: a known type with its payload
// present and required fields populated.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeAudioChunk:
		if f.AudioChunk == nil {
			return fmt.Errorf("frame %q missing payload", f.Type)
		}
		c := f.AudioChunk
		if c.SessionID == "" {
			return fmt.Errorf("audio_chunk missing session_id")
		}
		if len(c.PCM) == 0 {
			return fmt.Errorf("audio_chunk has empty pcm")
		}
		if c.SampleRate <= 0 {
			return fmt.Errorf("audio_chunk has invalid sample_rate %d", c.SampleRate)
		}
		if c.Sequence < 0 {
			return fmt.Errorf("audio_chunk has negative sequence %d", c.Sequence)
		}
		return nil
	case TypeStopStream:
		if f.Stop == nil || f.Stop.SessionID == "" {
			return fmt.Errorf("stop_stream missing session_id")
		}
		return nil
	case TypeTranscriptUpdate:
		if f.Transcript == nil {
			return fmt.Errorf("frame %q missing payload", f.Type)
		}
		if f.Transcript.Confidence < 0 || f.Transcript.Confidence > 1 {
			return fmt.Errorf("transcript_update confidence %v out of range", f.Transcript.Confidence)
		}
		return nil
	case TypeNoteUpdate:
		if f.Note == nil {
			return fmt.Errorf("frame %q missing payload", f.Type)
		}
		return nil
	case TypeTranscriptionError:
		if f.Error == nil || f.Error.Message == "" {
			return fmt.Errorf("transcription_error missing message")
		}
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}
