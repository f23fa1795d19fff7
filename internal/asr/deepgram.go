package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deepgramWSURL   = "wss://api.deepgram.com/v1/listen"
	deepgramRESTURL = "https://api.deepgram.com/v1/listen"
	deepgramModel   = "nova-2"
)

// Deepgram implements Provider over Deepgram's streaming and prerecorded APIs.
type Deepgram struct {
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

// NewDeepgram creates a Deepgram provider. httpClient may be nil.
func NewDeepgram(apiKey string, httpClient *http.Client, logger *log.Logger) *Deepgram {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Deepgram{apiKey: apiKey, httpClient: httpClient, logger: logger}
}

// deepgramStream is one live websocket transcription session.
type deepgramStream struct {
	conn      *websocket.Conn
	results   chan TranscriptResult
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup
	logger    *log.Logger
}

// deepgramResponse is the streaming Results payload, reduced to the fields
// the pipeline consumes.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word    string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// OpenStream dials the streaming endpoint. A 429 on the handshake is
// surfaced as a RateLimitError so the session can enter cooldown.
func (d *Deepgram) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	url := fmt.Sprintf("%s?model=%s&language=%s&encoding=linear16&sample_rate=%d&channels=%d&punctuate=true&diarize=true&interim_results=true",
		deepgramWSURL, deepgramModel, cfg.Language, cfg.SampleRate, cfg.Channels)

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
		}
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan TranscriptResult, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

// StreamAudio sends one binary PCM frame.
func (s *deepgramStream) StreamAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("stream is closed")
	default:
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramStream) Results() <-chan TranscriptResult { return s.results }
func (s *deepgramStream) Errors() <-chan error             { return s.errors }

// Close flushes the provider's close message and tears down the connection.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		s.mu.Unlock()

		err = s.conn.Close()

		s.wg.Wait()
		close(s.results)
		close(s.errors)
	})
	return err
}

func (s *deepgramStream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			case s.errors <- fmt.Errorf("read: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Printf("deepgram: unparseable response: %v", err)
			continue
		}
		if resp.Type != "Results" {
			continue
		}

		result, ok := resultFromResponse(resp)
		if !ok {
			continue
		}
		select {
		case <-s.done:
			return
		case s.results <- result:
		}
	}
}

func resultFromResponse(resp deepgramResponse) (TranscriptResult, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return TranscriptResult{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return TranscriptResult{}, false
	}

	result := TranscriptResult{
		Text:       alt.Transcript,
		Speaker:    -1,
		Confidence: alt.Confidence,
		IsFinal:    resp.IsFinal,
	}
	if n := len(alt.Words); n > 0 {
		result.StartTime = alt.Words[0].Start
		result.EndTime = alt.Words[n-1].End
		if alt.Words[0].Speaker != nil {
			result.Speaker = *alt.Words[0].Speaker
		}
	}
	return result, true
}

// DetectLanguage runs a one-shot classification over raw PCM.
func (d *Deepgram) DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	url := fmt.Sprintf("%s?model=%s&detect_language=true&encoding=linear16&sample_rate=%d&channels=1",
		deepgramRESTURL, deepgramModel, sampleRate)

	payload, err := d.listen(ctx, url, "audio/raw", pcm)
	if err != nil {
		return "", err
	}
	if len(payload.Results.Channels) == 0 || payload.Results.Channels[0].DetectedLanguage == "" {
		return "", fmt.Errorf("deepgram: no language in response")
	}
	return payload.Results.Channels[0].DetectedLanguage, nil
}

// TranscribeWAV batch-transcribes an uploaded recording, returning diarized
// final segments.
func (d *Deepgram) TranscribeWAV(ctx context.Context, wavBody []byte, language string) ([]TranscriptResult, error) {
	url := fmt.Sprintf("%s?model=%s&smart_format=true&diarize=true&punctuate=true&utterances=true",
		deepgramRESTURL, deepgramModel)
	if language != "" {
		url += "&language=" + language
	}

	payload, err := d.listen(ctx, url, "audio/wav", wavBody)
	if err != nil {
		return nil, err
	}

	results := make([]TranscriptResult, 0, len(payload.Results.Utterances))
	for _, u := range payload.Results.Utterances {
		if u.Transcript == "" {
			continue
		}
		results = append(results, TranscriptResult{
			Text:       u.Transcript,
			Speaker:    u.Speaker,
			Confidence: u.Confidence,
			StartTime:  u.Start,
			EndTime:    u.End,
			IsFinal:    true,
		})
	}
	return results, nil
}

// prerecordedResponse covers both the detection and utterance shapes.
type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
		Utterances []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Speaker    int     `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

func (d *Deepgram) listen(ctx context.Context, url, contentType string, body []byte) (*prerecordedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram status %d: %s", resp.StatusCode, raw)
	}

	var payload prerecordedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &payload, nil
}
