package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/costs"
	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/extract"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/metrics"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/notifications"
	"github.com/mvasko/medscribe/internal/store"
	"github.com/mvasko/medscribe/internal/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// scribeSession manages a single session's duplex stream: audio frames in,
// transcript and note frames out. One actor per connection.
type scribeSession struct {
	sessionID string
	accountID string
	language  string // resolved language, set before the ASR stream is opened
	startedAt time.Time

	conn   *websocket.Conn
	connMu sync.Mutex

	provider  asr.Provider
	asrStream asr.Stream

	store     SessionStore
	eventLog  *eventlog.Logger
	metrics   *metrics.Metrics
	apns      *notifications.APNsClient
	assembler *note.Assembler
	throttler *findings.Throttler
	logger    *log.Logger

	nextSeq      int // next expected chunk sequence
	segmentCount int
	pcmBytes     int64 // audio relayed to the provider, for cost accounting
	sampleRate   int
	deviceToken  string

	findingSource string

	// chunk rate accounting; single-writer from the read loop
	chunkWindowStart time.Time
	chunkCount       int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	if r.provider == nil {
		r.logger.Printf("session_ws: ASR provider not configured")
		http.Error(w, "transcription not configured", http.StatusServiceUnavailable)
		return
	}

	account := getAuthAccount(req.Context())
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	sess, err := r.store.GetSession(req.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("session_ws: load session %s failed: %v", sessionID, err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if sess.AccountID != account.ID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.State == store.SessionClosed {
		http.Error(w, "session already finalized", http.StatusConflict)
		return
	}

	switch err := r.registry.Acquire(account.ID); err {
	case nil:
	case errDraining:
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	case errAccountLimit:
		http.Error(w, "too many concurrent sessions", http.StatusTooManyRequests)
		return
	default:
		http.Error(w, "session admission failed", http.StatusServiceUnavailable)
		return
	}
	defer r.registry.Release(account.ID)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("session_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())

	// Fixed-language sessions skip detection; the client tags every chunk
	// with the configured language anyway.
	language := ""
	if sess.LanguageMode == store.LanguageModeFixed {
		language = sess.Language
	}

	s := &scribeSession{
		sessionID:   sess.ID,
		accountID:   sess.AccountID,
		language:    language,
		startedAt:   sess.StartedAt,
		conn:        conn,
		provider:    r.provider,
		store:       r.store,
		eventLog:    r.eventLog,
		metrics:     r.metrics,
		apns:        r.apns,
		assembler:   note.NewAssembler(r.extractor, r.logger),
		throttler:   r.throttler,
		logger:      r.logger,
		deviceToken: req.Header.Get("X-Device-Token"),

		findingSource: r.findingSource,
		ctx:           ctx,
		cancel:        cancel,
	}

	r.logger.Printf("session_ws: stream opened for session %s", sess.ID)
	s.run()
}

func (s *scribeSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("session_ws: connection closed for session %s", s.sessionID)
			} else {
				s.logger.Printf("session_ws: read error for session %s: %v", s.sessionID, err)
			}
			return
		}

		var frame stream.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Printf("session_ws: failed to parse frame: %v", err)
			continue
		}
		if err := frame.Validate(); err != nil {
			s.logger.Printf("session_ws: dropping invalid frame for session %s: %v", s.sessionID, err)
			continue
		}

		switch frame.Type {
		case stream.TypeAudioChunk:
			if err := s.handleAudioChunk(frame.AudioChunk); err != nil {
				s.logger.Printf("session_ws: audio error for session %s: %v", s.sessionID, err)
				return
			}

		case stream.TypeStopStream:
			s.logger.Printf("session_ws: stop received for session %s", s.sessionID)
			s.finalize()
			return

		default:
			s.logger.Printf("session_ws: unexpected frame type %q from client", frame.Type)
		}
	}
}

// maxChunksPerSecond bounds the inbound chunk rate per session. A healthy
// client sends 10/s (100 ms windows); anything past this is a flood.
const maxChunksPerSecond = 50

func (s *scribeSession) handleAudioChunk(chunk *stream.AudioChunkFrame) error {
	if chunk.SessionID != s.sessionID {
		return fmt.Errorf("chunk for session %s on stream for %s", chunk.SessionID, s.sessionID)
	}

	now := time.Now()
	if now.Sub(s.chunkWindowStart) >= time.Second {
		s.chunkWindowStart = now
		s.chunkCount = 0
	}
	s.chunkCount++
	if s.chunkCount > maxChunksPerSecond {
		if s.metrics != nil {
			s.metrics.RecordRateLimit()
		}
		s.sendError("audio chunk rate exceeded", 429, true, time.Second.Milliseconds())
		return fmt.Errorf("chunk rate exceeded for session %s", s.sessionID)
	}

	// Stale or duplicate chunks are dropped; gaps are logged and skipped
	// over so later chunks still flow.
	if chunk.Sequence < s.nextSeq {
		s.logger.Printf("session_ws: dropping stale chunk %d for session %s (expected %d)",
			chunk.Sequence, s.sessionID, s.nextSeq)
		if s.metrics != nil {
			s.metrics.RecordDroppedChunk()
		}
		return nil
	}
	if chunk.Sequence > s.nextSeq {
		s.logger.Printf("session_ws: sequence gap for session %s: expected %d, got %d",
			s.sessionID, s.nextSeq, chunk.Sequence)
		if s.metrics != nil {
			s.metrics.RecordSequenceGap()
		}
	}
	s.nextSeq = chunk.Sequence + 1

	if s.asrStream == nil {
		if err := s.openASRStream(chunk); err != nil {
			return err
		}
	}

	if err := s.asrStream.StreamAudio(s.ctx, chunk.PCM); err != nil {
		var rle *asr.RateLimitError
		if errors.As(err, &rle) {
			s.sendRateLimit(rle)
			return err
		}
		s.sendError("transcription stream failed", 0, true, 0)
		return err
	}

	s.pcmBytes += int64(len(chunk.PCM))
	s.sampleRate = chunk.SampleRate
	if s.metrics != nil {
		s.metrics.RecordChunkRelayed(len(chunk.PCM))
	}
	return nil
}

// openASRStream resolves the session language from the first chunk and opens
// the provider stream, then starts the result pump.
func (s *scribeSession) openASRStream(chunk *stream.AudioChunkFrame) error {
	if s.language == "" && chunk.Language != "" {
		s.language = chunk.Language
		if err := s.store.SetDetectedLanguage(s.ctx, s.sessionID, s.language); err != nil {
			s.logger.Printf("session_ws: failed to record detected language for %s: %v", s.sessionID, err)
		}
		s.eventLog.LogAsync(s.sessionID, eventlog.EventLanguageDetected, map[string]any{
			"language": s.language,
		})
	}

	asrStream, err := s.provider.OpenStream(s.ctx, asr.StreamConfig{
		Language:   s.language,
		SampleRate: chunk.SampleRate,
		Channels:   1,
	})
	if err != nil {
		var rle *asr.RateLimitError
		if errors.As(err, &rle) {
			s.sendRateLimit(rle)
			return err
		}
		s.sendError("failed to open transcription stream", 0, true, 0)
		return fmt.Errorf("open ASR stream: %w", err)
	}
	s.asrStream = asrStream

	s.wg.Add(1)
	go s.pumpResults()
	return nil
}

// pumpResults relays provider transcript events to the client and feeds final
// segments into persistence and note assembly.
func (s *scribeSession) pumpResults() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case result, ok := <-s.asrStream.Results():
			if !ok {
				return
			}
			s.handleTranscript(result)

		case err, ok := <-s.asrStream.Errors():
			if !ok {
				return
			}
			var rle *asr.RateLimitError
			if errors.As(err, &rle) {
				s.sendRateLimit(rle)
			} else {
				s.logger.Printf("session_ws: ASR error for session %s: %v", s.sessionID, err)
				if s.metrics != nil {
					s.metrics.RecordASRError()
				}
				s.sendError("transcription provider error", 0, false, 0)
			}
		}
	}
}

func (s *scribeSession) handleTranscript(result asr.TranscriptResult) {
	s.writeFrame(stream.Frame{
		Type: stream.TypeTranscriptUpdate,
		Transcript: &stream.TranscriptFrame{
			Speaker:    result.Speaker,
			Text:       result.Text,
			StartTime:  result.StartTime,
			EndTime:    result.EndTime,
			Confidence: result.Confidence,
			IsFinal:    result.IsFinal,
		},
	})
	if s.metrics != nil {
		s.metrics.RecordTranscript()
	}

	if !result.IsFinal || result.Text == "" {
		return
	}

	seg := store.Segment{
		Speaker:    result.Speaker,
		Text:       result.Text,
		Sequence:   s.segmentCount,
		StartTimeS: result.StartTime,
		EndTimeS:   result.EndTime,
		Confidence: result.Confidence,
	}
	s.segmentCount++
	if err := s.store.InsertSegment(s.ctx, s.sessionID, seg); err != nil {
		s.logger.Printf("session_ws: failed to persist segment for %s: %v", s.sessionID, err)
	}
	s.eventLog.LogAsync(s.sessionID, eventlog.EventSegmentFinal, map[string]any{
		"sequence": seg.Sequence,
		"speaker":  seg.Speaker,
	})

	n, ex := s.assembler.AddFinalSegment(s.ctx, result.Text)
	if err := s.store.SaveNote(s.ctx, s.sessionID, n); err != nil {
		s.logger.Printf("session_ws: failed to save note for %s: %v", s.sessionID, err)
	}

	s.writeFrame(stream.Frame{
		Type: stream.TypeNoteUpdate,
		Note: serverUpdateFromNote(n),
	})
	s.eventLog.LogAsync(s.sessionID, eventlog.EventNoteUpdate, map[string]any{
		"segment": seg.Sequence,
	})

	persisted := s.throttler.Record(s.ctx, s.finding(n, ex))
	if persisted {
		s.eventLog.LogAsync(s.sessionID, eventlog.EventFindingPersisted, map[string]any{
			"source": s.findingSource,
		})
	}
	if s.metrics != nil {
		s.metrics.RecordFinding(persisted)
	}
}

// finalize runs the stop path: close the ASR stream, flush the last finding,
// and close the session row. Safe to call once per connection; the store
// level finalize is idempotent across connections.
func (s *scribeSession) finalize() {
	if s.asrStream != nil {
		_ = s.asrStream.Close()
		s.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Project the interim state so a status poll during the flush below
	// does not read "recording" on a session whose audio already ended.
	if err := s.store.UpdateSessionState(ctx, s.sessionID, store.SessionFinalizing); err != nil {
		s.logger.Printf("session_ws: failed to mark session %s finalizing: %v", s.sessionID, err)
	}

	n := s.assembler.Note()
	if s.segmentCount > 0 {
		if err := s.store.SaveNote(ctx, s.sessionID, n); err != nil {
			s.logger.Printf("session_ws: failed to save final note for %s: %v", s.sessionID, err)
		}
		if err := s.throttler.Finalize(ctx, s.finding(n, extract.Extraction{
			Symptoms: n.ExtractedSymptoms,
		})); err != nil {
			s.logger.Printf("session_ws: failed to persist final finding for %s: %v", s.sessionID, err)
		}
	}

	won, err := s.store.FinalizeSession(ctx, s.sessionID, nowUTC())
	if err != nil {
		s.logger.Printf("session_ws: failed to finalize session %s: %v", s.sessionID, err)
		return
	}
	if !won {
		return
	}

	audioSeconds := costs.AudioSeconds(s.pcmBytes, s.sampleRate)
	spend := costs.CalculateSessionCosts(costs.SessionMetrics{
		StreamedAudioSeconds: audioSeconds,
	})
	s.eventLog.LogAsync(s.sessionID, eventlog.EventSessionFinalized, map[string]any{
		"segments":       s.segmentCount,
		"via":            "stream",
		"audio_seconds":  audioSeconds,
		"est_cost_cents": spend.TotalCostCents,
	})
	if s.metrics != nil {
		s.metrics.RecordSessionFinished(nowUTC().Sub(s.startedAt).Seconds())
	}

	if s.deviceToken != "" {
		if err := s.apns.SendSessionFinalized(s.deviceToken, notifications.SessionNotification{
			SessionID:      s.sessionID,
			PatientLabel:   "Patient",
			ChiefComplaint: n.ChiefComplaint,
			SegmentCount:   s.segmentCount,
		}); err != nil {
			s.logger.Printf("session_ws: push notification failed for %s: %v", s.sessionID, err)
		}
	}
}

func (s *scribeSession) finding(n note.LiveNote, ex extract.Extraction) findings.Finding {
	symptoms := ex.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	diagnoses := ex.Diagnoses
	if diagnoses == nil {
		diagnoses = []string{}
	}
	return findings.Finding{
		SessionID:      s.sessionID,
		TimestampMs:    time.Now().UnixMilli(),
		Source:         s.findingSource,
		ChiefComplaint: n.ChiefComplaint,
		Symptoms:       symptoms,
		Diagnoses:      diagnoses,
	}
}

func (s *scribeSession) sendRateLimit(rle *asr.RateLimitError) {
	s.logger.Printf("session_ws: rate limited for session %s, retry after %s", s.sessionID, rle.RetryAfter)
	if s.metrics != nil {
		s.metrics.RecordRateLimit()
	}
	s.eventLog.LogAsync(s.sessionID, eventlog.EventRateLimited, map[string]any{
		"retry_after_ms": rle.RetryAfter.Milliseconds(),
	})
	s.sendError("transcription provider rate limited", 429, true, rle.RetryAfter.Milliseconds())
}

func (s *scribeSession) sendError(message string, code int, shouldStop bool, retryAfterMs int64) {
	s.writeFrame(stream.Frame{
		Type: stream.TypeTranscriptionError,
		Error: &stream.ErrorFrame{
			Message:      message,
			Code:         code,
			ShouldStop:   shouldStop,
			RetryAfterMs: retryAfterMs,
		},
	})
}

// writeFrame serializes one frame to the client. connMu guards against
// interleaved writes from the read loop and the result pump.
func (s *scribeSession) writeFrame(frame stream.Frame) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Printf("session_ws: write failed for session %s: %v", s.sessionID, err)
	}
}

func (s *scribeSession) cleanup() {
	s.cancel()
	if s.asrStream != nil {
		_ = s.asrStream.Close()
	}
	s.wg.Wait()
	_ = s.conn.Close()
	s.logger.Printf("session_ws: stream closed for session %s", s.sessionID)
}

// serverUpdateFromNote projects the authoritative note into an update frame.
// Every populated field is sent as an overwrite; empty fields stay nil so the
// client's own fold is not clobbered by fields the server has no value for.
func serverUpdateFromNote(n note.LiveNote) *note.ServerUpdate {
	u := &note.ServerUpdate{}
	if n.ChiefComplaint != "" {
		u.ChiefComplaint = &n.ChiefComplaint
	}
	if n.Subjective != "" {
		u.Subjective = &n.Subjective
	}
	if n.Objective != "" {
		u.Objective = &n.Objective
	}
	if n.Assessment != "" {
		u.Assessment = &n.Assessment
	}
	if n.Plan != "" {
		u.Plan = &n.Plan
	}
	if len(n.ExtractedSymptoms) > 0 {
		u.ExtractedSymptoms = n.ExtractedSymptoms
	}
	if n.VitalSigns != nil {
		u.VitalSigns = n.VitalSigns
	}
	return u
}
