package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/audio"
	"github.com/mvasko/medscribe/internal/costs"
	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/extract"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/store"
)

// maxUploadBytes caps fallback WAV uploads. An hour of 16 kHz mono PCM is
// about 115 MB; anything past that is a client bug.
const maxUploadBytes = 128 << 20

// handleAudioUpload ingests a spooled WAV recorded while the live stream was
// down. The audio is transcribed in one batch pass and folded into the
// session's note and findings exactly like live segments.
func (r *Router) handleAudioUpload(w http.ResponseWriter, req *http.Request) {
	if r.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription not configured"})
		return
	}

	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}

	language := req.URL.Query().Get("language")
	if language == "" {
		language = sess.Language
	}

	wavBody, err := io.ReadAll(io.LimitReader(req.Body, maxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}
	if len(wavBody) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty upload"})
		return
	}
	if len(wavBody) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
		return
	}

	results, err := r.provider.TranscribeWAV(req.Context(), wavBody, language)
	if err != nil {
		var rle *asr.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", rle.RetryAfter.String())
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "transcription provider rate limited"})
			return
		}
		r.logger.Printf("upload: transcription failed for session %s: %v", sess.ID, err)
		captureError(req, err, "upload: transcription failed")
		if r.metrics != nil {
			r.metrics.RecordFallbackUpload(false)
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "transcription failed"})
		return
	}

	// Continue segment numbering after whatever the live stream persisted.
	existing, err := r.store.ListSegments(req.Context(), sess.ID)
	if err != nil {
		r.logger.Printf("upload: list segments failed for session %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load session segments"})
		return
	}
	seq := len(existing)

	n, err := r.store.GetNote(req.Context(), sess.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Printf("upload: load note failed for session %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load note"})
		return
	}

	var lastExtraction extract.Extraction
	inserted := 0
	for _, result := range results {
		if !result.IsFinal || result.Text == "" {
			continue
		}
		seg := store.Segment{
			Speaker:    result.Speaker,
			Text:       result.Text,
			Sequence:   seq,
			StartTimeS: result.StartTime,
			EndTimeS:   result.EndTime,
			Confidence: result.Confidence,
		}
		if err := r.store.InsertSegment(req.Context(), sess.ID, seg); err != nil {
			r.logger.Printf("upload: insert segment failed for session %s: %v", sess.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist segments"})
			return
		}
		seq++
		inserted++

		ex, exErr := r.extractor.Extract(req.Context(), result.Text)
		if exErr != nil {
			r.logger.Printf("upload: extraction failed for session %s: %v", sess.ID, exErr)
			ex = extract.Extraction{}
		}
		lastExtraction = ex
		n = note.Fold(n, result.Text, ex)
	}

	if inserted > 0 {
		if err := r.store.SaveNote(req.Context(), sess.ID, n); err != nil {
			r.logger.Printf("upload: save note failed for session %s: %v", sess.ID, err)
		}
		symptoms := lastExtraction.Symptoms
		if symptoms == nil {
			symptoms = []string{}
		}
		diagnoses := lastExtraction.Diagnoses
		if diagnoses == nil {
			diagnoses = []string{}
		}
		if err := r.throttler.Finalize(req.Context(), findings.Finding{
			SessionID:      sess.ID,
			TimestampMs:    time.Now().UnixMilli(),
			Source:         r.findingSource,
			ChiefComplaint: n.ChiefComplaint,
			Symptoms:       symptoms,
			Diagnoses:      diagnoses,
		}); err != nil {
			r.logger.Printf("upload: finding persist failed for session %s: %v", sess.ID, err)
		}
	}

	spend := costs.CalculateSessionCosts(costs.SessionMetrics{
		UploadedAudioSeconds: costs.AudioSeconds(int64(len(wavBody)), audio.TargetSampleRate),
	})
	r.eventLog.LogAsync(sess.ID, eventlog.EventFallbackUploaded, map[string]any{
		"bytes":          len(wavBody),
		"segments":       inserted,
		"language":       language,
		"est_cost_cents": spend.TotalCostCents,
	})
	if r.metrics != nil {
		r.metrics.RecordFallbackUpload(true)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"segments":   inserted,
	})
}
