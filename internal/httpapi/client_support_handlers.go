package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/mvasko/medscribe/internal/asr"
)

// maxDetectBytes bounds the language detection sample. Three seconds of
// 16 kHz mono PCM is plenty; clients send roughly that much.
const maxDetectBytes = 2 << 20

// handleGetConsent reads the patient's consent record so the capture client
// can gate recording before it ever opens a device.
func (r *Router) handleGetConsent(w http.ResponseWriter, req *http.Request) {
	patientID := req.PathValue("patientID")
	if patientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing patient id"})
		return
	}

	granted, err := r.store.VerifyConsent(req.Context(), patientID)
	if err != nil {
		r.logger.Printf("consents: lookup failed for patient %s: %v", patientID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "consent lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

// handleDetectLanguage identifies the spoken language in a raw PCM sample.
// The capture client calls this once per auto-language session with its
// prebuffered audio; provider credentials stay on the server.
func (r *Router) handleDetectLanguage(w http.ResponseWriter, req *http.Request) {
	if r.provider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription not configured"})
		return
	}

	sampleRate, err := strconv.Atoi(req.URL.Query().Get("sample_rate"))
	if err != nil || sampleRate <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sample_rate"})
		return
	}

	pcm, err := io.ReadAll(io.LimitReader(req.Body, maxDetectBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read sample"})
		return
	}
	if len(pcm) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty sample"})
		return
	}

	language, err := r.provider.DetectLanguage(req.Context(), pcm, sampleRate)
	if err != nil {
		var rle *asr.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", rle.RetryAfter.String())
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "provider rate limited"})
			return
		}
		r.logger.Printf("detect-language: provider failed: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "language detection failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"language": language})
}
