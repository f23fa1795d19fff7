package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/store"
)

type createSessionRequest struct {
	PatientID    string `json:"patient_id"`
	LanguageMode string `json:"language_mode"`
	Language     string `json:"language"`
}

func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	account := getAuthAccount(req.Context())

	var body createSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.PatientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "patient_id is required"})
		return
	}

	switch body.LanguageMode {
	case "":
		body.LanguageMode = store.LanguageModeAuto
	case store.LanguageModeAuto:
	case store.LanguageModeFixed:
		if body.Language == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "language is required in fixed mode"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown language_mode"})
		return
	}

	// Consent is checked on every session start, never cached.
	granted, err := r.store.VerifyConsent(req.Context(), body.PatientID)
	if err != nil {
		r.logger.Printf("sessions: consent check failed for patient %s: %v", body.PatientID, err)
		captureError(req, err, "sessions: consent check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "consent verification failed"})
		return
	}
	if !granted {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "patient consent not on record"})
		return
	}

	sess, err := r.store.CreateSession(req.Context(), body.PatientID, account.ID, body.LanguageMode, body.Language)
	if err != nil {
		r.logger.Printf("sessions: create failed: %v", err)
		captureError(req, err, "sessions: create failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create session"})
		return
	}

	r.eventLog.LogAsync(sess.ID, eventlog.EventSessionStarted, map[string]any{
		"patient_id":    sess.PatientID,
		"account_id":    sess.AccountID,
		"language_mode": sess.LanguageMode,
	})
	if r.metrics != nil {
		r.metrics.RecordSessionStarted()
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleListSegments(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}

	segments, err := r.store.ListSegments(req.Context(), sess.ID)
	if err != nil {
		r.logger.Printf("sessions: list segments failed for %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list segments"})
		return
	}
	if segments == nil {
		segments = []store.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segments})
}

func (r *Router) handleGetNote(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}

	n, err := r.store.GetNote(req.Context(), sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, note.LiveNote{})
		return
	}
	if err != nil {
		r.logger.Printf("sessions: get note failed for %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load note"})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (r *Router) handlePauseSession(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}
	if sess.State == store.SessionClosed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already finalized"})
		return
	}
	if err := r.store.UpdateSessionState(req.Context(), sess.ID, store.SessionPaused); err != nil {
		r.logger.Printf("sessions: pause failed for %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to pause session"})
		return
	}
	r.eventLog.LogAsync(sess.ID, eventlog.EventSessionPaused, nil)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "state": store.SessionPaused})
}

func (r *Router) handleResumeSession(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}
	if sess.State == store.SessionClosed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already finalized"})
		return
	}
	if err := r.store.UpdateSessionState(req.Context(), sess.ID, store.SessionRecording); err != nil {
		r.logger.Printf("sessions: resume failed for %s: %v", sess.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to resume session"})
		return
	}
	r.eventLog.LogAsync(sess.ID, eventlog.EventSessionResumed, nil)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID, "state": store.SessionRecording})
}

func (r *Router) handleFinalizeSession(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.loadOwnedSession(w, req)
	if !ok {
		return
	}

	won, err := r.store.FinalizeSession(req.Context(), sess.ID, nowUTC())
	if err != nil {
		r.logger.Printf("sessions: finalize failed for %s: %v", sess.ID, err)
		captureError(req, err, "sessions: finalize failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to finalize session"})
		return
	}

	if won {
		r.eventLog.LogAsync(sess.ID, eventlog.EventSessionFinalized, map[string]any{
			"via": "api",
		})
		if r.metrics != nil {
			r.metrics.RecordSessionFinished(nowUTC().Sub(sess.StartedAt).Seconds())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"finalized":  true,
		"first":      won,
	})
}

// loadOwnedSession resolves the {id} path value to a session owned by the
// authenticated account. Sessions of other accounts read as not found.
func (r *Router) loadOwnedSession(w http.ResponseWriter, req *http.Request) (store.Session, bool) {
	account := getAuthAccount(req.Context())
	id := req.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session id"})
		return store.Session{}, false
	}

	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return store.Session{}, false
	}
	if err != nil {
		r.logger.Printf("sessions: load failed for %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
		return store.Session{}, false
	}
	if sess.AccountID != account.ID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return store.Session{}, false
	}
	return sess, true
}
