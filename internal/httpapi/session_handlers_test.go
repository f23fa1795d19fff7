package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/store"
)

const testJWTSecret = "test-secret"

func newTestRouter(t *testing.T, fs *fakeStore, provider asr.Provider) (*Router, http.Handler) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	cfg := RouterConfig{
		JWTSecret: testJWTSecret,
		JWTExpiry: time.Hour,
	}
	return NewRouter(cfg, logger, fs, eventlog.New(nil), provider, nil)
}

func authedRequest(t *testing.T, method, target, accountID string, body io.Reader) *http.Request {
	t.Helper()
	token, err := GenerateToken(testJWTSecret, accountID, "device-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthMiddleware(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestRouter(t, fs, nil)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestRouter(t, fs, nil)

	token, err := GenerateToken(testJWTSecret, "acct-1", "device-1", -time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCreateSession_ConsentRequired(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestRouter(t, fs, nil)

	body := strings.NewReader(`{"patient_id": "patient-1"}`)
	req := authedRequest(t, http.MethodPost, "/api/sessions", "acct-1", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if len(fs.sessions) != 0 {
		t.Error("no session should be created without consent")
	}
}

func TestCreateSession_WithConsent(t *testing.T) {
	fs := newFakeStore()
	fs.consents["patient-1"] = true
	_, handler := newTestRouter(t, fs, nil)

	body := strings.NewReader(`{"patient_id": "patient-1", "language_mode": "fixed", "language": "cs"}`)
	req := authedRequest(t, http.MethodPost, "/api/sessions", "acct-1", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var sess store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sess.AccountID != "acct-1" {
		t.Errorf("account_id = %q, want acct-1", sess.AccountID)
	}
	if sess.State != store.SessionRecording {
		t.Errorf("state = %q, want %q", sess.State, store.SessionRecording)
	}
	if sess.LanguageMode != store.LanguageModeFixed || sess.Language != "cs" {
		t.Errorf("language_mode/language = %q/%q, want fixed/cs", sess.LanguageMode, sess.Language)
	}
}

func TestCreateSession_FixedModeRequiresLanguage(t *testing.T) {
	fs := newFakeStore()
	fs.consents["patient-1"] = true
	_, handler := newTestRouter(t, fs, nil)

	body := strings.NewReader(`{"patient_id": "patient-1", "language_mode": "fixed"}`)
	req := authedRequest(t, http.MethodPost, "/api/sessions", "acct-1", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetSession_OwnershipEnforced(t *testing.T) {
	fs := newFakeStore()
	sess, _ := fs.CreateSession(context.Background(), "patient-1", "acct-1", store.LanguageModeAuto, "")
	_, handler := newTestRouter(t, fs, nil)

	// Owner sees the session.
	req := authedRequest(t, http.MethodGet, "/api/sessions/"+sess.ID, "acct-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("owner status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Another account reads it as not found.
	req = authedRequest(t, http.MethodGet, "/api/sessions/"+sess.ID, "acct-2", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("other account status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPauseResumeSession_ProjectsState(t *testing.T) {
	fs := newFakeStore()
	sess, _ := fs.CreateSession(context.Background(), "patient-1", "acct-1", store.LanguageModeAuto, "")
	_, handler := newTestRouter(t, fs, nil)

	req := authedRequest(t, http.MethodPost, "/api/sessions/"+sess.ID+"/pause", "acct-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got, _ := fs.GetSession(context.Background(), sess.ID); got.State != store.SessionPaused {
		t.Errorf("state after pause = %q, want %q", got.State, store.SessionPaused)
	}

	req = authedRequest(t, http.MethodPost, "/api/sessions/"+sess.ID+"/resume", "acct-1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got, _ := fs.GetSession(context.Background(), sess.ID); got.State != store.SessionRecording {
		t.Errorf("state after resume = %q, want %q", got.State, store.SessionRecording)
	}

	// A finalized session can no longer be paused.
	req = authedRequest(t, http.MethodPost, "/api/sessions/"+sess.ID+"/finalize", "acct-1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	req = authedRequest(t, http.MethodPost, "/api/sessions/"+sess.ID+"/pause", "acct-1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause after finalize status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestFinalizeSession_Idempotent(t *testing.T) {
	fs := newFakeStore()
	sess, _ := fs.CreateSession(context.Background(), "patient-1", "acct-1", store.LanguageModeAuto, "")
	_, handler := newTestRouter(t, fs, nil)

	for i, wantFirst := range []bool{true, false} {
		req := authedRequest(t, http.MethodPost, "/api/sessions/"+sess.ID+"/finalize", "acct-1", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d, want %d", i, rec.Code, http.StatusOK)
		}
		var resp struct {
			Finalized bool `json:"finalized"`
			First     bool `json:"first"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.Finalized {
			t.Errorf("call %d finalized = false, want true", i)
		}
		if resp.First != wantFirst {
			t.Errorf("call %d first = %v, want %v", i, resp.First, wantFirst)
		}
	}

	if fs.finalizes != 1 {
		t.Errorf("store finalize count = %d, want 1", fs.finalizes)
	}
}

func TestGetNote_EmptyBeforeFirstSave(t *testing.T) {
	fs := newFakeStore()
	sess, _ := fs.CreateSession(context.Background(), "patient-1", "acct-1", store.LanguageModeAuto, "")
	_, handler := newTestRouter(t, fs, nil)

	req := authedRequest(t, http.MethodGet, "/api/sessions/"+sess.ID+"/note", "acct-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Errorf("body = %q, want empty note object", body)
	}
}

func TestRouterWithoutModelKeyTagsFindingsHeuristic(t *testing.T) {
	fs := newFakeStore()
	r, _ := newTestRouter(t, fs, nil)
	if r.findingSource != findings.SourceHeuristic {
		t.Errorf("finding source = %q, want %q without a model key", r.findingSource, findings.SourceHeuristic)
	}
}

func TestHealthz(t *testing.T) {
	fs := newFakeStore()
	_, handler := newTestRouter(t, fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
