package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// gatewayAPI is the capture client's REST surface on the session gateway.
// It also implements langdetect.Detector via the detect-language endpoint,
// so provider credentials never leave the server.
type gatewayAPI struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newGatewayAPI(baseURL, token string) *gatewayAPI {
	return &gatewayAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// wsURL derives the duplex stream endpoint from the HTTP base URL.
func (g *gatewayAPI) wsURL(sessionID string) string {
	base := g.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/stream?session_id=" + sessionID
}

func (g *gatewayAPI) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+g.token)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// VerifyConsent checks the patient's consent record on the gateway.
func (g *gatewayAPI) VerifyConsent(ctx context.Context, patientID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/consents/"+patientID, nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Granted bool `json:"granted"`
	}
	if err := g.do(req, &resp); err != nil {
		return false, fmt.Errorf("consent lookup: %w", err)
	}
	return resp.Granted, nil
}

// CreateSession opens a new recording session and returns its id.
func (g *gatewayAPI) CreateSession(ctx context.Context, patientID, languageMode, language string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"patient_id":    patientID,
		"language_mode": languageMode,
		"language":      language,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ID string `json:"id"`
	}
	if err := g.do(req, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: gateway returned no id")
	}
	return resp.ID, nil
}

// PauseSession marks the session paused on the gateway.
func (g *gatewayAPI) PauseSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/sessions/"+sessionID+"/pause", nil)
	if err != nil {
		return err
	}
	if err := g.do(req, nil); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	return nil
}

// ResumeSession marks a paused session recording again.
func (g *gatewayAPI) ResumeSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/sessions/"+sessionID+"/resume", nil)
	if err != nil {
		return err
	}
	if err := g.do(req, nil); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	return nil
}

// FinalizeSession asks the gateway to close the session.
func (g *gatewayAPI) FinalizeSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/sessions/"+sessionID+"/finalize", nil)
	if err != nil {
		return err
	}
	if err := g.do(req, nil); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// DetectLanguage classifies a PCM sample through the gateway.
func (g *gatewayAPI) DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	url := g.baseURL + "/api/detect-language?sample_rate=" + strconv.Itoa(sampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(pcm))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var resp struct {
		Language string `json:"language"`
	}
	if err := g.do(req, &resp); err != nil {
		return "", fmt.Errorf("detect language: %w", err)
	}
	return resp.Language, nil
}
