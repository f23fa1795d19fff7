package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

const entityPrompt = `You are a clinical entity extractor. Given a fragment of a medical consultation transcript, return a JSON object with two arrays of lowercase strings: "symptoms" (patient-reported symptoms) and "diagnoses" (conditions named or strongly implied). Return only entities actually present in the text. Respond with JSON only.`

// OpenAIExtractor implements Extractor using OpenAI's chat completions API.
// Used server-side; its output is authoritative over the local heuristic.
type OpenAIExtractor struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI extractor.
type OpenAIConfig struct {
	APIKey     string
	Model      string // e.g., "gpt-4o-mini"
	HTTPClient *http.Client
}

// NewOpenAIExtractor creates a new OpenAI-backed extractor.
func NewOpenAIExtractor(cfg OpenAIConfig) *OpenAIExtractor {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIExtractor{
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract runs one entity extraction pass over the text.
func (c *OpenAIExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: entityPrompt},
			{Role: "user", Content: text},
		},
		Temperature:    0,
		MaxTokens:      300,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Extraction{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiAPIURL, bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Extraction{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Extraction{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, raw)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Extraction{}, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Extraction{}, fmt.Errorf("openai: empty choices")
	}

	var out Extraction
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &out); err != nil {
		return Extraction{}, fmt.Errorf("parse entities: %w", err)
	}
	return out, nil
}
