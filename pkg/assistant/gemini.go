package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	geminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
	defaultTimeout = 120 * time.Second

	// generationTemperature keeps code generation deterministic enough to be
	// mountable without being fully canned.
	generationTemperature = 0.4
)

// systemInstruction steers the model toward the JSON payload the room and the
// execution environment consume.
const systemInstruction = `You are an expert developer with extensive knowledge across web, mobile, data, and infrastructure domains.

You excel at writing clean, modular, maintainable code with proper error handling, and at breaking complex problems into manageable components.

Always respond with a JSON object. For conversational replies use {"text": "..."}. For code solutions additionally include "fileTree" (nested {"file":{"contents":...}} / {"directory":{...}} entries), and optionally "buildCommand" and "startCommand" ({"mainItem": "...", "commands": ["..."]}).

IMPORTANT: keep file names unique and descriptive.`

// GeminiClient talks to the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures a GeminiClient.
type Option func(*GeminiClient)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(baseURL string) Option {
	return func(c *GeminiClient) { c.baseURL = baseURL }
}

// WithModel overrides the model ID.
func WithModel(model string) Option {
	return func(c *GeminiClient) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// NewGeminiClient builds a client for the Gemini API.
func NewGeminiClient(apiKey string, opts ...Option) *GeminiClient {
	c := &GeminiClient{
		apiKey:     apiKey,
		baseURL:    geminiBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete runs a single completion request and returns the raw reply text.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	payload := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      generationTemperature,
			ResponseMimeType: "application/json",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("assistant request: %w", err)
	}
	defer resp.Body.Close()

	var genResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("assistant response decode: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if genResp.Error != nil && genResp.Error.Message != "" {
			return "", fmt.Errorf("assistant request failed: %s", genResp.Error.Message)
		}
		return "", fmt.Errorf("assistant request failed: %s", resp.Status)
	}

	if len(genResp.Candidates) == 0 {
		return "", fmt.Errorf("assistant returned no candidates")
	}

	var sb strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("assistant returned an empty reply")
	}
	return sb.String(), nil
}
