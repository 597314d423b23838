package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *GeminiClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewGeminiClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	return srv, client
}

func TestCompleteSuccess(t *testing.T) {
	var gotPath string
	var gotReq geminiRequest
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": `{"text":"hi`},
					{"text": ` there"}`},
				}}},
			},
		})
	})

	got, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hi there"}`, got)

	assert.Equal(t, "/models/"+defaultModel+":generateContent", gotPath)
	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, "hello", gotReq.Contents[0].Parts[0].Text)
	require.NotNil(t, gotReq.SystemInstruction)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, generationTemperature, gotReq.GenerationConfig.Temperature, 1e-9)
}

func TestCompleteAPIError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 429, "message": "quota exceeded"},
		})
	})

	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestCompleteNoCandidates(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	})

	_, err := client.Complete(context.Background(), "hello")
	assert.Error(t, err)
}

func TestCompleteRespectsContext(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "hello")
	assert.Error(t, err)
}

func TestParseResultPlainText(t *testing.T) {
	got := ParseResult("just words, not json")
	assert.Equal(t, "just words, not json", got.Text)
	assert.Nil(t, got.FileTree)
}

func TestParseResultStructured(t *testing.T) {
	raw := `{
		"text": "Here's a basic Express server:",
		"fileTree": {
			"app.js": {"file": {"contents": "const express = require('express');"}}
		},
		"buildCommand": {"mainItem": "npm", "commands": ["install"]},
		"startCommand": {"mainItem": "node", "commands": ["app.js"]}
	}`

	got := ParseResult(raw)
	assert.Equal(t, "Here's a basic Express server:", got.Text)
	require.NotNil(t, got.FileTree)
	require.NotNil(t, got.FileTree["app.js"])
	assert.True(t, got.FileTree["app.js"].IsFile())
	require.NotNil(t, got.BuildCommand)
	assert.Equal(t, "npm", got.BuildCommand.MainItem)
	require.NotNil(t, got.StartCommand)
	assert.Equal(t, []string{"app.js"}, got.StartCommand.Commands)
}

func TestParseResultFencedJSON(t *testing.T) {
	raw := "```json\n{\"text\":\"fenced\"}\n```"
	got := ParseResult(raw)
	assert.Equal(t, "fenced", got.Text)
}

func TestParseResultEmptyJSONObject(t *testing.T) {
	// Decodes but carries nothing useful; fall back to the raw reply.
	got := ParseResult(`{}`)
	assert.Equal(t, `{}`, got.Text)
}
