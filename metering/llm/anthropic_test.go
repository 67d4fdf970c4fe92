// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicTestServer(t *testing.T, status int, body interface{}) (*httptest.Server, *http.Request, *[]byte) {
	t.Helper()
	var capturedReq http.Request
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedReq = *r
		capturedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &capturedReq, &capturedBody
}

func successBody() map[string]interface{} {
	return map[string]interface{}{
		"id":    "msg_1",
		"model": "claude-3-haiku-20240307",
		"content": []map[string]string{
			{"type": "text", "text": "hello "},
			{"type": "text", "text": "world"},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]int64{"input_tokens": 12, "output_tokens": 30},
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv, req, body := anthropicTestServer(t, http.StatusOK, successBody())
	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Prompt:    "say hello",
		System:    "be brief",
		MaxTokens: 128,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Content, "text blocks are concatenated")
	assert.Equal(t, int64(42), resp.TokensUsed, "usage is input plus output tokens")
	assert.Equal(t, "end_turn", resp.StopReason)

	assert.Equal(t, "sk-ant-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, req.Header.Get("anthropic-version"))

	var sent anthropicRequest
	require.NoError(t, json.Unmarshal(*body, &sent))
	assert.Equal(t, "be brief", sent.System)
	assert.Equal(t, 128, sent.MaxTokens)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "say hello", sent.Messages[0].Content)
}

func TestAnthropicDefaultsModelAndMaxTokens(t *testing.T) {
	srv, _, body := anthropicTestServer(t, http.StatusOK, successBody())
	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	var sent anthropicRequest
	require.NoError(t, json.Unmarshal(*body, &sent))
	assert.Equal(t, defaultAnthropicModel, sent.Model)
	assert.Equal(t, defaultMaxTokens, sent.MaxTokens)
}

func TestAnthropicParsesAPIError(t *testing.T) {
	srv, _, _ := anthropicTestServer(t, http.StatusTooManyRequests, map[string]interface{}{
		"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
	})
	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
	assert.True(t, apiErr.IsRateLimit())
	assert.False(t, apiErr.IsAuthError())
}

func TestAnthropicAuthError(t *testing.T) {
	srv, _, _ := anthropicTestServer(t, http.StatusUnauthorized, map[string]interface{}{
		"error": map[string]string{"type": "authentication_error", "message": "invalid x-api-key"},
	})
	p := NewAnthropicProvider("sk-ant-bad", WithAnthropicBaseURL(srv.URL))

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsAuthError())
	assert.Equal(t, OutcomeFatal, Classify(p.Name(), nil, err).Outcome)
}

func TestAnthropicRespectsContextCancellation(t *testing.T) {
	srv, _, _ := anthropicTestServer(t, http.StatusOK, successBody())
	p := NewAnthropicProvider("sk-ant-test", WithAnthropicBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Complete(ctx, CompletionRequest{Prompt: "hi"})
	assert.Error(t, err)
}
