// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBedrockAPI struct {
	input *bedrockruntime.InvokeModelInput
	body  []byte
	err   error
}

func (s *stubBedrockAPI) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput,
	_ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.input = params
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: s.body}, nil
}

func bedrockSuccessBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"content": []map[string]string{
			{"type": "text", "text": "platform answer"},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]int64{"input_tokens": 20, "output_tokens": 35},
	})
	require.NoError(t, err)
	return body
}

func TestBedrockComplete(t *testing.T) {
	api := &stubBedrockAPI{body: bedrockSuccessBody(t)}
	p := NewBedrockProvider(api, "")

	resp, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "platform answer", resp.Content)
	assert.Equal(t, int64(55), resp.TokensUsed)
	assert.Equal(t, defaultBedrockModel, resp.Model)

	require.NotNil(t, api.input)
	assert.Equal(t, defaultBedrockModel, *api.input.ModelId)
	assert.Equal(t, "application/json", *api.input.ContentType)

	var sent bedrockRequest
	require.NoError(t, json.Unmarshal(api.input.Body, &sent))
	assert.Equal(t, "bedrock-2023-05-31", sent.AnthropicVersion)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "hello", sent.Messages[0].Content)
}

func TestBedrockModelOverride(t *testing.T) {
	api := &stubBedrockAPI{body: bedrockSuccessBody(t)}
	p := NewBedrockProvider(api, "anthropic.claude-3-sonnet-20240229-v1:0")

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Prompt: "hello",
		Model:  "meta.llama3-70b-instruct-v1:0",
	})
	require.NoError(t, err)
	assert.Equal(t, "meta.llama3-70b-instruct-v1:0", resp.Model, "a per-request model wins over the provider default")
	assert.Equal(t, "meta.llama3-70b-instruct-v1:0", *api.input.ModelId)
}

func TestBedrockInvokeErrorIsRetryable(t *testing.T) {
	api := &stubBedrockAPI{err: errors.New("ThrottlingException: rate exceeded")}
	p := NewBedrockProvider(api, "")

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryable, Classify(p.Name(), nil, err).Outcome)
}

func TestBedrockMalformedResponse(t *testing.T) {
	api := &stubBedrockAPI{body: []byte("not json")}
	p := NewBedrockProvider(api, "")

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hello"})
	assert.Error(t, err)
}
