// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"

// BedrockAPI is the slice of the Bedrock runtime client we use, extracted so
// tests can stub it.
type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput,
		optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider serves platform-managed tenants: authentication is the
// platform's IAM role, so no tenant credential is involved.
type BedrockProvider struct {
	client BedrockAPI
	model  string
}

// NewBedrockProvider wraps a Bedrock runtime client.
func NewBedrockProvider(client BedrockAPI, model string) *BedrockProvider {
	if model == "" {
		model = defaultBedrockModel
	}
	return &BedrockProvider{client: client, model: model}
}

// Name implements Provider.
func (p *BedrockProvider) Name() string { return "bedrock" }

type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	Messages         []anthropicMessage `json:"messages"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements Provider via InvokeModel with the Anthropic-family
// request shape.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:        maxTokens,
		System:           req.System,
		StopSequences:    req.StopAfter,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		// The SDK surfaces throttling and 5xx as errors; let the chain
		// classifier treat them as retryable.
		return nil, fmt.Errorf("invoking model %s: %w", model, err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &CompletionResponse{
		Content:    content,
		Model:      model,
		TokensUsed: parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		StopReason: parsed.StopReason,
		Latency:    time.Since(start),
	}, nil
}
