// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

type anthropicProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	policy  Policy
}

func newAnthropicProvider(cfg Config) (*anthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key not set (ANTHROPIC_API_KEY)")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	policy := PolicyFor("anthropic")
	if cfg.Timeout > 0 {
		policy.Timeout = cfg.Timeout
	}

	return &anthropicProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: policy.Timeout},
		policy:  policy,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

// Dimensions is unsupported: Anthropic exposes no embedding endpoint.
func (p *anthropicProvider) Dimensions() int { return 0 }

func (p *anthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported; configure an embedding provider (ollama or openai)")
}

func (p *anthropicProvider) Extract(ctx context.Context, req ExtractionRequest) (*Extraction, error) {
	content := []map[string]any{{"type": "text", "text": buildExtractionPrompt(req)}}
	text, _, err := p.messages(ctx, extractionSystemPrompt, content)
	if err != nil {
		return nil, err
	}
	return parseExtraction(text)
}

func (p *anthropicProvider) Describe(ctx context.Context, image []byte, prompt string) (*VisionResult, error) {
	if prompt == "" {
		prompt = DefaultVisionPrompt
	}
	content := []map[string]any{
		{"type": "image", "source": map[string]any{
			"type":       "base64",
			"media_type": "image/jpeg",
			"data":       base64.StdEncoding.EncodeToString(image),
		}},
		{"type": "text", "text": prompt},
	}
	text, usage, err := p.messages(ctx, "", content)
	if err != nil {
		return nil, err
	}
	return &VisionResult{Text: text, Tokens: usage, Model: p.model, Provider: p.Name()}, nil
}

func (p *anthropicProvider) Complete(ctx context.Context, prompt string) (string, TokenUsage, error) {
	content := []map[string]any{{"type": "text", "text": prompt}}
	return p.messages(ctx, "", content)
}

func (p *anthropicProvider) messages(ctx context.Context, system string, content []map[string]any) (string, TokenUsage, error) {
	release, err := AcquireSlot(ctx, p.Name(), p.policy.MaxConcurrent)
	if err != nil {
		return "", TokenUsage{}, err
	}
	defer release()

	type reply struct {
		text  string
		usage TokenUsage
	}
	out, err := WithRetry(ctx, p.policy.MaxRetries, func(ctx context.Context) (reply, error) {
		payload := map[string]any{
			"model":      p.model,
			"max_tokens": 8192,
			"messages": []map[string]any{
				{"role": "user", "content": content},
			},
		}
		if system != "" {
			payload["system"] = system
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return reply{}, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return reply{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return reply{}, fmt.Errorf("anthropic messages: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return reply{}, &RateLimitError{Provider: "anthropic", Status: resp.StatusCode, Message: string(bodyBytes)}
		}
		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return reply{}, fmt.Errorf("anthropic messages error (status %d): %s", resp.StatusCode, string(bodyBytes))
		}

		var result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return reply{}, err
		}

		var text strings.Builder
		for _, block := range result.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return reply{
			text: text.String(),
			usage: TokenUsage{
				Input:  result.Usage.InputTokens,
				Output: result.Usage.OutputTokens,
				Total:  result.Usage.InputTokens + result.Usage.OutputTokens,
			},
		}, nil
	})
	if err != nil {
		return "", TokenUsage{}, err
	}
	return out.text, out.usage, nil
}

var _ Provider = (*anthropicProvider)(nil)
