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

type openaiProvider struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	dimensions int
	client     *http.Client
	policy     Policy
}

func newOpenAIProvider(cfg Config) (*openaiProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key not set (OPENAI_API_KEY)")
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	dims := cfg.Dimensions
	if dims == 0 {
		dims = 1536
	}

	policy := PolicyFor("openai")
	if cfg.Timeout > 0 {
		policy.Timeout = cfg.Timeout
	}

	return &openaiProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
		dimensions: dims,
		client:     &http.Client{Timeout: policy.Timeout},
		policy:     policy,
	}, nil
}

func (p *openaiProvider) Name() string    { return "openai" }
func (p *openaiProvider) Dimensions() int { return p.dimensions }

func (p *openaiProvider) Extract(ctx context.Context, req ExtractionRequest) (*Extraction, error) {
	messages := []map[string]any{
		{"role": "system", "content": extractionSystemPrompt},
		{"role": "user", "content": buildExtractionPrompt(req)},
	}
	text, _, err := p.chat(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	return parseExtraction(text)
}

func (p *openaiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	release, err := AcquireSlot(ctx, p.Name(), p.policy.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	defer release()

	return WithRetry(ctx, p.policy.MaxRetries, func(ctx context.Context) ([]float32, error) {
		payload := map[string]any{
			"model": p.embedModel,
			"input": text,
		}
		var result struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := p.post(ctx, "/embeddings", payload, &result); err != nil {
			return nil, err
		}
		if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("openai: empty embedding response")
		}
		return result.Data[0].Embedding, nil
	})
}

func (p *openaiProvider) Describe(ctx context.Context, image []byte, prompt string) (*VisionResult, error) {
	if prompt == "" {
		prompt = DefaultVisionPrompt
	}
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	messages := []map[string]any{
		{"role": "user", "content": []map[string]any{
			{"type": "text", "text": prompt},
			{"type": "image_url", "image_url": map[string]any{"url": dataURI}},
		}},
	}
	text, usage, err := p.chat(ctx, messages, false)
	if err != nil {
		return nil, err
	}
	return &VisionResult{Text: text, Tokens: usage, Model: p.model, Provider: p.Name()}, nil
}

func (p *openaiProvider) Complete(ctx context.Context, prompt string) (string, TokenUsage, error) {
	messages := []map[string]any{
		{"role": "user", "content": prompt},
	}
	return p.chat(ctx, messages, false)
}

func (p *openaiProvider) chat(ctx context.Context, messages []map[string]any, jsonMode bool) (string, TokenUsage, error) {
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
			"model":    p.model,
			"messages": messages,
		}
		if jsonMode {
			payload["response_format"] = map[string]string{"type": "json_object"}
		}
		var result struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := p.post(ctx, "/chat/completions", payload, &result); err != nil {
			return reply{}, err
		}
		if len(result.Choices) == 0 {
			return reply{}, fmt.Errorf("openai: empty choices in response")
		}
		return reply{
			text: result.Choices[0].Message.Content,
			usage: TokenUsage{
				Input:  result.Usage.PromptTokens,
				Output: result.Usage.CompletionTokens,
				Total:  result.Usage.TotalTokens,
			},
		}, nil
	})
	if err != nil {
		return "", TokenUsage{}, err
	}
	return out.text, out.usage, nil
}

func (p *openaiProvider) post(ctx context.Context, path string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &RateLimitError{Provider: "openai", Status: resp.StatusCode, Message: string(bodyBytes)}
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai %s error (status %d): %s", path, resp.StatusCode, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

var _ Provider = (*openaiProvider)(nil)
