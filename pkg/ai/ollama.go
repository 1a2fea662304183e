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

type ollamaProvider struct {
	baseURL     string
	model       string
	embedModel  string
	visionModel string
	dimensions  int
	client      *http.Client
	policy      Policy
}

func newOllamaProvider(cfg Config) (*ollamaProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = model
	}
	dims := cfg.Dimensions
	if dims == 0 {
		dims = 768
	}

	policy := PolicyFor("ollama")
	if cfg.Timeout > 0 {
		policy.Timeout = cfg.Timeout
	}

	return &ollamaProvider{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		embedModel:  embedModel,
		visionModel: visionModel,
		dimensions:  dims,
		client:      &http.Client{Timeout: policy.Timeout},
		policy:      policy,
	}, nil
}

func (p *ollamaProvider) Name() string    { return "ollama" }
func (p *ollamaProvider) Dimensions() int { return p.dimensions }

func (p *ollamaProvider) Extract(ctx context.Context, req ExtractionRequest) (*Extraction, error) {
	if p.model == "" {
		return nil, fmt.Errorf("ollama: model not specified (set OLLAMA_MODEL or config)")
	}
	text, err := p.generate(ctx, p.model, extractionSystemPrompt+"\n\n"+buildExtractionPrompt(req), nil)
	if err != nil {
		return nil, err
	}
	return parseExtraction(text)
}

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	release, err := AcquireSlot(ctx, p.Name(), p.policy.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	defer release()

	return WithRetry(ctx, p.policy.MaxRetries, func(ctx context.Context) ([]float32, error) {
		payload := map[string]any{"model": p.embedModel, "prompt": text}
		var result struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := p.post(ctx, "/api/embeddings", payload, &result); err != nil {
			return nil, err
		}
		if len(result.Embedding) == 0 {
			return nil, fmt.Errorf("ollama: empty embedding for model %s", p.embedModel)
		}
		vec := make([]float32, len(result.Embedding))
		for i, v := range result.Embedding {
			vec[i] = float32(v)
		}
		return vec, nil
	})
}

func (p *ollamaProvider) Describe(ctx context.Context, image []byte, prompt string) (*VisionResult, error) {
	if p.visionModel == "" {
		return nil, fmt.Errorf("ollama: vision model not specified")
	}
	if prompt == "" {
		prompt = DefaultVisionPrompt
	}
	text, usage, err := p.generateWithUsage(ctx, p.visionModel, prompt, image)
	if err != nil {
		return nil, err
	}
	return &VisionResult{Text: text, Tokens: usage, Model: p.visionModel, Provider: p.Name()}, nil
}

func (p *ollamaProvider) Complete(ctx context.Context, prompt string) (string, TokenUsage, error) {
	if p.model == "" {
		return "", TokenUsage{}, fmt.Errorf("ollama: model not specified (set OLLAMA_MODEL or config)")
	}
	return p.generateWithUsage(ctx, p.model, prompt, nil)
}

func (p *ollamaProvider) generate(ctx context.Context, model, prompt string, image []byte) (string, error) {
	text, _, err := p.generateWithUsage(ctx, model, prompt, image)
	return text, err
}

func (p *ollamaProvider) generateWithUsage(ctx context.Context, model, prompt string, image []byte) (string, TokenUsage, error) {
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
			"model":  model,
			"prompt": prompt,
			"stream": false,
		}
		if len(image) > 0 {
			payload["images"] = []string{base64.StdEncoding.EncodeToString(image)}
		}
		var result struct {
			Response        string `json:"response"`
			PromptEvalCount int    `json:"prompt_eval_count"`
			EvalCount       int    `json:"eval_count"`
		}
		if err := p.post(ctx, "/api/generate", payload, &result); err != nil {
			return reply{}, err
		}
		return reply{
			text: result.Response,
			usage: TokenUsage{
				Input:  result.PromptEvalCount,
				Output: result.EvalCount,
				Total:  result.PromptEvalCount + result.EvalCount,
			},
		}, nil
	})
	if err != nil {
		return "", TokenUsage{}, err
	}
	return out.text, out.usage, nil
}

func (p *ollamaProvider) post(ctx context.Context, path string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &RateLimitError{Provider: "ollama", Status: resp.StatusCode, Message: string(bodyBytes)}
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama %s error (status %d): %s", path, resp.StatusCode, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

var _ Provider = (*ollamaProvider)(nil)
