package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"stagegate.evalgo.org/common"
)

// Provider is one external AI text provider. The creative and refine
// stages are two providers behind the same interface.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// HTTPProvider calls a JSON completion endpoint. Throttling and server
// errors surface as transient so the pipeline's retry budget applies.
type HTTPProvider struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(url, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 45 * time.Second},
	}
}

type completionRequest struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// Complete implements Provider.
func (p *HTTPProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Model: p.model, System: system, Prompt: prompt})
	if err != nil {
		return "", common.NewFailure(err, "failed to encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/completions", bytes.NewReader(body))
	if err != nil {
		return "", common.NewFailure(err, "failed to build completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", common.NewTransient(err, "completion provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", common.NewTransient(nil, "completion provider returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", common.NewFailure(nil, "completion provider returned %d", resp.StatusCode)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", common.NewTransient(err, "failed to decode completion response")
	}
	if strings.TrimSpace(decoded.Text) == "" {
		return "", common.NewFailure(nil, "completion provider returned empty text")
	}
	return decoded.Text, nil
}

// SplitBubbles turns a refined response into ordered chat bubbles, one
// per non-empty line.
func SplitBubbles(refined string) []string {
	var bubbles []string
	for _, line := range strings.Split(refined, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line == "" {
			continue
		}
		bubbles = append(bubbles, line)
	}
	return bubbles
}
