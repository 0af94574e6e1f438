package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"stagegate.evalgo.org/common"
)

// maxInputBytes approximates the provider token limit. Overlong input is
// truncated rather than rejected.
const maxInputBytes = 8192

// Remote is the provider-API embedding backend. Unlike the local model it
// is safe for concurrent use; the provider meters and may throttle calls,
// which surfaces as a transient error the caller can back off on.
type Remote struct {
	url    string
	apiKey string
	model  string
	dim    int
	client *http.Client
}

// NewRemote creates the remote backend.
func NewRemote(url, apiKey, model string, dim int) *Remote {
	return &Remote{
		url:    url,
		apiKey: apiKey,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimension implements Embedder.
func (r *Remote) Dimension() int { return r.dim }

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed implements Embedder.
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder. Blank inputs are skipped locally and
// come back nil; only non-blank texts are sent to the provider.
func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var payload []string
	var positions []int
	for i, text := range texts {
		if isBlank(text) {
			continue
		}
		if len(text) > maxInputBytes {
			text = text[:maxInputBytes]
		}
		payload = append(payload, text)
		positions = append(positions, i)
	}
	if len(payload) == 0 {
		return out, nil
	}

	body, err := json.Marshal(embedRequest{Model: r.model, Input: payload})
	if err != nil {
		return nil, common.NewFailure(err, "failed to encode embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, common.NewFailure(err, "failed to build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, common.NewTransient(err, "embedding provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, common.NewTransient(nil, "embedding provider returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, common.NewFailure(nil, "embedding provider returned %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, common.NewTransient(err, "failed to decode embedding response")
	}
	if len(decoded.Data) != len(payload) {
		return nil, common.NewFailure(nil, "provider returned %d vectors for %d inputs", len(decoded.Data), len(payload))
	}

	for j, item := range decoded.Data {
		vec := item.Embedding
		if len(vec) != r.dim {
			return nil, common.NewFailure(nil, "provider returned dimension %d, want %d", len(vec), r.dim)
		}
		out[positions[j]] = Normalize(vec)
	}

	return out, nil
}
