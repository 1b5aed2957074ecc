package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"llmctl/internal/errors"
)

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint, the
// interface exposed by llama.cpp server, vLLM, and Ollama's compat layer.
type HTTPEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPEmbedder constructs an embedder against the given base URL.
func NewHTTPEmbedder(baseURL, model string, httpClient *http.Client) (*HTTPEmbedder, error) {
	if baseURL == "" {
		return nil, errors.New(errors.CodeValidation, "embedder base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ClassifyProvider(err), err, "embedding request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(errors.CodeProviderUnavailable, err, "read embedding response")
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding server returned %d", resp.StatusCode)
		return nil, errors.Wrap(errors.ClassifyProvider(err), err, "embedding request")
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "decode embedding response")
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, errors.New(errors.CodeInternal, "embedding response is empty")
	}
	return parsed.Data[0].Embedding, nil
}
