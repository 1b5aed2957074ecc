package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"llmctl/internal/errors"
)

func TestHTTPEmbedderParsesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"hello"}, req.Input)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	embedder, err := NewHTTPEmbedder(srv.URL, "embed-model", srv.Client())
	require.NoError(t, err)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPEmbedderClassifiesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	embedder, err := NewHTTPEmbedder(srv.URL, "", srv.Client())
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Equal(t, errors.CodeProviderUnavailable, errors.CodeOf(err))
}

func TestHTTPEmbedderRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPEmbedder("", "", nil)
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
