package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"llmctl/internal/envelope"
	"llmctl/internal/errors"
)

func TestLocalAdapterDispatch(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "pong"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	adapter, err := NewLocalAdapter(srv.URL, "qwen3-14b", srv.Client())
	require.NoError(t, err)

	result, err := adapter.Dispatch(context.Background(), &Request{
		DispatchID: "D-1",
		Envelope: &envelope.Envelope{
			SystemContract: "be terse",
			UserRequest:    "say ping",
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, "pong", result.Stdout)
	require.Equal(t, int64(12), result.InputTokens)
	require.Equal(t, int64(3), result.OutputTokens)
	require.Equal(t, "stop", result.StopReason)
	require.Equal(t, "D-1", result.Metadata["provider_dispatch_id"])

	require.Equal(t, "qwen3-14b", captured.Model)
	require.Equal(t, "system", captured.Messages[0].Role)
	require.Contains(t, captured.Messages[0].Content, "be terse")
	require.Equal(t, "user", captured.Messages[1].Role)
	require.Contains(t, captured.Messages[1].Content, "say ping")
}

func TestLocalAdapterClassifiesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter, err := NewLocalAdapter(srv.URL, "m", srv.Client())
	require.NoError(t, err)

	_, err = adapter.Dispatch(context.Background(), &Request{
		Envelope: &envelope.Envelope{UserRequest: "x"},
	})
	require.Error(t, err)
	require.Equal(t, errors.CodeProviderUnavailable, errors.CodeOf(err))
	require.True(t, errors.IsRetryable(err))
}

func TestLocalAdapterClassifiesConnectionRefused(t *testing.T) {
	adapter, err := NewLocalAdapter("http://127.0.0.1:1", "m", nil)
	require.NoError(t, err)

	_, err = adapter.Dispatch(context.Background(), &Request{
		Envelope: &envelope.Envelope{UserRequest: "x"},
	})
	require.Error(t, err)
	require.Equal(t, errors.CodeProviderUnavailable, errors.CodeOf(err))
}

func TestLocalAdapterRequiresEnvelope(t *testing.T) {
	adapter, err := NewLocalAdapter("http://localhost:9", "m", nil)
	require.NoError(t, err)

	_, err = adapter.Dispatch(context.Background(), &Request{})
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	_, err = adapter.Dispatch(context.Background(), &Request{Envelope: &envelope.Envelope{}})
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
