package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmctl/internal/envelope"
	"llmctl/internal/errors"
)

// scriptedAdapter returns queued responses in order.
type scriptedAdapter struct {
	name  string
	calls int
	steps []func() (*Result, error)
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	step := a.steps[a.calls]
	a.calls++
	return step()
}

func okResult() (*Result, error) {
	return &Result{ContractVersion: ContractVersion, Status: StatusSuccess, Stdout: "pong"}, nil
}

func newTestRouter(a Adapter) *Router {
	r := NewRouter(a)
	r.sleep = func(time.Duration) {}
	return r
}

func testRequest() *Request {
	return &Request{
		NodeID:      "N1",
		ExecutionID: 1,
		DispatchID:  "D-1",
		Envelope:    &envelope.Envelope{UserRequest: "say ping"},
	}
}

func TestRouterPassesThroughSuccess(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", steps: []func() (*Result, error){okResult}}
	result, err := newTestRouter(adapter).Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 1, adapter.calls)
	require.NotContains(t, result.Meta(), "fallback_attempted")
}

func TestRouterRetriesOnceAndMarksFallback(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", steps: []func() (*Result, error){
		func() (*Result, error) { return nil, errors.New(errors.CodeProviderUnavailable, "503 overloaded") },
		okResult,
	}}
	result, err := newTestRouter(adapter).Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 2, adapter.calls)
	require.Equal(t, true, result.Metadata["fallback_attempted"])
	require.Equal(t, "provider_unavailable", result.Metadata["fallback_reason"])
}

func TestRouterSurfacesFailureAfterRetry(t *testing.T) {
	boom := func() (*Result, error) { return nil, errors.New(errors.CodeProviderTimeout, "deadline exceeded") }
	adapter := &scriptedAdapter{name: "anthropic", steps: []func() (*Result, error){boom, boom}}

	_, err := newTestRouter(adapter).Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, 2, adapter.calls, "exactly one retry")
	require.Equal(t, errors.CodeProviderTimeout, errors.CodeOf(err))

	var engineErr *errors.Error
	require.True(t, errors.As(err, &engineErr))
	require.Equal(t, true, engineErr.Details["fallback_attempted"])
	require.Equal(t, "provider_timeout", engineErr.Details["fallback_reason"])
}

func TestRouterDoesNotRetryUnclassifiedFailures(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", steps: []func() (*Result, error){
		func() (*Result, error) { return nil, errors.New(errors.CodeValidation, "empty prompt") },
	}}
	_, err := newTestRouter(adapter).Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, 1, adapter.calls)
}

func TestRouterReturnsUncertainResultWithoutResubmit(t *testing.T) {
	adapter := &scriptedAdapter{name: "anthropic", steps: []func() (*Result, error){
		func() (*Result, error) {
			return &Result{
				Status:   StatusFailed,
				Metadata: map[string]any{"dispatch_uncertain": true},
			}, nil
		},
	}}
	result, err := newTestRouter(adapter).Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 1, adapter.calls)
	require.Equal(t, true, result.Metadata["dispatch_uncertain"])
}
