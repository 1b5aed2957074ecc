package provider

import (
	"context"
	"math/rand"
	"time"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
)

// Router wraps an adapter with failure classification and a single
// same-provider retry. Classified categories {provider_timeout,
// provider_unavailable, provider_auth} mark the result degraded via
// fallback_attempted/fallback_reason; anything else surfaces unchanged.
type Router struct {
	adapter Adapter
	logger  logging.Logger
	// sleep is swappable so tests skip the retry jitter.
	sleep func(time.Duration)
}

// NewRouter constructs a router over the chosen adapter.
func NewRouter(adapter Adapter) *Router {
	return &Router{
		adapter: adapter,
		logger:  logging.NewComponentLogger("DispatchRouter"),
		sleep:   time.Sleep,
	}
}

// Name returns the underlying adapter name.
func (r *Router) Name() string { return r.adapter.Name() }

// Dispatch issues the request. On a classified provider failure the call is
// retried once on the same adapter after jitter; a success after retry
// carries fallback_attempted=true and fallback_reason=<category> so the node
// run is marked degraded. Results flagged dispatch_uncertain are returned
// as-is and never re-submitted here.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	result, err := r.adapter.Dispatch(ctx, req)
	if err == nil {
		if uncertain, _ := result.Meta()["dispatch_uncertain"].(bool); uncertain {
			r.logger.Warn("dispatch %s returned uncertain, not re-submitting", req.DispatchID)
		}
		return result, nil
	}

	category := errors.ClassifyProvider(err)
	switch category {
	case errors.CodeProviderTimeout, errors.CodeProviderUnavailable, errors.CodeProviderAuth:
	default:
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	r.logger.Warn("dispatch %s classified %s on %s, retrying once: %v",
		req.DispatchID, category, r.adapter.Name(), err)
	r.sleep(retryJitter())

	result, retryErr := r.adapter.Dispatch(ctx, req)
	if retryErr != nil {
		r.logger.Error("dispatch %s failed after retry: %v", req.DispatchID, retryErr)
		final := errors.Wrap(errors.ClassifyProvider(retryErr), retryErr,
			"dispatch %s failed after same-provider retry", req.DispatchID)
		return nil, final.WithDetails(map[string]any{
			"fallback_attempted": true,
			"fallback_reason":    string(category),
		})
	}

	meta := result.Meta()
	meta["fallback_attempted"] = true
	meta["fallback_reason"] = string(category)
	return result, nil
}

// retryJitter spreads the single retry across 100-400ms.
func retryJitter() time.Duration {
	return 100*time.Millisecond + time.Duration(rand.Int63n(int64(300*time.Millisecond)))
}
