package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// DispatchRegistry enforces dispatch idempotency over (execution_id,
// dispatch_id) pairs within a retention window. The persisted key table is
// authoritative; the expirable LRU is a fast path that survives only within
// the process.
type DispatchRegistry struct {
	cache  *expirable.LRU[string, time.Time]
	ttl    time.Duration
	logger logging.Logger
}

const dispatchCacheSize = 65536

// NewDispatchRegistry constructs a registry with the given retention window.
func NewDispatchRegistry(ttl time.Duration) *DispatchRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DispatchRegistry{
		cache:  expirable.NewLRU[string, time.Time](dispatchCacheSize, nil, ttl),
		ttl:    ttl,
		logger: logging.NewComponentLogger("DispatchRegistry"),
	}
}

func dispatchCacheKey(executionID int64, dispatchID string) string {
	return fmt.Sprintf("%d:%s", executionID, dispatchID)
}

// Seen reports whether this process already registered the pair. A false
// return is not authoritative; Register decides.
func (r *DispatchRegistry) Seen(executionID int64, dispatchID string) bool {
	_, ok := r.cache.Get(dispatchCacheKey(executionID, dispatchID))
	return ok
}

// Register records the pair inside the caller's transaction. Returns false
// when the pair was already registered, locally or persistently.
func (r *DispatchRegistry) Register(ctx context.Context, tx store.Tx, executionID int64, dispatchID string) (bool, error) {
	key := dispatchCacheKey(executionID, dispatchID)
	if _, ok := r.cache.Get(key); ok {
		return false, nil
	}
	fresh, err := tx.RegisterDispatch(ctx, executionID, dispatchID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if fresh {
		r.cache.Add(key, time.Now())
	}
	return fresh, nil
}

// Prune removes persisted keys older than the retention window. Run from the
// maintenance beat.
func (r *DispatchRegistry) Prune(ctx context.Context, s store.Store) error {
	n, err := s.PruneDispatches(ctx, time.Now().UTC().Add(-r.ttl))
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Debug("pruned %d expired dispatch keys", n)
	}
	return nil
}
