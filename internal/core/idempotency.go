package core

import (
	"DiceLedger/internal/observability"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication. Tier 1 is an
// in-memory LRU of processed keys. Tier 2 asks the durable log.
// Only accessed from the core goroutine.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}, nil
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has been processed. Tier 2 is skipped
// during replay, where every key is already in the log.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string, useDB bool) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if useDB && ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Conservative: a DB issue must not block processing. Fulfillments
			// are still guarded by the pending flag.
			return false
		}
		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(key, struct{}{})
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

// Warm loads composite keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Len() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
