package core

import (
	"container/list"
	"fmt"
	"sync"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
)

// OutcomeDeduper remembers recently finalized CONFIRMED outcomes so
// redelivered chain confirmations are answered without touching the store.
// FAILED is not cached because a retry reopens the transaction. The
// tracker's status check stays authoritative.
type OutcomeDeduper struct {
	lru     *IdempotencyLRU
	metrics *observability.Metrics
}

func NewOutcomeDeduper(capacity int, metrics *observability.Metrics) *OutcomeDeduper {
	return &OutcomeDeduper{lru: NewIdempotencyLRU(capacity), metrics: metrics}
}

func outcomeKey(id uuid.UUID, status state.TxStatus, chainTxID string) string {
	return fmt.Sprintf("%s:%s:%s", id, status, chainTxID)
}

// Seen reports whether this exact confirmation was already finalized.
func (d *OutcomeDeduper) Seen(id uuid.UUID, status state.TxStatus, chainTxID string) bool {
	if status != state.TxConfirmed || !d.lru.Contains(outcomeKey(id, status, chainTxID)) {
		return false
	}
	if d.metrics != nil {
		d.metrics.OutcomeDuplicates.WithLabelValues("lru").Inc()
	}
	return true
}

// MarkFinalized records a finalized confirmation.
func (d *OutcomeDeduper) MarkFinalized(tx *state.PendingPoolTransaction) {
	if tx.Status != state.TxConfirmed || !tx.Finalized {
		return
	}
	evicted := d.lru.Add(outcomeKey(tx.ID, tx.Status, tx.ChainTxID))
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
		if evicted {
			d.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm loads finalized transactions, typically the most recent ones from
// the store at startup.
func (d *OutcomeDeduper) Warm(txs []*state.PendingPoolTransaction) {
	keys := make([]string, 0, len(txs))
	for _, tx := range txs {
		if tx.Status == state.TxConfirmed && tx.Finalized {
			keys = append(keys, outcomeKey(tx.ID, tx.Status, tx.ChainTxID))
		}
	}
	d.lru.WarmFromKeys(keys)
}

// --- LRU ---

// IdempotencyLRU is a fixed-capacity LRU set of keys. Safe for concurrent use.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key (or promotes it) and reports whether an older key was
// evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.addLocked(key)
}

func (lru *IdempotencyLRU) addLocked(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys, oldest first.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for _, key := range keys {
		lru.addLocked(key)
	}
}

func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
