// Package challenge implements the Challenge Index: a bounded,
// time-expiring set of issued nonces. A nonce is valid for consumption
// exactly once, within its freshness window, which is what gives the
// protocol its replay resistance.
//
// The index is sharded the way the corpus's per-IP rate limiters shard
// by key, so the request hot path never contends on one global mutex.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const shardCount = 64

type entry struct {
	issuedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Index is the Challenge Index: issue() hands out a fresh random nonce,
// consume() redeems it exactly once within the freshness window.
type Index struct {
	shards     [shardCount]*shard
	freshness  time.Duration
	capacity   int // approximate total entries across all shards
	cleanupInt time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Challenge Index with the given per-nonce freshness
// window and approximate capacity, and starts its background eviction
// loop.
func New(freshness time.Duration, capacity int) *Index {
	idx := &Index{
		freshness:  freshness,
		capacity:   capacity,
		cleanupInt: freshness,
		stopCh:     make(chan struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{entries: make(map[string]entry)}
	}
	go idx.evictLoop()
	return idx
}

// Issue generates and records a fresh 32-byte nonce, returned
// hex-encoded, valid for consumption until the freshness window elapses.
func (idx *Index) Issue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	sh := idx.shardFor(nonce)
	sh.mu.Lock()
	sh.entries[nonce] = entry{issuedAt: time.Now()}
	overCapacity := len(sh.entries) > idx.capacity/shardCount+1
	sh.mu.Unlock()

	if overCapacity {
		idx.evictOldest(sh)
	}

	return nonce, nil
}

// Consume redeems a nonce. It succeeds exactly once per issued nonce,
// and only within the freshness window; every other call — replay,
// unknown nonce, or an expired one — reports ok=false.
func (idx *Index) Consume(nonce string) (ok bool) {
	sh := idx.shardFor(nonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, found := sh.entries[nonce]
	if !found {
		return false
	}
	delete(sh.entries, nonce)
	return time.Since(e.issuedAt) <= idx.freshness
}

func (idx *Index) shardFor(nonce string) *shard {
	var h uint32
	for i := 0; i < len(nonce); i++ {
		h = h*31 + uint32(nonce[i])
	}
	return idx.shards[h%shardCount]
}

func (idx *Index) evictLoop() {
	ticker := time.NewTicker(idx.cleanupInt)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.evictExpired()
		}
	}
}

func (idx *Index) evictExpired() {
	now := time.Now()
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for nonce, e := range sh.entries {
			if now.Sub(e.issuedAt) > idx.freshness {
				delete(sh.entries, nonce)
			}
		}
		sh.mu.Unlock()
	}
}

// evictOldest drops the single oldest entry in a shard that has grown
// past its share of capacity, so a burst of issue() calls from one
// source cannot starve the rest of the index.
func (idx *Index) evictOldest(sh *shard) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var oldestNonce string
	var oldestTime time.Time
	for nonce, e := range sh.entries {
		if oldestNonce == "" || e.issuedAt.Before(oldestTime) {
			oldestNonce, oldestTime = nonce, e.issuedAt
		}
	}
	if oldestNonce != "" {
		delete(sh.entries, oldestNonce)
	}
}

// Len returns the approximate total number of live entries, for metrics.
func (idx *Index) Len() int {
	total := 0
	for _, sh := range idx.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Close stops the background eviction loop.
func (idx *Index) Close() {
	idx.stopOnce.Do(func() { close(idx.stopCh) })
}
