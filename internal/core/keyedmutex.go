package core

import (
	"sort"
	"sync"
)

// KeyedMutex serializes work per string key (vehicleId or faultId), the
// same map+sync.Mutex shape as internal/timers.Service's timer map, gated
// by a refcounted entry so idle keys don't leak memory forever.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex builds an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires every key, sorted ascending and deduplicated, so that any
// two callers locking an overlapping key set always acquire them in the
// same order and cannot deadlock. Returns an unlock func that releases
// every acquired key in reverse order.
func (k *KeyedMutex) Lock(keys ...string) func() {
	sorted := dedupSorted(keys)

	entries := make([]*keyEntry, len(sorted))
	for i, key := range sorted {
		entries[i] = k.acquireEntry(key)
	}

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			k.releaseEntry(sorted[i])
		}
	}
}

func (k *KeyedMutex) acquireEntry(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.entries, key)
	}
}

func dedupSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// VehicleFaultKeys builds the canonical (vehicleId, faultId) lock key pair
// per spec's vehicleId-then-ascending ordering rule. The "0"/"1" namespace
// prefixes keep vehicle keys sorting before fault keys regardless of the
// literal ID values (Lock sorts its key set ascending), while still
// separating a vehicle ID and a fault ID that happen to share a literal
// value.
func VehicleFaultKeys(vehicleID, faultID string) []string {
	var keys []string
	if vehicleID != "" {
		keys = append(keys, "0vehicle:"+vehicleID)
	}
	if faultID != "" {
		keys = append(keys, "1fault:"+faultID)
	}
	return keys
}
