package statemachine

import "github.com/concord-db/concord/pkg/kverr"

// GetResult is the reply for Get.
type GetResult struct {
	Value []byte
}

// Get implements the get query (spec §4.3). It acquires a read lock so
// it can run concurrently with other queries but never with Apply.
func (sm *StateMachine) Get(key string) ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	entry, ok := sm.liveLookup(key)
	if !ok {
		return nil, kverr.New(kverr.NotFound, "get").WithKey(key)
	}
	return sm.decompressedOrRaw(entry.Value), nil
}

// GetWithTTL implements get_with_ttl: the value plus remaining seconds,
// or nil if the key has no expiration.
func (sm *StateMachine) GetWithTTL(key string) ([]byte, *int64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	entry, ok := sm.liveLookup(key)
	if !ok {
		return nil, nil, kverr.New(kverr.NotFound, "get_with_ttl").WithKey(key)
	}
	var remaining *int64
	if entry.ExpiresAt != nil {
		r := *entry.ExpiresAt - sm.clock.NowUnix()
		remaining = &r
	}
	return sm.decompressedOrRaw(entry.Value), remaining, nil
}

// GetManyResult is one key's outcome within GetMany.
type GetManyResult struct {
	Value []byte
	Err   error
}

// GetMany implements get_many: absent/expired keys are reported as
// per-key not_found rather than failing the whole call.
func (sm *StateMachine) GetMany(keys []string) map[string]GetManyResult {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[string]GetManyResult, len(keys))
	for _, key := range keys {
		entry, ok := sm.liveLookup(key)
		if !ok {
			out[key] = GetManyResult{Err: kverr.New(kverr.NotFound, "get_many").WithKey(key)}
			continue
		}
		out[key] = GetManyResult{Value: sm.decompressedOrRaw(entry.Value)}
	}
	return out
}

// GetAll implements get_all: every non-expired entry's value.
func (sm *StateMachine) GetAll() map[string][]byte {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	now := sm.clock.NowUnix()
	out := make(map[string][]byte)
	for _, kv := range sm.store.Scan() {
		if kv.Entry.Expired(now) {
			continue
		}
		out[kv.Key] = sm.decompressedOrRaw(kv.Entry.Value)
	}
	return out
}

// AllWithTTL is one entry in GetAllWithTTL's result.
type AllWithTTL struct {
	Value     []byte
	Remaining *int64
}

// GetAllWithTTL implements get_all_with_ttl.
func (sm *StateMachine) GetAllWithTTL() map[string]AllWithTTL {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	now := sm.clock.NowUnix()
	out := make(map[string]AllWithTTL)
	for _, kv := range sm.store.Scan() {
		if kv.Entry.Expired(now) {
			continue
		}
		var remaining *int64
		if kv.Entry.ExpiresAt != nil {
			r := *kv.Entry.ExpiresAt - now
			remaining = &r
		}
		out[kv.Key] = AllWithTTL{Value: sm.decompressedOrRaw(kv.Entry.Value), Remaining: remaining}
	}
	return out
}

// TTL implements the ttl query.
func (sm *StateMachine) TTL(key string) (int64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	entry, ok := sm.liveLookup(key)
	if !ok {
		return 0, kverr.New(kverr.NotFound, "ttl").WithKey(key)
	}
	if entry.ExpiresAt == nil {
		return 0, kverr.New(kverr.NoTTL, "ttl").WithKey(key)
	}
	return *entry.ExpiresAt - sm.clock.NowUnix(), nil
}

// Stats is the reply for the stats query.
type Stats struct {
	Size        int
	MemoryBytes int64
}

// Stats implements the stats query.
func (sm *StateMachine) Stats() Stats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return Stats{Size: sm.store.Len(), MemoryBytes: sm.store.MemoryBytes()}
}

// IndexLookup implements index_lookup.
func (sm *StateMachine) IndexLookup(name, term string) ([]string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	table := sm.indexes.Get(name)
	if table == nil {
		return nil, kverr.New(kverr.IndexNotFound, "index_lookup").WithKey(name)
	}
	return table.Lookup(term), nil
}

// ListIndexes implements list_indexes.
func (sm *StateMachine) ListIndexes() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.indexes.Names()
}
