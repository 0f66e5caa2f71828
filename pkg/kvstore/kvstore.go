/*
Package kvstore implements Concord's Store (spec C1): the deterministic,
in-memory key-value map every replica's StateMachine drives.

The Store is exclusively owned by the apply loop (spec §5) — it exposes
no locking of its own because nothing outside that single goroutine per
replica is allowed to mutate it. Read-only snapshots (Scan, full-state
copies for the Raft FSMSnapshot) are safe because the apply loop is the
only writer and callers are expected to take them from within that same
goroutine or after it has quiesced.
*/
package kvstore

import "sort"

// MaxKeyBytes is the largest key the store will ever hold; ClusterClient
// enforces this before a command is ever proposed, and the StateMachine
// checks it again through ValidateKey on apply and on snapshot restore so
// a corrupted snapshot can never load an oversized key. Insert and Reset
// themselves do not check it.
const MaxKeyBytes = 1024

// Entry is the unit stored against a key: an opaque value and an optional
// absolute expiration (Unix seconds). ExpiresAt == nil means no TTL.
type Entry struct {
	Value     []byte
	ExpiresAt *int64
}

// Expired reports whether the entry is logically invisible at now
// (Unix seconds). Per spec §3, a key is invisible once now > expires_at;
// it remains physically present until cleanup_expired removes it.
func (e Entry) Expired(now int64) bool {
	return e.ExpiresAt != nil && now > *e.ExpiresAt
}

// KV pairs a key with its entry, the shape Scan yields.
type KV struct {
	Key   string
	Entry Entry
}

// Store is the deterministic key -> Entry map. It is not safe for
// concurrent use; callers (the StateMachine apply loop) serialize access.
type Store struct {
	m map[string]Entry
}

// New creates an empty store.
func New() *Store {
	return &Store{m: make(map[string]Entry)}
}

// Insert replaces any prior entry for key.
func (s *Store) Insert(key string, e Entry) {
	s.m[key] = e
}

// Lookup returns the entry for key and whether it was present. It does
// not apply TTL filtering — that's a StateMachine query-time concern so
// that Lookup remains a pure physical-storage operation snapshots can
// rely on.
func (s *Store) Lookup(key string) (Entry, bool) {
	e, ok := s.m[key]
	return e, ok
}

// Remove deletes key, reporting whether it had been present.
func (s *Store) Remove(key string) bool {
	_, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return ok
}

// Len reports the number of physically stored entries, including ones
// that are logically expired but not yet swept by cleanup_expired.
func (s *Store) Len() int {
	return len(s.m)
}

// Scan returns every (key, entry) pair currently stored, in lexicographic
// key order. The slice is a fresh, independent snapshot at call time; the
// Store may be further mutated by the caller afterward without affecting
// it.
func (s *Store) Scan() []KV {
	out := make([]KV, 0, len(s.m))
	for k, e := range s.m {
		out = append(out, KV{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset discards all entries, replacing them with the given set. Used by
// snapshot installation to atomically swap the Store's contents.
func (s *Store) Reset(entries []KV) {
	m := make(map[string]Entry, len(entries))
	for _, kv := range entries {
		m[kv.Key] = kv.Entry
	}
	s.m = m
}

// MemoryBytes gives a rough accounting of the bytes held by the store,
// used by the stats query (spec §4.3). It is not a precise accounting of
// Go runtime overhead, only of key and value payload sizes.
func (s *Store) MemoryBytes() int64 {
	var total int64
	for k, e := range s.m {
		total += int64(len(k)) + int64(len(e.Value)) + 8
	}
	return total
}

// ValidateKey enforces the key shape invariant from spec §3: non-empty,
// at most MaxKeyBytes.
func ValidateKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxKeyBytes
}
