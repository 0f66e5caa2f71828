package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/concord-db/concord/pkg/codec"
	"github.com/concord-db/concord/pkg/descriptor"
	"github.com/concord-db/concord/pkg/index"
	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/kvstore"
	"github.com/concord-db/concord/pkg/observe"
	"github.com/hashicorp/raft"
)

// Clock abstracts wall-clock seconds so TTL evaluation is testable
// without sleeping. Production code uses realClock; tests can inject a
// fake.
type Clock interface {
	NowUnix() int64
}

type realClock struct{}

func (realClock) NowUnix() int64 { return time.Now().Unix() }

// ApplyResult is what every Apply call returns, wrapped so the Raft
// ApplyFuture's Response() always carries a consistent shape instead of
// a bare error or a bare value.
type ApplyResult struct {
	Reply interface{}
	Err   error
}

// StateMachine is Concord's C3: the deterministic transition function
// plus query handler plus snapshotting, implementing raft.FSM so a
// raftnode.Node can drive it directly from the committed log.
type StateMachine struct {
	mu      sync.RWMutex
	store   *kvstore.Store
	indexes *index.Registry
	clock   Clock
	codec   codec.Config
	sink    observe.Sink
}

// Option configures a StateMachine at construction time.
type Option func(*StateMachine)

// WithClock overrides the wall clock used for TTL evaluation (tests).
func WithClock(c Clock) Option {
	return func(sm *StateMachine) { sm.clock = c }
}

// WithCodec records the compression configuration. Compression itself
// happens client-side before proposal (spec §4.5); reads are decompressed
// from the algorithm tag inside each envelope, so the state machine does
// not consult this configuration when decompressing.
func WithCodec(cfg codec.Config) Option {
	return func(sm *StateMachine) { sm.codec = cfg }
}

// WithSink registers the observability sink.
func WithSink(sink observe.Sink) Option {
	return func(sm *StateMachine) { sm.sink = sink }
}

// New creates a StateMachine with an empty Store and index registry.
func New(opts ...Option) *StateMachine {
	sm := &StateMachine{
		store:   kvstore.New(),
		indexes: index.NewRegistry(),
		clock:   realClock{},
		codec:   codec.DefaultConfig(),
		sink:    observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Sink returns the observability sink this StateMachine was constructed
// with, so a raftnode.Node can route Raft-level events (leadership
// changes) through the same collaborator.
func (sm *StateMachine) Sink() observe.Sink {
	return sm.sink
}

// Apply implements raft.FSM. It is called serially, in log order, by the
// Raft library's apply loop — the single-threaded invariant spec §5
// requires. No exception ever escapes Apply: unrecoverable determinism
// violations are reported through the returned ApplyResult's Err, except
// for a decode failure on the outer Command envelope itself, which is a
// fatal bug in the replicated alphabet and panics to trigger the
// replica's controlled shutdown path (spec §7).
func (sm *StateMachine) Apply(log *raft.Log) interface{} {
	start := time.Now()
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		panic(fmt.Sprintf("statemachine: corrupt command at index %d: %v", log.Index, err))
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := sm.dispatch(cmd)
	sm.sink.OnApply(string(cmd.Op), applyKey(cmd), time.Since(start), result.Err)
	return result
}

func applyKey(cmd Command) string {
	switch cmd.Op {
	case OpPut, OpDelete, OpTouch:
		var a struct {
			Key []byte `json:"key"`
		}
		_ = json.Unmarshal(cmd.Data, &a)
		return string(a.Key)
	default:
		return ""
	}
}

func (sm *StateMachine) dispatch(cmd Command) ApplyResult {
	switch cmd.Op {
	case OpPut:
		var args PutArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "put", err)}
		}
		return sm.applyPut(args)

	case OpDelete:
		var args DeleteArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "delete", err)}
		}
		sm.applyDelete(string(args.Key))
		return ApplyResult{}

	case OpPutIf:
		var args PutIfArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "put_if", err)}
		}
		return ApplyResult{Err: sm.applyPutIf(args)}

	case OpDeleteIf:
		var args DeleteIfArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "delete_if", err)}
		}
		return ApplyResult{Err: sm.applyDeleteIf(args)}

	case OpTouch:
		var args TouchArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "touch", err)}
		}
		return ApplyResult{Err: sm.applyTouch(args)}

	case OpCleanupExpired:
		reply := sm.applyCleanupExpired()
		return ApplyResult{Reply: reply}

	case OpPutMany:
		var args PutManyArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "put_many", err)}
		}
		return sm.applyPutMany(args)

	case OpDeleteMany:
		var args DeleteManyArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "delete_many", err)}
		}
		return sm.applyDeleteMany(args)

	case OpTouchMany:
		var args TouchManyArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "touch_many", err)}
		}
		return sm.applyTouchMany(args)

	case OpCreateIndex:
		var args CreateIndexArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "create_index", err)}
		}
		return ApplyResult{Err: sm.applyCreateIndex(args)}

	case OpDropIndex:
		var args DropIndexArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return ApplyResult{Err: kverr.Wrap(kverr.Invalid, "drop_index", err)}
		}
		return ApplyResult{Err: sm.applyDropIndex(args.Name)}

	default:
		return ApplyResult{Err: kverr.New(kverr.Invalid, string(cmd.Op)).WithKey("unknown op")}
	}
}

// --- single-key mutations ---

func (sm *StateMachine) applyPut(args PutArgs) ApplyResult {
	if !kvstore.ValidateKey(args.Key) {
		return ApplyResult{Err: kverr.New(kverr.InvalidKey, "put")}
	}
	sm.store.Insert(string(args.Key), kvstore.Entry{Value: args.Value, ExpiresAt: args.ExpiresAt})
	sm.indexes.PutAll(string(args.Key), sm.decompressedOrRaw(args.Value))
	return ApplyResult{}
}

func (sm *StateMachine) applyDelete(key string) {
	sm.store.Remove(key)
	sm.indexes.RemoveAll(key)
}

func (sm *StateMachine) applyPutIf(args PutIfArgs) error {
	if err := validateCAS(args.HasExpected, args.Condition); err != nil {
		return err
	}
	if !kvstore.ValidateKey(args.Key) {
		return kverr.New(kverr.InvalidKey, "put_if")
	}
	key := string(args.Key)
	entry, ok := sm.liveLookup(key)
	if !ok {
		return kverr.New(kverr.NotFound, "put_if").WithKey(key)
	}
	if !sm.casHolds(entry, args.HasExpected, args.Expected, args.Condition) {
		return kverr.New(kverr.ConditionFailed, "put_if").WithKey(key)
	}
	sm.store.Insert(key, kvstore.Entry{Value: args.Value, ExpiresAt: args.ExpiresAt})
	sm.indexes.PutAll(key, sm.decompressedOrRaw(args.Value))
	return nil
}

func (sm *StateMachine) applyDeleteIf(args DeleteIfArgs) error {
	if err := validateCAS(args.HasExpected, args.Condition); err != nil {
		return err
	}
	key := string(args.Key)
	entry, ok := sm.liveLookup(key)
	if !ok {
		return kverr.New(kverr.NotFound, "delete_if").WithKey(key)
	}
	if !sm.casHolds(entry, args.HasExpected, args.Expected, args.Condition) {
		return kverr.New(kverr.ConditionFailed, "delete_if").WithKey(key)
	}
	sm.applyDelete(key)
	return nil
}

func validateCAS(hasExpected bool, cond *descriptor.Predicate) error {
	hasCondition := cond != nil
	if hasExpected == hasCondition {
		if !hasExpected {
			return kverr.New(kverr.MissingCondition, "cas")
		}
		return kverr.New(kverr.ConflictingConditions, "cas")
	}
	return nil
}

func (sm *StateMachine) casHolds(entry kvstore.Entry, hasExpected bool, expected []byte, cond *descriptor.Predicate) bool {
	if hasExpected {
		return bytesEqual(entry.Value, expected)
	}
	return cond.Eval(sm.decodeValue(entry.Value))
}

func (sm *StateMachine) decodeValue(raw []byte) interface{} {
	decompressed := sm.decompressedOrRaw(raw)
	var v interface{}
	if err := json.Unmarshal(decompressed, &v); err != nil {
		return nil
	}
	return v
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (sm *StateMachine) applyTouch(args TouchArgs) error {
	key := string(args.Key)
	entry, ok := sm.liveLookup(key)
	if !ok {
		return kverr.New(kverr.NotFound, "touch").WithKey(key)
	}
	newExpiry := sm.clock.NowUnix() + args.AdditionalTTLS
	entry.ExpiresAt = &newExpiry
	sm.store.Insert(key, entry)
	return nil
}

func (sm *StateMachine) applyCleanupExpired() CleanupReply {
	now := sm.clock.NowUnix()
	all := sm.store.Scan()
	deleted := 0
	for _, kv := range all {
		if kv.Entry.Expired(now) {
			sm.store.Remove(kv.Key)
			sm.indexes.RemoveAll(kv.Key)
			deleted++
		}
	}
	return CleanupReply{DeletedCount: deleted, ScannedCount: len(all)}
}

// --- batch mutations: pre-validate, then apply as one indivisible pass
// (spec §9 Open Question resolved toward atomic semantics) ---

func (sm *StateMachine) applyPutMany(args PutManyArgs) ApplyResult {
	if len(args.Entries) > MaxBatchSize {
		return ApplyResult{Err: kverr.New(kverr.BatchTooLarge, "put_many")}
	}
	for _, e := range args.Entries {
		if !kvstore.ValidateKey(e.Key) {
			return ApplyResult{Err: kverr.New(kverr.InvalidKey, "put_many").WithKey(string(e.Key))}
		}
	}
	results := make([]KeyResult, 0, len(args.Entries))
	for _, e := range args.Entries {
		sm.store.Insert(string(e.Key), kvstore.Entry{Value: e.Value, ExpiresAt: e.ExpiresAt})
		sm.indexes.PutAll(string(e.Key), sm.decompressedOrRaw(e.Value))
		results = append(results, KeyResult{Key: string(e.Key), OK: true})
	}
	return ApplyResult{Reply: BatchReply{Results: results}}
}

func (sm *StateMachine) applyDeleteMany(args DeleteManyArgs) ApplyResult {
	if len(args.Keys) > MaxBatchSize {
		return ApplyResult{Err: kverr.New(kverr.BatchTooLarge, "delete_many")}
	}
	results := make([]KeyResult, 0, len(args.Keys))
	for _, k := range args.Keys {
		key := string(k)
		removed := sm.store.Remove(key)
		sm.indexes.RemoveAll(key)
		results = append(results, KeyResult{Key: key, OK: removed})
	}
	return ApplyResult{Reply: BatchReply{Results: results}}
}

func (sm *StateMachine) applyTouchMany(args TouchManyArgs) ApplyResult {
	if len(args.Entries) > MaxBatchSize {
		return ApplyResult{Err: kverr.New(kverr.BatchTooLarge, "touch_many")}
	}
	now := sm.clock.NowUnix()
	results := make([]KeyResult, 0, len(args.Entries))
	for _, e := range args.Entries {
		key := string(e.Key)
		entry, ok := sm.liveLookup(key)
		if !ok {
			results = append(results, KeyResult{Key: key, OK: false, Error: string(kverr.NotFound)})
			continue
		}
		newExpiry := now + e.AdditionalTTLS
		entry.ExpiresAt = &newExpiry
		sm.store.Insert(key, entry)
		results = append(results, KeyResult{Key: key, OK: true})
	}
	return ApplyResult{Reply: BatchReply{Results: results}}
}

// --- index management ---

func (sm *StateMachine) applyCreateIndex(args CreateIndexArgs) error {
	def := index.Definition{Name: args.Name, Extractor: args.Extractor}
	if !sm.indexes.Create(def) {
		return kverr.New(kverr.IndexExists, "create_index").WithKey(args.Name)
	}
	sm.reindexLocked(args.Name)
	return nil
}

func (sm *StateMachine) applyDropIndex(name string) error {
	if !sm.indexes.Drop(name) {
		return kverr.New(kverr.IndexNotFound, "drop_index").WithKey(name)
	}
	return nil
}

func (sm *StateMachine) reindexLocked(name string) {
	table := sm.indexes.Get(name)
	if table == nil {
		return
	}
	now := sm.clock.NowUnix()
	for _, kv := range sm.store.Scan() {
		if kv.Entry.Expired(now) {
			continue
		}
		table.Put(kv.Key, sm.decompressedOrRaw(kv.Entry.Value))
	}
}

// liveLookup returns the entry for key only if present and not expired.
func (sm *StateMachine) liveLookup(key string) (kvstore.Entry, bool) {
	e, ok := sm.store.Lookup(key)
	if !ok || e.Expired(sm.clock.NowUnix()) {
		return kvstore.Entry{}, false
	}
	return e, true
}

func (sm *StateMachine) decompressedOrRaw(raw []byte) []byte {
	if !codec.IsEnvelope(raw) {
		return raw
	}
	out, err := codec.Decompress(raw)
	if err != nil {
		return raw
	}
	return out
}
