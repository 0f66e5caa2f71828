package statemachine

import (
	"testing"

	"github.com/concord-db/concord/pkg/descriptor"
	"github.com/concord-db/concord/pkg/kverr"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowUnix() int64 { return c.now }

func newTestSM(clock *fakeClock) *StateMachine {
	if clock == nil {
		clock = &fakeClock{now: 1000}
	}
	return New(WithClock(clock))
}

func applyCmd(t *testing.T, sm *StateMachine, op Op, args interface{}) ApplyResult {
	t.Helper()
	data, err := Encode(op, args)
	require.NoError(t, err)
	res := sm.Apply(&raft.Log{Data: data})
	result, ok := res.(ApplyResult)
	require.True(t, ok)
	return result
}

func TestApplyPutGet(t *testing.T) {
	sm := newTestSM(nil)
	result := applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, result.Err)

	v, err := sm.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestApplyPutRejectsInvalidKey(t *testing.T) {
	sm := newTestSM(nil)
	result := applyCmd(t, sm, OpPut, PutArgs{Key: []byte(""), Value: []byte("v")})
	assert.True(t, kverr.Is(result.Err, kverr.InvalidKey))
}

func TestApplyDelete(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v")})
	applyCmd(t, sm, OpDelete, DeleteArgs{Key: []byte("k")})

	_, err := sm.Get("k")
	assert.True(t, kverr.Is(err, kverr.NotFound))
}

func TestGetNotFound(t *testing.T) {
	sm := newTestSM(nil)
	_, err := sm.Get("missing")
	assert.True(t, kverr.Is(err, kverr.NotFound))
}

func TestTTLExpiryIsQueryTimeOnly(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sm := newTestSM(clock)
	expiresAt := int64(1010)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expiresAt})

	clock.now = 1005
	v, err := sm.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	clock.now = 1011
	_, err = sm.Get("k")
	assert.True(t, kverr.Is(err, kverr.NotFound))

	assert.Equal(t, 1, sm.Stats().Size, "expired key remains physically stored until cleanup_expired")
}

func TestTouchResetsNotExtends(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sm := newTestSM(clock)
	expiresAt := int64(1100)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expiresAt})

	clock.now = 1050
	result := applyCmd(t, sm, OpTouch, TouchArgs{Key: []byte("k"), AdditionalTTLS: 10})
	require.NoError(t, result.Err)

	ttl, err := sm.TTL("k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ttl, "touch resets the TTL to now+ttl, not now+old_remaining+ttl")
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sm := newTestSM(clock)
	expired := int64(999)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("dead"), Value: []byte("v"), ExpiresAt: &expired})
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("alive"), Value: []byte("v")})

	result := applyCmd(t, sm, OpCleanupExpired, struct{}{})
	require.NoError(t, result.Err)
	reply := result.Reply.(CleanupReply)
	assert.Equal(t, 1, reply.DeletedCount)
	assert.Equal(t, 2, reply.ScannedCount)
	assert.Equal(t, 1, sm.Stats().Size)
}

func TestPutIfWithExpectedCAS(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v1")})

	bad := applyCmd(t, sm, OpPutIf, PutIfArgs{Key: []byte("k"), Value: []byte("v2"), Expected: []byte("wrong"), HasExpected: true})
	assert.True(t, kverr.Is(bad.Err, kverr.ConditionFailed))

	ok := applyCmd(t, sm, OpPutIf, PutIfArgs{Key: []byte("k"), Value: []byte("v2"), Expected: []byte("v1"), HasExpected: true})
	require.NoError(t, ok.Err)

	v, err := sm.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestPutIfWithConditionPredicate(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte(`{"status":"pending"}`)})

	cond := &descriptor.Predicate{Field: "status", Op: descriptor.OpEqual, Operand: "pending"}
	result := applyCmd(t, sm, OpPutIf, PutIfArgs{Key: []byte("k"), Value: []byte(`{"status":"done"}`), Condition: cond})
	require.NoError(t, result.Err)

	v, err := sm.Get("k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"done"}`, string(v))
}

func TestPutIfRejectsConflictingConditions(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v")})

	cond := &descriptor.Predicate{Field: "x", Op: descriptor.OpExists}
	result := applyCmd(t, sm, OpPutIf, PutIfArgs{Key: []byte("k"), Value: []byte("v2"), Expected: []byte("v"), HasExpected: true, Condition: cond})
	assert.True(t, kverr.Is(result.Err, kverr.ConflictingConditions))
}

func TestPutIfRejectsMissingCondition(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v")})

	result := applyCmd(t, sm, OpPutIf, PutIfArgs{Key: []byte("k"), Value: []byte("v2")})
	assert.True(t, kverr.Is(result.Err, kverr.MissingCondition))
}

func TestDeleteIfConditionFailed(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("k"), Value: []byte("v")})

	result := applyCmd(t, sm, OpDeleteIf, DeleteIfArgs{Key: []byte("k"), Expected: []byte("not-v"), HasExpected: true})
	assert.True(t, kverr.Is(result.Err, kverr.ConditionFailed))

	_, err := sm.Get("k")
	require.NoError(t, err, "failed CAS must not mutate the store")
}

func TestPutManyAppliesAtomicallyOnValidationFailure(t *testing.T) {
	sm := newTestSM(nil)
	entries := []PutArgs{
		{Key: []byte("ok"), Value: []byte("v")},
		{Key: []byte(""), Value: []byte("v")},
	}
	result := applyCmd(t, sm, OpPutMany, PutManyArgs{Entries: entries})
	assert.True(t, kverr.Is(result.Err, kverr.InvalidKey))

	_, err := sm.Get("ok")
	assert.True(t, kverr.Is(err, kverr.NotFound), "a batch that fails validation must apply nothing")
}

func TestPutManyCapEnforced(t *testing.T) {
	sm := newTestSM(nil)
	entries := make([]PutArgs, MaxBatchSize+1)
	for i := range entries {
		entries[i] = PutArgs{Key: []byte("k"), Value: []byte("v")}
	}
	result := applyCmd(t, sm, OpPutMany, PutManyArgs{Entries: entries})
	assert.True(t, kverr.Is(result.Err, kverr.BatchTooLarge))
}

func TestCreateAndDropIndex(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("u1"), Value: []byte(`{"role":"admin"}`)})

	result := applyCmd(t, sm, OpCreateIndex, CreateIndexArgs{Name: "by_role", Extractor: &descriptor.Extractor{Field: "role"}})
	require.NoError(t, result.Err)

	keys, err := sm.IndexLookup("by_role", "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, keys)

	result = applyCmd(t, sm, OpDropIndex, DropIndexArgs{Name: "by_role"})
	require.NoError(t, result.Err)

	_, err = sm.IndexLookup("by_role", "admin")
	assert.True(t, kverr.Is(err, kverr.IndexNotFound))
}

func TestCreateIndexTwiceFails(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpCreateIndex, CreateIndexArgs{Name: "by_role", Extractor: &descriptor.Extractor{Field: "role"}})
	result := applyCmd(t, sm, OpCreateIndex, CreateIndexArgs{Name: "by_role", Extractor: &descriptor.Extractor{Field: "role"}})
	assert.True(t, kverr.Is(result.Err, kverr.IndexExists))
}

func TestCreateIndexBackfillsExistingKeys(t *testing.T) {
	sm := newTestSM(nil)
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("u1"), Value: []byte(`{"role":"admin"}`)})
	applyCmd(t, sm, OpPut, PutArgs{Key: []byte("u2"), Value: []byte(`{"role":"member"}`)})

	applyCmd(t, sm, OpCreateIndex, CreateIndexArgs{Name: "by_role", Extractor: &descriptor.Extractor{Field: "role"}})

	keys, err := sm.IndexLookup("by_role", "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, keys)
}

func TestApplyCorruptCommandPanics(t *testing.T) {
	sm := newTestSM(nil)
	assert.Panics(t, func() {
		sm.Apply(&raft.Log{Data: []byte("not json")})
	})
}

func TestUnknownOpReturnsInvalid(t *testing.T) {
	sm := newTestSM(nil)
	data, err := Encode(Op("bogus"), struct{}{})
	require.NoError(t, err)
	res := sm.Apply(&raft.Log{Data: data}).(ApplyResult)
	assert.True(t, kverr.Is(res.Err, kverr.Invalid))
}
