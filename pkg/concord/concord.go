/*
Package concord implements Concord's ClusterClient (spec C5): the single
public entry point external collaborators drive. It validates inputs,
applies the client-side compression policy, routes writes to the Raft
leader with bounded redirect retries, and serves consistency-tagged
reads.

Construction mirrors the teacher's pattern of a thin façade
(github.com/cuemby/warren's pkg/manager.Manager) wrapping a Raft handle
and a state machine, generalized here to Concord's single-domain
key/value contract instead of Warren's multi-resource orchestration
surface.
*/
package concord

import (
	"time"

	"github.com/concord-db/concord/pkg/codec"
	"github.com/concord-db/concord/pkg/descriptor"
	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/observe"
	"github.com/concord-db/concord/pkg/raftnode"
	"github.com/concord-db/concord/pkg/statemachine"
	"github.com/google/uuid"
)

// Consistency selects how a read is served (spec §4.5).
type Consistency string

const (
	Eventual Consistency = "eventual"
	Leader   Consistency = "leader"
	Strong   Consistency = "strong"
)

// Quota is the optional auth/quota gate a collaborator may register.
// Concord treats it as opaque: Put, Get and Delete consult it before they
// propose or query, and its error, if any, is returned to the caller
// verbatim. No other Client operation consults it.
type Quota interface {
	Allow(token, operation, key string) error
}

// Config configures a Client.
type Config struct {
	DefaultConsistency Consistency
	DefaultTimeout     time.Duration
	MaxRedirects       int
	Codec              codec.Config
	Sink               observe.Sink
	Quota              Quota
}

func (c Config) withDefaults() Config {
	if c.DefaultConsistency == "" {
		c.DefaultConsistency = Leader
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 3
	}
	if c.Sink == nil {
		c.Sink = observe.NoopSink{}
	}
	return c
}

// PeerDialer lets a Client forward a proposal to the node it believes is
// leader instead of merely surfacing not_leader to the caller. It is the
// in-process substitute for a full peer RPC transport: same-process
// multi-node tests and a single-host collaborator wire their own
// implementation; Concord's core ships none; an un-forwarded not_leader
// plus leader hint (spec §4.5) remains the contract every collaborator
// can rely on without one.
type PeerDialer interface {
	// Forward re-proposes the encoded command against the peer at addr,
	// returning its ApplyResult or an error if the peer can't be reached
	// or isn't leader either.
	Forward(addr string, data []byte, timeout time.Duration) (statemachine.ApplyResult, error)
}

// Client is Concord's ClusterClient.
type Client struct {
	node   *raftnode.Node
	cfg    Config
	dialer PeerDialer
}

// New wraps a raftnode.Node with the public ClusterClient surface.
func New(node *raftnode.Node, cfg Config, dialer PeerDialer) *Client {
	return &Client{node: node, cfg: cfg.withDefaults(), dialer: dialer}
}

// Opts are the per-call options every operation accepts.
type Opts struct {
	Consistency Consistency
	Token       string
	Timeout     time.Duration
}

func (c *Client) timeout(o Opts) time.Duration {
	if o.Timeout != 0 {
		return o.Timeout
	}
	return c.cfg.DefaultTimeout
}

func (c *Client) consistency(o Opts) Consistency {
	if o.Consistency != "" {
		return o.Consistency
	}
	return c.cfg.DefaultConsistency
}

func (c *Client) checkQuota(o Opts, op, key string) error {
	if c.cfg.Quota == nil {
		return nil
	}
	return c.cfg.Quota.Allow(o.Token, op, key)
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > 1024 {
		return kverr.New(kverr.InvalidKey, "validate_key").WithKey(key)
	}
	return nil
}

// propose submits data through the leader, forwarding up to
// MaxRedirects times on not_leader if a PeerDialer is configured, and
// records the call outcome on the sink. Every call gets its own
// correlation id, attached to a returned *kverr.Error so the sink's log
// line for a failed call carries it; the id is not sent along with a
// forwarded proposal.
func (c *Client) propose(op, key string, data []byte, timeout time.Duration) (statemachine.ApplyResult, error) {
	start := time.Now()
	requestID := uuid.New().String()
	result, err := c.proposeOnce(data, timeout)
	if kerr, ok := err.(*kverr.Error); ok {
		kerr.WithRequestID(requestID)
	}
	c.cfg.Sink.OnCall(op, "propose", time.Since(start), err)
	return result, err
}

func (c *Client) proposeOnce(data []byte, timeout time.Duration) (statemachine.ApplyResult, error) {
	deadline := time.Now().Add(timeout)
	result, err := c.node.Propose(data, timeout)
	if err == nil {
		return result, nil
	}
	if kverr.KindOf(err) != kverr.NotLeader || c.dialer == nil {
		return statemachine.ApplyResult{}, err
	}

	kerr, _ := err.(*kverr.Error)
	for i := 0; i < c.cfg.MaxRedirects; i++ {
		if kerr == nil || kerr.LeaderHint == "" {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return statemachine.ApplyResult{}, kverr.New(kverr.Timeout, "propose")
		}
		result, ferr := c.dialer.Forward(kerr.LeaderHint, data, remaining)
		if ferr == nil {
			return result, nil
		}
		kerr, _ = ferr.(*kverr.Error)
		if kerr == nil || kerr.Kind != kverr.NotLeader {
			return statemachine.ApplyResult{}, ferr
		}
	}
	return statemachine.ApplyResult{}, err
}

// ProposeRaw submits an already-encoded command through the leader. It
// exists for collaborators that build their own replicated command
// outside ClusterClient's own operation set, namely ttl.Reaper's
// cleanup_expired tick (spec §4.6).
func (c *Client) ProposeRaw(data []byte, timeout time.Duration) (statemachine.ApplyResult, error) {
	return c.propose("cleanup_expired", "", data, timeout)
}

// Put implements put (spec §4.5). The value is compressed client-side
// before proposal so only one set of bytes ever enters the log (spec
// §4.2, §4.5).
func (c *Client) Put(key string, value []byte, ttlS *int64, forceCompress bool, o Opts) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := c.checkQuota(o, "put", key); err != nil {
		return err
	}
	encoded := c.encodeValue(value, forceCompress)
	var expiresAt *int64
	if ttlS != nil {
		exp := time.Now().Unix() + *ttlS
		expiresAt = &exp
	}
	data, err := statemachine.Encode(statemachine.OpPut, statemachine.PutArgs{Key: []byte(key), Value: encoded, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	result, err := c.propose("put", key, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

func (c *Client) encodeValue(value []byte, force bool) []byte {
	if !codec.ShouldCompress(c.cfg.Codec, len(value), force) {
		return value
	}
	out, err := codec.Compress(value, c.cfg.Codec.Algorithm, c.cfg.Codec.Level)
	if err != nil {
		return value
	}
	return out
}

// Get implements get.
func (c *Client) Get(key string, o Opts) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.checkQuota(o, "get", key); err != nil {
		return nil, err
	}
	start := time.Now()
	value, err := c.readLocal(o, func(sm *statemachine.StateMachine) (interface{}, error) { return sm.Get(key) })
	c.cfg.Sink.OnCall("get", string(c.consistency(o)), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// readLocal serves a query at the requested consistency level (spec
// §4.5): eventual and leader reads hit the local StateMachine directly;
// strong reads first verify leadership and wait on the apply barrier.
func (c *Client) readLocal(o Opts, fn func(*statemachine.StateMachine) (interface{}, error)) (interface{}, error) {
	switch c.consistency(o) {
	case Strong:
		if err := c.node.VerifyLeadership(); err != nil {
			return nil, err
		}
		if err := c.node.Barrier(c.timeout(o)); err != nil {
			return nil, kverr.Wrap(kverr.Timeout, "consistent_query", err)
		}
	case Leader:
		if !c.node.IsLeader() {
			return nil, kverr.New(kverr.NotLeader, "get").WithLeaderHint(c.node.LeaderAddr())
		}
	case Eventual:
		// any replica, local query — no coordination needed.
	}
	return fn(c.node.StateMachine())
}

// Delete implements delete.
func (c *Client) Delete(key string, o Opts) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := c.checkQuota(o, "delete", key); err != nil {
		return err
	}
	data, err := statemachine.Encode(statemachine.OpDelete, statemachine.DeleteArgs{Key: []byte(key)})
	if err != nil {
		return err
	}
	result, err := c.propose("delete", key, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// Touch implements touch: resets (not extends) the key's TTL to ttlS
// seconds from now.
func (c *Client) Touch(key string, ttlS int64, o Opts) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := statemachine.Encode(statemachine.OpTouch, statemachine.TouchArgs{Key: []byte(key), AdditionalTTLS: ttlS})
	if err != nil {
		return err
	}
	result, err := c.propose("touch", key, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// TTL implements ttl.
func (c *Client) TTL(key string, o Opts) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	v, err := c.readLocal(o, func(sm *statemachine.StateMachine) (interface{}, error) { return sm.TTL(key) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetWithTTL implements get_with_ttl.
func (c *Client) GetWithTTL(key string, o Opts) ([]byte, *int64, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	sm := c.node.StateMachine()
	switch c.consistency(o) {
	case Strong:
		if err := c.node.VerifyLeadership(); err != nil {
			return nil, nil, err
		}
		if err := c.node.Barrier(c.timeout(o)); err != nil {
			return nil, nil, kverr.Wrap(kverr.Timeout, "consistent_query", err)
		}
	case Leader:
		if !c.node.IsLeader() {
			return nil, nil, kverr.New(kverr.NotLeader, "get_with_ttl").WithLeaderHint(c.node.LeaderAddr())
		}
	}
	return sm.GetWithTTL(key)
}

// condArgs validates and splits exactly-one-of expected/condition.
func condArgs(expected []byte, hasExpected bool, cond *descriptor.Predicate) (bool, error) {
	if hasExpected && cond != nil {
		return false, kverr.New(kverr.ConflictingConditions, "cas")
	}
	if !hasExpected && cond == nil {
		return false, kverr.New(kverr.MissingCondition, "cas")
	}
	return hasExpected, nil
}

// PutIf implements put_if.
func (c *Client) PutIf(key string, value []byte, ttlS *int64, expected []byte, hasExpected bool, cond *descriptor.Predicate, forceCompress bool, o Opts) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := condArgs(expected, hasExpected, cond); err != nil {
		return err
	}
	encoded := c.encodeValue(value, forceCompress)
	var expiresAt *int64
	if ttlS != nil {
		exp := time.Now().Unix() + *ttlS
		expiresAt = &exp
	}
	data, err := statemachine.Encode(statemachine.OpPutIf, statemachine.PutIfArgs{
		Key: []byte(key), Value: encoded, ExpiresAt: expiresAt,
		Expected: expected, HasExpected: hasExpected, Condition: cond,
	})
	if err != nil {
		return err
	}
	result, err := c.propose("put_if", key, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// DeleteIf implements delete_if.
func (c *Client) DeleteIf(key string, expected []byte, hasExpected bool, cond *descriptor.Predicate, o Opts) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := condArgs(expected, hasExpected, cond); err != nil {
		return err
	}
	data, err := statemachine.Encode(statemachine.OpDeleteIf, statemachine.DeleteIfArgs{
		Key: []byte(key), Expected: expected, HasExpected: hasExpected, Condition: cond,
	})
	if err != nil {
		return err
	}
	result, err := c.propose("delete_if", key, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// PutEntry is one entry within a put_many call.
type PutEntry struct {
	Key   string
	Value []byte
	TTLS  *int64
}

// PutMany implements put_many.
func (c *Client) PutMany(entries []PutEntry, forceCompress bool, o Opts) (statemachine.BatchReply, error) {
	if len(entries) > statemachine.MaxBatchSize {
		return statemachine.BatchReply{}, kverr.New(kverr.BatchTooLarge, "put_many")
	}
	args := make([]statemachine.PutArgs, 0, len(entries))
	for _, e := range entries {
		if err := validateKey(e.Key); err != nil {
			return statemachine.BatchReply{}, err
		}
		var expiresAt *int64
		if e.TTLS != nil {
			exp := time.Now().Unix() + *e.TTLS
			expiresAt = &exp
		}
		args = append(args, statemachine.PutArgs{Key: []byte(e.Key), Value: c.encodeValue(e.Value, forceCompress), ExpiresAt: expiresAt})
	}
	data, err := statemachine.Encode(statemachine.OpPutMany, statemachine.PutManyArgs{Entries: args})
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	result, err := c.propose("put_many", "", data, c.timeout(o))
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	if result.Err != nil {
		return statemachine.BatchReply{}, result.Err
	}
	return result.Reply.(statemachine.BatchReply), nil
}

// GetMany implements get_many.
func (c *Client) GetMany(keys []string, o Opts) (map[string]statemachine.GetManyResult, error) {
	if len(keys) > statemachine.MaxBatchSize {
		return nil, kverr.New(kverr.BatchTooLarge, "get_many")
	}
	v, err := c.readLocal(o, func(sm *statemachine.StateMachine) (interface{}, error) { return sm.GetMany(keys), nil })
	if err != nil {
		return nil, err
	}
	return v.(map[string]statemachine.GetManyResult), nil
}

// DeleteMany implements delete_many.
func (c *Client) DeleteMany(keys []string, o Opts) (statemachine.BatchReply, error) {
	if len(keys) > statemachine.MaxBatchSize {
		return statemachine.BatchReply{}, kverr.New(kverr.BatchTooLarge, "delete_many")
	}
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		if err := validateKey(k); err != nil {
			return statemachine.BatchReply{}, err
		}
		raw[i] = []byte(k)
	}
	data, err := statemachine.Encode(statemachine.OpDeleteMany, statemachine.DeleteManyArgs{Keys: raw})
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	result, err := c.propose("delete_many", "", data, c.timeout(o))
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	if result.Err != nil {
		return statemachine.BatchReply{}, result.Err
	}
	return result.Reply.(statemachine.BatchReply), nil
}

// TouchEntry is one entry within a touch_many call.
type TouchEntry struct {
	Key  string
	TTLS int64
}

// TouchMany implements touch_many.
func (c *Client) TouchMany(entries []TouchEntry, o Opts) (statemachine.BatchReply, error) {
	if len(entries) > statemachine.MaxBatchSize {
		return statemachine.BatchReply{}, kverr.New(kverr.BatchTooLarge, "touch_many")
	}
	args := make([]statemachine.TouchArgs, 0, len(entries))
	for _, e := range entries {
		args = append(args, statemachine.TouchArgs{Key: []byte(e.Key), AdditionalTTLS: e.TTLS})
	}
	data, err := statemachine.Encode(statemachine.OpTouchMany, statemachine.TouchManyArgs{Entries: args})
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	result, err := c.propose("touch_many", "", data, c.timeout(o))
	if err != nil {
		return statemachine.BatchReply{}, err
	}
	if result.Err != nil {
		return statemachine.BatchReply{}, result.Err
	}
	return result.Reply.(statemachine.BatchReply), nil
}

// GetAll implements get_all.
func (c *Client) GetAll(o Opts) (map[string][]byte, error) {
	v, err := c.readLocal(o, func(sm *statemachine.StateMachine) (interface{}, error) { return sm.GetAll(), nil })
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

// GetAllWithTTL implements get_all_with_ttl.
func (c *Client) GetAllWithTTL(o Opts) (map[string]statemachine.AllWithTTL, error) {
	v, err := c.readLocal(o, func(sm *statemachine.StateMachine) (interface{}, error) { return sm.GetAllWithTTL(), nil })
	if err != nil {
		return nil, err
	}
	return v.(map[string]statemachine.AllWithTTL), nil
}

// CreateIndex implements create_index (§4.8's client-facing entry point).
func (c *Client) CreateIndex(name string, extractor *descriptor.Extractor, o Opts) error {
	data, err := statemachine.Encode(statemachine.OpCreateIndex, statemachine.CreateIndexArgs{Name: name, Extractor: extractor})
	if err != nil {
		return err
	}
	result, err := c.propose("create_index", name, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// DropIndex implements drop_index.
func (c *Client) DropIndex(name string, o Opts) error {
	data, err := statemachine.Encode(statemachine.OpDropIndex, statemachine.DropIndexArgs{Name: name})
	if err != nil {
		return err
	}
	result, err := c.propose("drop_index", name, data, c.timeout(o))
	if err != nil {
		return err
	}
	return result.Err
}

// IndexLookup implements index_lookup: a local, non-replicated read.
func (c *Client) IndexLookup(name, term string, o Opts) ([]string, error) {
	return c.node.StateMachine().IndexLookup(name, term)
}

// ListIndexes implements list_indexes.
func (c *Client) ListIndexes() []string {
	return c.node.StateMachine().ListIndexes()
}

// StatusReply is the reply for the status query.
type StatusReply struct {
	Node    raftnode.Status
	Storage statemachine.Stats
}

// Status implements status.
func (c *Client) Status(o Opts) StatusReply {
	return StatusReply{Node: c.node.Status(), Storage: c.node.StateMachine().Stats()}
}

// Members implements members.
func (c *Client) Members() ([]raftnode.Member, error) {
	return c.node.Members()
}

// AddVoter implements MembershipController's add_voter (spec §4.7),
// exposed here since ClusterClient is the only public surface.
func (c *Client) AddVoter(nodeID, addr string, o Opts) error {
	return c.node.AddVoter(nodeID, addr, c.timeout(o))
}

// RemoveVoter implements MembershipController's remove_voter.
func (c *Client) RemoveVoter(nodeID string, o Opts) error {
	return c.node.RemoveVoter(nodeID, c.timeout(o))
}
