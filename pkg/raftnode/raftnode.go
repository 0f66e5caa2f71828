/*
Package raftnode wraps hashicorp/raft into Concord's cluster-membership
and proposal primitive (spec C4). It owns the *raft.Raft handle, its
on-disk log/stable stores and snapshot store, and exposes the small
surface ClusterClient needs: Propose, a consistent-read barrier, cluster
membership changes, and status.

The construction and lifecycle shape follows the teacher's
pkg/manager/manager.go Bootstrap/Join/AddVoter/RemoveServer pattern,
generalized from Warren's orchestration-state Raft group to Concord's
key-value StateMachine.
*/
package raftnode

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/statemachine"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// DefaultMaxInFlightProposals bounds concurrent in-flight Apply calls per
// node when Config.MaxInFlightProposals is unset (spec §5 Backpressure).
const DefaultMaxInFlightProposals = 1000

// Config configures a Node's Raft transport and storage.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// HeartbeatTimeout, ElectionTimeout, CommitTimeout, LeaderLeaseTimeout
	// override raft.DefaultConfig's values when non-zero. Concord defaults
	// to the teacher's tuned LAN/edge timeouts rather than Raft's WAN-safe
	// defaults.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration

	// MaxInFlightProposals bounds the number of Propose calls this node
	// will admit to Raft concurrently; a Propose beyond the bound fails
	// fast with kverr.Unavailable rather than queuing unboundedly (spec
	// §5 Backpressure, §7).
	MaxInFlightProposals int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	if c.MaxInFlightProposals == 0 {
		c.MaxInFlightProposals = DefaultMaxInFlightProposals
	}
	return c
}

// Node wraps a *raft.Raft bound to a statemachine.StateMachine.
type Node struct {
	cfg      Config
	raft     *raft.Raft
	fsm      *statemachine.StateMachine
	inFlight atomic.Int64
}

func raftConfig(cfg Config) *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.HeartbeatTimeout = cfg.HeartbeatTimeout
	rc.ElectionTimeout = cfg.ElectionTimeout
	rc.CommitTimeout = cfg.CommitTimeout
	rc.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	return rc
}

func newRaft(cfg Config, fsm *statemachine.StateMachine) (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raftnode: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftnode: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftnode: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("raftnode: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("raftnode: create stable store: %w", err)
	}
	r, err := raft.NewRaft(raftConfig(cfg), fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raftnode: create raft: %w", err)
	}

	go watchLeadership(cfg.NodeID, r, fsm)
	return r, nil
}

// watchLeadership mirrors Raft's LeaderCh into the StateMachine's
// observability sink so external collaborators see role transitions
// without polling State().
func watchLeadership(nodeID string, r *raft.Raft, fsm *statemachine.StateMachine) {
	for isLeader := range r.LeaderCh() {
		state := "follower"
		if isLeader {
			state = "leader"
		}
		fsm.Sink().OnStateChange(nodeID, state)
	}
}

// Bootstrap creates a brand-new single-node cluster rooted at this node.
func Bootstrap(cfg Config, fsm *statemachine.StateMachine) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftnode: create data dir: %w", err)
	}
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("raftnode: bootstrap cluster: %w", err)
	}
	return &Node{cfg: cfg, raft: r, fsm: fsm}, nil
}

// JoinableNode starts Raft for a node that will be added to an existing
// cluster via the leader's AddVoter, without bootstrapping its own
// configuration. The caller is responsible for getting this node's ID and
// bind address to the leader (ClusterClient.AddVoter from another node, or
// an operator-driven membership call).
func JoinableNode(cfg Config, fsm *statemachine.StateMachine) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftnode: create data dir: %w", err)
	}
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}
	return &Node{cfg: cfg, raft: r, fsm: fsm}, nil
}

// BootstrapConfiguration forms a cluster whose initial Raft
// configuration already contains every given member, for a fixed-size
// cluster that starts with all its voters known in advance rather than
// admitting them one at a time via AddVoter.
func (n *Node) BootstrapConfiguration(members []Member) error {
	servers := make([]raft.Server, 0, len(members))
	for _, m := range members {
		suffrage := raft.Voter
		if m.Suffrage == "nonvoter" {
			suffrage = raft.Nonvoter
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(m.ID), Address: raft.ServerAddress(m.Address), Suffrage: suffrage})
	}
	return n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
}

// Propose applies an encoded command through Raft consensus and returns
// the StateMachine's ApplyResult once committed (or a timeout/forwarding
// error).
func (n *Node) Propose(data []byte, timeout time.Duration) (statemachine.ApplyResult, error) {
	if !n.ready() {
		return statemachine.ApplyResult{}, kverr.New(kverr.ClusterNotReady, "propose")
	}
	if n.raft.State() != raft.Leader {
		return statemachine.ApplyResult{}, notLeaderErr(n, "propose")
	}

	if n.inFlight.Add(1) > n.cfg.MaxInFlightProposals {
		n.inFlight.Add(-1)
		return statemachine.ApplyResult{}, kverr.New(kverr.Unavailable, "propose")
	}
	defer n.inFlight.Add(-1)

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return statemachine.ApplyResult{}, fmt.Errorf("raftnode: apply: %w", err)
	}
	result, ok := future.Response().(statemachine.ApplyResult)
	if !ok {
		return statemachine.ApplyResult{}, fmt.Errorf("raftnode: unexpected apply response type")
	}
	return result, nil
}

// ready reports whether Raft has a non-empty configuration and isn't
// shut down — i.e. whether NotLeader (this node belongs to a cluster but
// is not its leader) is even a meaningful answer, as opposed to
// ClusterNotReady (no configuration has been bootstrapped or received
// yet, or this node's Raft group has been stopped). It does not check
// whether a quorum is reachable.
func (n *Node) ready() bool {
	if n.raft.State() == raft.Shutdown {
		return false
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return false
	}
	return len(future.Configuration().Servers) > 0
}

// VerifyLeadership confirms this node is still leader as of a round-trip
// with a quorum of followers, the basis for Concord's "strong"
// consistency level (spec §4.4). "leader" reads check IsLeader only.
func (n *Node) VerifyLeadership() error {
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return notLeaderErr(n, "verify_leader")
	}
	return nil
}

// Barrier blocks until every log entry this node accepted before the call
// has been applied to its StateMachine, ensuring a subsequent local read
// observes them. Combined with VerifyLeadership it gives strong reads
// without a write through the log (spec §4.4's read-index-style path).
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader as Raft's
// transport layer knows it, empty if unknown.
func (n *Node) LeaderAddr() string {
	return string(n.raft.Leader())
}

func notLeaderErr(n *Node, op string) error {
	e := kverr.New(kverr.NotLeader, op)
	if hint := n.LeaderAddr(); hint != "" {
		e = e.WithLeaderHint(hint)
	}
	return e
}

// AddVoter admits a new node into the cluster. Only the leader may call
// this; spec §4.4 requires membership changes to go through the leader.
func (n *Node) AddVoter(nodeID, addr string, timeout time.Duration) error {
	if !n.IsLeader() {
		return notLeaderErr(n, "add_voter")
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raftnode: add voter: %w", err)
	}
	return nil
}

// RemoveVoter evicts a node from the cluster.
func (n *Node) RemoveVoter(nodeID string, timeout time.Duration) error {
	if !n.IsLeader() {
		return notLeaderErr(n, "remove_voter")
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raftnode: remove server: %w", err)
	}
	return nil
}

// Member describes one entry in the current Raft configuration.
type Member struct {
	ID      string
	Address string
	Suffrage string
}

// Members lists the current cluster configuration.
func (n *Node) Members() ([]Member, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raftnode: get configuration: %w", err)
	}
	servers := future.Configuration().Servers
	out := make([]Member, 0, len(servers))
	for _, s := range servers {
		suffrage := "voter"
		if s.Suffrage == raft.Nonvoter {
			suffrage = "nonvoter"
		}
		out = append(out, Member{ID: string(s.ID), Address: string(s.Address), Suffrage: suffrage})
	}
	return out, nil
}

// Status is the reply for ClusterClient's status query (spec §4.4).
type Status struct {
	NodeID       string
	State        string
	Leader       string
	LastLogIndex uint64
	AppliedIndex uint64
	Peers        int
}

// Status reports this node's current Raft role and log position.
func (n *Node) Status() Status {
	st := Status{
		NodeID:       n.cfg.NodeID,
		State:        n.raft.State().String(),
		Leader:       string(n.raft.Leader()),
		LastLogIndex: n.raft.LastIndex(),
		AppliedIndex: n.raft.AppliedIndex(),
	}
	if members, err := n.Members(); err == nil {
		st.Peers = len(members)
	}
	return st
}

// TriggerSnapshot forces an immediate snapshot on demand (spec §4.4).
// Nothing in Concord calls it on a schedule; otherwise Raft's own
// snapshot thresholds decide when snapshots are taken.
func (n *Node) TriggerSnapshot() error {
	if err := n.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("raftnode: snapshot: %w", err)
	}
	return nil
}

// Shutdown stops the Raft group, releasing its transport and stores.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("raftnode: shutdown: %w", err)
	}
	return nil
}

// StateMachine exposes the underlying StateMachine for local, non-
// consistent reads that don't need to go through Raft at all.
func (n *Node) StateMachine() *statemachine.StateMachine {
	return n.fsm
}
