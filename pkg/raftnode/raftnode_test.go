package raftnode

import (
	"net"
	"testing"
	"time"

	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/statemachine"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := Bootstrap(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	waitForLeader(t, node)
	status := node.Status()
	if status.State != "Leader" {
		t.Fatalf("expected Leader state, got %s", status.State)
	}
}

func TestProposeCommitsThroughFSM(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := Bootstrap(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	waitForLeader(t, node)

	data, err := statemachine.Encode(statemachine.OpPut, statemachine.PutArgs{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)

	result, err := node.Propose(data, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	v, err := fsm.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestProposeOnNonLeaderFails(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := JoinableNode(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	_, err = node.Propose([]byte("{}"), time.Second)
	require.Error(t, err)
}

func TestProposeOnUnbootstrappedNodeReturnsClusterNotReady(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := JoinableNode(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	_, err = node.Propose([]byte("{}"), time.Second)
	require.True(t, kverr.Is(err, kverr.ClusterNotReady), "a node with no bootstrapped configuration has no quorum to tell NotLeader from")
}

func TestProposeOnShutdownNodeReturnsClusterNotReady(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := Bootstrap(cfg, fsm)
	require.NoError(t, err)

	waitForLeader(t, node)
	require.NoError(t, node.Shutdown())

	_, err = node.Propose([]byte("{}"), time.Second)
	require.True(t, kverr.Is(err, kverr.ClusterNotReady))
}

func TestProposeOverInFlightBoundReturnsUnavailable(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir(), MaxInFlightProposals: 1}
	node, err := Bootstrap(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	waitForLeader(t, node)

	// Simulate the bound already being saturated by concurrent proposals
	// rather than racing real Apply calls against the ticker-driven commit
	// path, which would make the bound's exact trip point nondeterministic.
	node.inFlight.Store(cfg.MaxInFlightProposals)

	_, err = node.Propose([]byte("{}"), time.Second)
	require.True(t, kverr.Is(err, kverr.Unavailable))
}

func TestMembersReflectsBootstrappedConfiguration(t *testing.T) {
	fsm := statemachine.New()
	cfg := Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}
	node, err := Bootstrap(cfg, fsm)
	require.NoError(t, err)
	defer node.Shutdown()

	waitForLeader(t, node)

	members, err := node.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "n1", members[0].ID)
	require.Equal(t, "voter", members[0].Suffrage)
}
