package ttl

import (
	"net"
	"testing"
	"time"

	"github.com/concord-db/concord/pkg/concord"
	"github.com/concord-db/concord/pkg/raftnode"
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

func newLeaderNode(t *testing.T) (*raftnode.Node, *statemachine.StateMachine) {
	t.Helper()
	fsm := statemachine.New()
	node, err := raftnode.Bootstrap(raftnode.Config{NodeID: "n1", BindAddr: freeAddr(t), DataDir: t.TempDir()}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, node.IsLeader())
	return node, fsm
}

func TestNewDefaultsInterval(t *testing.T) {
	r := New(nil, nil, nil, 0)
	require.Equal(t, DefaultInterval, r.interval)
}

func TestSweepDeletesExpiredEntriesOnLeader(t *testing.T) {
	node, fsm := newLeaderNode(t)
	client := concord.New(node, concord.Config{}, nil)
	r := New(client, node, nil, time.Hour)

	expired := int64(0)
	data, err := statemachine.Encode(statemachine.OpPut, statemachine.PutArgs{Key: []byte("dead"), Value: []byte("v"), ExpiresAt: &expired})
	require.NoError(t, err)
	_, err = node.Propose(data, time.Second)
	require.NoError(t, err)

	r.sweep()

	require.Equal(t, 0, fsm.Stats().Size, "sweep must remove the expired key")
}

func TestSweepIsNoopWhenNotLeader(t *testing.T) {
	fsm := statemachine.New()
	node, err := raftnode.JoinableNode(raftnode.Config{NodeID: "n2", BindAddr: freeAddr(t), DataDir: t.TempDir()}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	client := concord.New(node, concord.Config{}, nil)
	r := New(client, node, nil, time.Hour)

	require.NotPanics(t, func() { r.sweep() })
}

func TestStartStopDoesNotLeakGoroutine(t *testing.T) {
	node, _ := newLeaderNode(t)
	client := concord.New(node, concord.Config{}, nil)
	r := New(client, node, nil, 10*time.Millisecond)

	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()
}
