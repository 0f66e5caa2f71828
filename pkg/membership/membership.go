/*
Package membership implements Concord's MembershipController (spec C7):
the boundary an external discovery mechanism (a gossip layer, an
operator tool) drives to change cluster composition. The actual Raft
configuration change is serialized through raftnode.Node, which only
accepts it from the leader; this package's job is purely to decide, on
first start, whether to bootstrap a fresh cluster or join an existing
one, and otherwise to forward add_voter/remove_voter calls.

Grounded on the teacher's pkg/manager.Manager Bootstrap/Join entry
points, split out into its own package because Concord's ClusterClient
(unlike Warren's Manager) is not itself responsible for process startup
decisions.
*/
package membership

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/concord-db/concord/pkg/raftnode"
	"github.com/concord-db/concord/pkg/statemachine"
)

// Member names one voter in the initial cluster configuration.
type Member struct {
	NodeID string
	Addr   string
}

// hasPersistedState reports whether this node has already participated
// in a cluster, by checking for its Raft log store on disk. A node with
// persisted state must never re-bootstrap (spec §4.7: "once a valid
// persisted state exists, initial_members is ignored").
func hasPersistedState(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "raft-log.db"))
	return err == nil
}

// Start brings up this node's Raft group: bootstraps a fresh cluster
// from initialMembers if no persisted state exists, otherwise resumes
// from disk. It never joins an existing running cluster over the
// network itself — admission to a live cluster happens when the leader
// calls AddVoter for this node's ID, per spec §4.7.
func Start(cfg raftnode.Config, fsm *statemachine.StateMachine, initialMembers []Member) (*raftnode.Node, error) {
	if hasPersistedState(cfg.DataDir) {
		return raftnode.JoinableNode(cfg, fsm)
	}
	if len(initialMembers) <= 1 {
		return raftnode.Bootstrap(cfg, fsm)
	}
	return bootstrapMulti(cfg, fsm, initialMembers)
}

// bootstrapMulti forms a cluster whose initial Raft configuration
// already contains every declared initial voter, so a freshly-started
// fixed-size cluster doesn't need a leader to add_voter its peers one at
// a time.
func bootstrapMulti(cfg raftnode.Config, fsm *statemachine.StateMachine, members []Member) (*raftnode.Node, error) {
	node, err := raftnode.JoinableNode(cfg, fsm)
	if err != nil {
		return nil, err
	}
	servers := make([]raftnode.Member, 0, len(members))
	for _, m := range members {
		servers = append(servers, raftnode.Member{ID: m.NodeID, Address: m.Addr, Suffrage: "voter"})
	}
	if err := node.BootstrapConfiguration(servers); err != nil {
		return nil, fmt.Errorf("membership: bootstrap configuration: %w", err)
	}
	return node, nil
}

// AddVoter admits nodeID at addr into the cluster, catching up via
// snapshot + log tail before becoming a voter — hashicorp/raft's
// AddVoter already guarantees this (spec §4.7).
func AddVoter(node *raftnode.Node, nodeID, addr string, timeout time.Duration) error {
	return node.AddVoter(nodeID, addr, timeout)
}

// RemoveVoter evicts nodeID from the cluster.
func RemoveVoter(node *raftnode.Node, nodeID string, timeout time.Duration) error {
	return node.RemoveVoter(nodeID, timeout)
}
