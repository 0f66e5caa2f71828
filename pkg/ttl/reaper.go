/*
Package ttl implements Concord's TTLReaper (spec C6): a periodic activity
that proposes a single cleanup_expired command at a configured interval.
Any replica may run the timer; a follower's tick checks leadership
locally and skips without proposing, so only the leader sweeps — spec
§4.6 calls duplicate sweeps across replicas harmless.

The start/stop/ticker shape is grounded on the teacher's
pkg/manager.MetricsCollector (ticker + stopCh + goroutine), generalized
from metrics collection to TTL sweeping.
*/
package ttl

import (
	"time"

	"github.com/concord-db/concord/pkg/concord"
	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/observe"
	"github.com/concord-db/concord/pkg/statemachine"
)

// DefaultInterval is the sweep period named in spec §4.6.
const DefaultInterval = 60 * time.Second

// Reaper periodically proposes cleanup_expired.
type Reaper struct {
	client   *concord.Client
	node     Proposer
	sink     observe.Sink
	interval time.Duration
	stopCh   chan struct{}
}

// Proposer is the subset of raftnode.Node the reaper needs: only the
// leader's tick actually proposes, so a not-leader node's tick is a
// cheap no-op rather than a wasted round trip through Client.
type Proposer interface {
	IsLeader() bool
}

// New creates a Reaper. interval <= 0 selects DefaultInterval.
func New(client *concord.Client, node Proposer, sink observe.Sink, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sink == nil {
		sink = observe.NoopSink{}
	}
	return &Reaper{client: client, node: node, sink: sink, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) sweep() {
	if !r.node.IsLeader() {
		return
	}
	start := time.Now()
	data, err := statemachine.Encode(statemachine.OpCleanupExpired, struct{}{})
	if err != nil {
		return
	}
	result, err := r.client.ProposeRaw(data, 5*time.Second)
	dur := time.Since(start)
	if err != nil {
		if kverr.KindOf(err) != kverr.NotLeader {
			r.sink.OnCleanup(0, dur)
		}
		return
	}
	reply, ok := result.Reply.(statemachine.CleanupReply)
	if !ok {
		return
	}
	r.sink.OnCleanup(reply.DeletedCount, dur)
}
