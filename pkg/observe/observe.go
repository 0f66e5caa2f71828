/*
Package observe defines Concord's observability hook: a small,
explicitly-registered event sink interface injected at construction time
(spec §6, §9). The core calls it on fixed, documented events and never
blocks on it or lets it influence control flow — a sink must be
side-effect only.

Collaborators (an HTTP front-end, a Prometheus exporter, a tracing
bridge) implement Sink and wire themselves in; the core itself ships only
a no-op sink and a zerolog-backed one for local development, consistent
with the teacher's pattern of an explicitly-registered broker
(github.com/cuemby/warren's pkg/events) rather than runtime monkey-patching.
*/
package observe

import "time"

// Sink receives Concord's lifecycle events. Every method must return
// promptly and must not panic; Concord does not recover from a sink
// panic on its behalf.
type Sink interface {
	// OnApply fires after every committed command is applied.
	OnApply(op string, key string, dur time.Duration, err error)
	// OnCall fires after every ClusterClient call that proposes a command,
	// and after Get. The other read, index, status and membership calls
	// do not fire it.
	OnCall(op string, consistency string, dur time.Duration, err error)
	// OnStateChange fires when this node's Raft role changes.
	OnStateChange(nodeID string, state string)
	// OnSnapshot fires when a snapshot is created or installed.
	OnSnapshot(phase string, entryCount int)
	// OnCleanup fires after a cleanup_expired sweep.
	OnCleanup(deletedCount int, dur time.Duration)
}

// NoopSink discards every event. It is the default when no sink is
// configured.
type NoopSink struct{}

func (NoopSink) OnApply(string, string, time.Duration, error)    {}
func (NoopSink) OnCall(string, string, time.Duration, error)      {}
func (NoopSink) OnStateChange(string, string)                     {}
func (NoopSink) OnSnapshot(string, int)                           {}
func (NoopSink) OnCleanup(int, time.Duration)                     {}

var _ Sink = NoopSink{}
