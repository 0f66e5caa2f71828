package observe

import (
	"time"

	"github.com/concord-db/concord/pkg/kverr"
	"github.com/concord-db/concord/pkg/log"
)

// LogSink emits every event as a structured zerolog line. It's the
// default sink for cmd/concordd when no external collaborator registers
// its own.
type LogSink struct{}

// NewLogSink creates a Sink that logs through log's global logger.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) OnApply(op, key string, dur time.Duration, err error) {
	ev := log.WithComponent("statemachine").Debug().Str("op", op).Str("key", key).Dur("duration", dur)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("apply")
}

func (s *LogSink) OnCall(op, consistency string, dur time.Duration, err error) {
	ev := log.WithComponent("client").Info().Str("op", op).Str("consistency", consistency).Dur("duration", dur)
	if err != nil {
		ev = ev.Err(err)
		if id := kverr.RequestIDOf(err); id != "" {
			ev = ev.Str("request_id", id)
		}
	}
	ev.Msg("call")
}

func (s *LogSink) OnStateChange(nodeID, state string) {
	log.WithNodeID(nodeID).Info().Str("state", state).Msg("raft state change")
}

func (s *LogSink) OnSnapshot(phase string, entryCount int) {
	log.WithComponent("statemachine").Info().Str("phase", phase).Int("entry_count", entryCount).Msg("snapshot")
}

func (s *LogSink) OnCleanup(deletedCount int, dur time.Duration) {
	log.WithComponent("ttl").Info().Int("deleted_count", deletedCount).Dur("duration", dur).Msg("cleanup_expired")
}

var _ Sink = (*LogSink)(nil)
