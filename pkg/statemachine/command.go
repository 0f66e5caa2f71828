/*
Package statemachine implements Concord's StateMachine (spec C3): the
deterministic (state, command) -> (state', reply) transition function
driven by committed Raft log entries, plus the query handler and snapshot
save/restore.

Commands travel through the Raft log as JSON, mirroring the teacher
pattern of a small Op/Data envelope (github.com/cuemby/warren's
manager.Command) so every replica decodes the same bytes into the same
typed arguments before applying them.
*/
package statemachine

import (
	"encoding/json"

	"github.com/concord-db/concord/pkg/descriptor"
)

// Op names a replicated command.
type Op string

const (
	OpPut            Op = "put"
	OpDelete         Op = "delete"
	OpPutIf          Op = "put_if"
	OpDeleteIf       Op = "delete_if"
	OpTouch          Op = "touch"
	OpCleanupExpired Op = "cleanup_expired"
	OpPutMany        Op = "put_many"
	OpDeleteMany     Op = "delete_many"
	OpTouchMany      Op = "touch_many"
	OpCreateIndex    Op = "create_index"
	OpDropIndex      Op = "drop_index"
)

// MaxBatchSize is the cap on entries per *_many command (spec §4.3).
const MaxBatchSize = 500

// Command is the replicated envelope: an Op tag and its JSON-encoded
// arguments. Every replica's Apply decodes Data according to Op.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Encode marshals args into a Command ready for raft.Apply.
func Encode(op Op, args interface{}) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Op: op, Data: data})
}

// PutArgs is the payload for OpPut.
type PutArgs struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// DeleteArgs is the payload for OpDelete.
type DeleteArgs struct {
	Key []byte `json:"key"`
}

// PutIfArgs is the payload for OpPutIf. Exactly one of Expected or
// Condition must be set; ClusterClient enforces this before proposing,
// but Apply re-checks it defensively.
type PutIfArgs struct {
	Key       []byte               `json:"key"`
	Value     []byte               `json:"value"`
	ExpiresAt *int64               `json:"expires_at,omitempty"`
	Expected  []byte               `json:"expected,omitempty"`
	HasExpected bool               `json:"has_expected,omitempty"`
	Condition *descriptor.Predicate `json:"condition,omitempty"`
}

// DeleteIfArgs is the payload for OpDeleteIf.
type DeleteIfArgs struct {
	Key       []byte               `json:"key"`
	Expected  []byte               `json:"expected,omitempty"`
	HasExpected bool               `json:"has_expected,omitempty"`
	Condition *descriptor.Predicate `json:"condition,omitempty"`
}

// TouchArgs is the payload for OpTouch.
type TouchArgs struct {
	Key            []byte `json:"key"`
	AdditionalTTLS int64  `json:"additional_ttl_s"`
}

// PutManyArgs is the payload for OpPutMany.
type PutManyArgs struct {
	Entries []PutArgs `json:"entries"`
}

// DeleteManyArgs is the payload for OpDeleteMany.
type DeleteManyArgs struct {
	Keys [][]byte `json:"keys"`
}

// TouchManyArgs is the payload for OpTouchMany.
type TouchManyArgs struct {
	Entries []TouchArgs `json:"entries"`
}

// CreateIndexArgs is the payload for OpCreateIndex.
type CreateIndexArgs struct {
	Name      string                `json:"name"`
	Extractor *descriptor.Extractor `json:"extractor"`
}

// DropIndexArgs is the payload for OpDropIndex.
type DropIndexArgs struct {
	Name string `json:"name"`
}

// KeyResult is one key's outcome within a *_many reply.
type KeyResult struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchReply is the reply shape for every *_many command.
type BatchReply struct {
	Results []KeyResult `json:"results"`
}

// CleanupReply is the reply for OpCleanupExpired.
type CleanupReply struct {
	DeletedCount int `json:"deleted_count"`
	ScannedCount int `json:"scanned_count"`
}
