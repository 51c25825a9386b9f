package syncproto

import (
	"encoding/json"
	"time"
)

// Delta records one state-changing action on a map: the graph before and
// after it, and the JSON Patch between the two.
type Delta struct {
	ID         string          `json:"id"`
	MapID      string          `json:"map_id"`
	ActionName string          `json:"action_name"`
	ActorID    string          `json:"actor_id"`
	Before     Snapshot        `json:"before"`
	After      Snapshot        `json:"after"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
