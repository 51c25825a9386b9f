package syncproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the discriminator of a broadcast envelope.
type EventType string

const (
	NodeCreate    EventType = "NODE_CREATE"
	NodeUpdate    EventType = "NODE_UPDATE"
	NodeDelete    EventType = "NODE_DELETE"
	EdgeCreate    EventType = "EDGE_CREATE"
	EdgeUpdate    EventType = "EDGE_UPDATE"
	EdgeDelete    EventType = "EDGE_DELETE"
	HistoryRevert EventType = "HISTORY_REVERT"
	HistoryDelta  EventType = "HISTORY_DELTA"
)

// IsMutation reports whether t changes the graph. Mutations require edit rights.
func (t EventType) IsMutation() bool {
	switch t {
	case NodeCreate, NodeUpdate, NodeDelete, EdgeCreate, EdgeUpdate, EdgeDelete, HistoryRevert:
		return true
	}
	return false
}

// Envelope is the wire form of every broadcast on a map channel.
type Envelope struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Event is the closed set of broadcast payloads.
type Event interface {
	Type() EventType
	EntityID() string
	isEvent()
}

type NodeCreated struct{ Node Node }
type NodeUpdated struct{ Node Node }
type NodeDeleted struct{ NodeID string }
type EdgeCreated struct{ Edge Edge }
type EdgeUpdated struct{ Edge Edge }
type EdgeDeleted struct{ EdgeID string }

// HistoryReverted replaces the whole graph with the snapshot recorded by
// delta DeltaID.
type HistoryReverted struct {
	DeltaID  string   `json:"delta_id"`
	Snapshot Snapshot `json:"snapshot"`
}

// HistoryAppended pushes a newly persisted delta to live subscribers.
type HistoryAppended struct{ Delta Delta }

func (NodeCreated) Type() EventType     { return NodeCreate }
func (NodeUpdated) Type() EventType     { return NodeUpdate }
func (NodeDeleted) Type() EventType     { return NodeDelete }
func (EdgeCreated) Type() EventType     { return EdgeCreate }
func (EdgeUpdated) Type() EventType     { return EdgeUpdate }
func (EdgeDeleted) Type() EventType     { return EdgeDelete }
func (HistoryReverted) Type() EventType { return HistoryRevert }
func (HistoryAppended) Type() EventType { return HistoryDelta }

func (e NodeCreated) EntityID() string     { return e.Node.ID }
func (e NodeUpdated) EntityID() string     { return e.Node.ID }
func (e NodeDeleted) EntityID() string     { return e.NodeID }
func (e EdgeCreated) EntityID() string     { return e.Edge.ID }
func (e EdgeUpdated) EntityID() string     { return e.Edge.ID }
func (e EdgeDeleted) EntityID() string     { return e.EdgeID }
func (e HistoryReverted) EntityID() string { return e.DeltaID }
func (e HistoryAppended) EntityID() string { return e.Delta.ID }

func (NodeCreated) isEvent()     {}
func (NodeUpdated) isEvent()     {}
func (NodeDeleted) isEvent()     {}
func (EdgeCreated) isEvent()     {}
func (EdgeUpdated) isEvent()     {}
func (EdgeDeleted) isEvent()     {}
func (HistoryReverted) isEvent() {}
func (HistoryAppended) isEvent() {}

// Wrap encodes ev into an envelope stamped with its author and time.
func Wrap(ev Event, userID, origin string, at time.Time) (Envelope, error) {
	var payload any
	switch e := ev.(type) {
	case NodeCreated:
		payload = e.Node
	case NodeUpdated:
		payload = e.Node
	case EdgeCreated:
		payload = e.Edge
	case EdgeUpdated:
		payload = e.Edge
	case NodeDeleted, EdgeDeleted:
		payload = nil
	case HistoryReverted:
		payload = e
	case HistoryAppended:
		payload = e.Delta
	default:
		return Envelope{}, fmt.Errorf("unknown event %T", ev)
	}

	env := Envelope{
		Type:      ev.Type(),
		ID:        ev.EntityID(),
		UserID:    userID,
		Origin:    origin,
		Timestamp: at.UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("error encoding %s payload: %w", ev.Type(), err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode converts the envelope payload into its typed event.
func (e Envelope) Decode() (Event, error) {
	switch e.Type {
	case NodeCreate, NodeUpdate:
		var n Node
		if err := json.Unmarshal(e.Data, &n); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", e.Type, err)
		}
		if n.ID == "" {
			n.ID = e.ID
		}
		if e.Type == NodeCreate {
			return NodeCreated{Node: n}, nil
		}
		return NodeUpdated{Node: n}, nil
	case EdgeCreate, EdgeUpdate:
		var ed Edge
		if err := json.Unmarshal(e.Data, &ed); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", e.Type, err)
		}
		if ed.ID == "" {
			ed.ID = e.ID
		}
		if e.Type == EdgeCreate {
			return EdgeCreated{Edge: ed}, nil
		}
		return EdgeUpdated{Edge: ed}, nil
	case NodeDelete:
		return NodeDeleted{NodeID: e.ID}, nil
	case EdgeDelete:
		return EdgeDeleted{EdgeID: e.ID}, nil
	case HistoryRevert:
		var r HistoryReverted
		if err := json.Unmarshal(e.Data, &r); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", e.Type, err)
		}
		return r, nil
	case HistoryDelta:
		var d Delta
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", e.Type, err)
		}
		return HistoryAppended{Delta: d}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}
