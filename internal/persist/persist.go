// Package persist is the durable store collaborator: map entities, the delta
// history log and per-user map permissions.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gihan9a/mapsync/internal/config"
	"gihan9a/mapsync/pkg/syncproto"
)

var (
	ErrNotFound = errors.New("persist: not found")
	ErrInvalid  = errors.New("persist: invalid entity")
)

// CreateNodeRequest is the input of the atomic node creation call. When
// ParentID is set, an edge ParentID -> Node.ID is created in the same unit.
type CreateNodeRequest struct {
	Node         syncproto.Node `json:"node"`
	ParentID     string         `json:"parent_id,omitempty"`
	EdgeID       string         `json:"edge_id,omitempty"`
	EdgeType     string         `json:"edge_type,omitempty"`
	EdgeStyle    map[string]any `json:"edge_style,omitempty"`
	EdgeMetadata map[string]any `json:"edge_metadata,omitempty"`
}

// ParentEdge returns the edge the request would create, if any
func (r CreateNodeRequest) ParentEdge() (syncproto.Edge, bool) {
	if r.ParentID == "" {
		return syncproto.Edge{}, false
	}
	edgeType := r.EdgeType
	if edgeType == "" {
		edgeType = syncproto.DefaultEdgeType
	}
	return syncproto.Edge{
		ID:        r.EdgeID,
		MapID:     r.Node.MapID,
		Source:    r.ParentID,
		Target:    r.Node.ID,
		Type:      edgeType,
		Style:     r.EdgeStyle,
		Metadata:  r.EdgeMetadata,
		CreatorID: r.Node.CreatorID,
		CreatedAt: r.Node.CreatedAt,
		UpdatedAt: r.Node.UpdatedAt,
	}, true
}

// CreateNodeResult is what the store persisted, which may differ from the
// request (timestamps, generated ids).
type CreateNodeResult struct {
	Node syncproto.Node  `json:"node"`
	Edge *syncproto.Edge `json:"edge,omitempty"`
}

// MapStore persists the graph of each map.
type MapStore interface {
	LoadMap(ctx context.Context, mapID string) (syncproto.Snapshot, error)
	// CreateNode creates the node and, when a parent is given, its parent
	// edge. Either both rows persist or neither does.
	CreateNode(ctx context.Context, req CreateNodeRequest) (CreateNodeResult, error)
	UpsertNode(ctx context.Context, node syncproto.Node) error
	UpsertEdge(ctx context.Context, edge syncproto.Edge) error
	// DeleteNode removes the node and every edge incident to it.
	DeleteNode(ctx context.Context, mapID, nodeID string) error
	DeleteEdge(ctx context.Context, mapID, edgeID string) error
	// ReplaceMap swaps the whole graph, used to persist a history revert.
	ReplaceMap(ctx context.Context, mapID string, snap syncproto.Snapshot) error
}

// HistoryStore is the per-map delta log, read in ascending timestamp order.
type HistoryStore interface {
	AppendDelta(ctx context.Context, delta syncproto.Delta) error
	// ListDeltas returns the window [offset, offset+limit) and the total
	// number of deltas of the map.
	ListDeltas(ctx context.Context, mapID string, offset, limit int) ([]syncproto.Delta, int, error)
}

// PermissionStore holds the access each user has on each map.
type PermissionStore interface {
	// ReadPermission returns ErrNotFound when the user has no grant.
	ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error)
	WritePermission(ctx context.Context, mapID, userID string, state syncproto.PermissionState) error
	DeletePermission(ctx context.Context, mapID, userID string) error
	// CountPermissions returns how many users hold a grant on the map.
	CountPermissions(ctx context.Context, mapID string) (int, error)
}

// Backend bundles the three stores.
type Backend interface {
	MapStore
	HistoryStore
	PermissionStore
	Close() error
}

// Open creates the backend named by the storage config
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "file":
		return NewFileStore(cfg.DataDir)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// ValidateNode checks the fields every persisted node must carry
func ValidateNode(n syncproto.Node) error {
	if n.ID == "" || n.MapID == "" {
		return fmt.Errorf("%w: node needs id and map id", ErrInvalid)
	}
	if n.Type != "" && !syncproto.ValidNodeType(n.Type) {
		return fmt.Errorf("%w: unknown node type %q", ErrInvalid, n.Type)
	}
	return nil
}

// ValidateEdge checks the fields every persisted edge must carry
func ValidateEdge(e syncproto.Edge) error {
	if e.ID == "" || e.MapID == "" || e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: edge needs id, map id, source and target", ErrInvalid)
	}
	return nil
}

// stampNode fills server-shaped defaults on a node being persisted
func stampNode(n syncproto.Node, now time.Time) syncproto.Node {
	n = n.Clone()
	if n.Type == "" {
		n.Type = syncproto.NodeTypeDefault
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	n.Position = n.Position.Normalize()
	n.Size = n.Size.Normalize()
	return n
}

func stampEdge(e syncproto.Edge, now time.Time) syncproto.Edge {
	e = e.Clone()
	if e.Type == "" {
		e.Type = syncproto.DefaultEdgeType
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return e
}

// clampWindow bounds an offset/limit pair to a list of n items
func clampWindow(offset, limit, n int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if n < offset {
		offset = n
	}
	end := n
	if 0 < limit && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
