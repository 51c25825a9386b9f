// Package syncproto defines the mind map entities and the messages exchanged
// between sync clients and the server.
package syncproto

import (
	"math"
	"reflect"
	"sort"
	"time"
)

// CoordPrecision is the number of decimal places the durable store keeps for
// position and size columns.
const CoordPrecision = 2

// NodeType tags the kind of a node.
type NodeType string

const (
	NodeTypeDefault    NodeType = "default"
	NodeTypeText       NodeType = "text"
	NodeTypeImage      NodeType = "image"
	NodeTypeResource   NodeType = "resource"
	NodeTypeQuestion   NodeType = "question"
	NodeTypeAnnotation NodeType = "annotation"
	NodeTypeCode       NodeType = "code"
	NodeTypeTask       NodeType = "task"
	NodeTypeGroup      NodeType = "group"
	NodeTypeReference  NodeType = "reference"
)

var nodeTypes = map[NodeType]struct{}{
	NodeTypeDefault:    {},
	NodeTypeText:       {},
	NodeTypeImage:      {},
	NodeTypeResource:   {},
	NodeTypeQuestion:   {},
	NodeTypeAnnotation: {},
	NodeTypeCode:       {},
	NodeTypeTask:       {},
	NodeTypeGroup:      {},
	NodeTypeReference:  {},
}

// ValidNodeType reports whether t is one of the known node kinds.
func ValidNodeType(t NodeType) bool {
	_, ok := nodeTypes[t]
	return ok
}

// DefaultEdgeType is used when an edge draft does not name a type.
const DefaultEdgeType = "default"

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a node's measured dimensions.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is a vertex of a mind map.
type Node struct {
	ID        string         `json:"id"`
	MapID     string         `json:"map_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Content   string         `json:"content"`
	Position  Position       `json:"position"`
	Size      *Size          `json:"size,omitempty"`
	Type      NodeType       `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatorID string         `json:"creator_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge connects two nodes of the same map.
type Edge struct {
	ID        string         `json:"id"`
	MapID     string         `json:"map_id"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Type      string         `json:"type"`
	Style     map[string]any `json:"style,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatorID string         `json:"creator_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot is the full graph of a map at one point in time. Nodes and edges
// are kept sorted by id.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// RoundCoord rounds v to CoordPrecision decimal places.
func RoundCoord(v float64) float64 {
	scale := math.Pow(10, CoordPrecision)
	return math.Round(v*scale) / scale
}

// Normalize returns p rounded to the persisted precision.
func (p Position) Normalize() Position {
	return Position{X: RoundCoord(p.X), Y: RoundCoord(p.Y)}
}

// Normalize returns s rounded to the persisted precision.
func (s *Size) Normalize() *Size {
	if s == nil {
		return nil
	}
	return &Size{Width: RoundCoord(s.Width), Height: RoundCoord(s.Height)}
}

// NormalizeNode returns a copy of n with coordinates rounded and defaults
// filled in.
func NormalizeNode(n Node) Node {
	out := n.Clone()
	out.Position = n.Position.Normalize()
	out.Size = n.Size.Normalize()
	if out.Type == "" {
		out.Type = NodeTypeDefault
	}
	return out
}

// NormalizeEdge returns a copy of e with defaults filled in.
func NormalizeEdge(e Edge) Edge {
	out := e.Clone()
	if out.Type == "" {
		out.Type = DefaultEdgeType
	}
	return out
}

// SameSize compares two nullable sizes after normalization.
func SameSize(a, b *Size) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a.Normalize() == *b.Normalize()
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	out := n
	if n.Size != nil {
		size := *n.Size
		out.Size = &size
	}
	out.Metadata = cloneBag(n.Metadata)
	return out
}

// Clone returns a deep copy of e.
func (e Edge) Clone() Edge {
	out := e
	out.Style = cloneBag(e.Style)
	out.Metadata = cloneBag(e.Metadata)
	return out
}

// NodesEqual compares the persisted fields of two nodes after normalizing
// coordinates. Timestamps are not compared.
func NodesEqual(a, b Node) bool {
	return a.ID == b.ID &&
		a.MapID == b.MapID &&
		a.ParentID == b.ParentID &&
		a.Content == b.Content &&
		a.Position.Normalize() == b.Position.Normalize() &&
		SameSize(a.Size, b.Size) &&
		a.Type == b.Type &&
		bagsEqual(a.Metadata, b.Metadata)
}

// EdgesEqual compares the persisted fields of two edges. Timestamps are not
// compared.
func EdgesEqual(a, b Edge) bool {
	return a.ID == b.ID &&
		a.MapID == b.MapID &&
		a.Source == b.Source &&
		a.Target == b.Target &&
		a.Type == b.Type &&
		bagsEqual(a.Style, b.Style) &&
		bagsEqual(a.Metadata, b.Metadata)
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Nodes: make([]Node, 0, len(s.Nodes)),
		Edges: make([]Edge, 0, len(s.Edges)),
	}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for _, e := range s.Edges {
		out.Edges = append(out.Edges, e.Clone())
	}
	return out
}

// Sort orders nodes and edges by id in place.
func (s *Snapshot) Sort() {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Edges, func(i, j int) bool { return s.Edges[i].ID < s.Edges[j].ID })
}

// IncidentEdges returns the ids of edges that touch nodeID.
func (s Snapshot) IncidentEdges(nodeID string) []string {
	var ids []string
	for _, e := range s.Edges {
		if e.Source == nodeID || e.Target == nodeID {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func cloneBag(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// bagsEqual treats nil and empty bags as equal.
func bagsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
