// Package entitystore keeps the in-memory, authoritative-as-known graph of
// one map. Every mutator takes the store lock once, so readers never see a
// half-applied change.
package entitystore

import (
	"sort"
	"sync"

	"gihan9a/mapsync/pkg/syncproto"
)

// Store maps node and edge ids to their current state.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]syncproto.Node
	edges map[string]syncproto.Edge
}

// New creates an empty store
func New() *Store {
	return &Store{
		nodes: make(map[string]syncproto.Node),
		edges: make(map[string]syncproto.Edge),
	}
}

// Node returns a copy of the node with the given id
func (s *Store) Node(id string) (syncproto.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return syncproto.Node{}, false
	}
	return n.Clone(), true
}

// Edge returns a copy of the edge with the given id
func (s *Store) Edge(id string) (syncproto.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return syncproto.Edge{}, false
	}
	return e.Clone(), true
}

// HasEdgeBetween reports whether an edge from source to target exists.
// Duplicate detection is left to callers; the store never rejects duplicates.
func (s *Store) HasEdgeBetween(source, target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.edges {
		if e.Source == source && e.Target == target {
			return true
		}
	}
	return false
}

// Len returns the node and edge counts
func (s *Store) Len() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

// Snapshot returns a sorted deep copy of the whole graph
func (s *Store) Snapshot() syncproto.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := syncproto.Snapshot{
		Nodes: make([]syncproto.Node, 0, len(s.nodes)),
		Edges: make([]syncproto.Edge, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n.Clone())
	}
	for _, e := range s.edges {
		snap.Edges = append(snap.Edges, e.Clone())
	}
	snap.Sort()
	return snap
}

// PutNode inserts or replaces a node
func (s *Store) PutNode(n syncproto.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.Clone()
}

// PutEdge inserts or replaces an edge
func (s *Store) PutEdge(e syncproto.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[e.ID] = e.Clone()
}

// Put inserts nodes and edges in one step
func (s *Store) Put(nodes []syncproto.Node, edges []syncproto.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.ID] = n.Clone()
	}
	for _, e := range edges {
		s.edges[e.ID] = e.Clone()
	}
}

// RemoveNode deletes a node and every edge incident to it, returning what
// was removed so a caller can restore it.
func (s *Store) RemoveNode(id string) (syncproto.Node, []syncproto.Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return syncproto.Node{}, nil, false
	}
	delete(s.nodes, id)

	var removed []syncproto.Edge
	for edgeID, e := range s.edges {
		if e.Source == id || e.Target == id {
			removed = append(removed, e)
			delete(s.edges, edgeID)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return n, removed, true
}

// RemoveEdge deletes an edge
func (s *Store) RemoveEdge(id string) (syncproto.Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if ok {
		delete(s.edges, id)
	}
	return e, ok
}

// Replace swaps the whole graph for snap
func (s *Store) Replace(snap syncproto.Snapshot) {
	nodes := make(map[string]syncproto.Node, len(snap.Nodes))
	edges := make(map[string]syncproto.Edge, len(snap.Edges))
	for _, n := range snap.Nodes {
		nodes[n.ID] = n.Clone()
	}
	for _, e := range snap.Edges {
		edges[e.ID] = e.Clone()
	}

	s.mu.Lock()
	s.nodes = nodes
	s.edges = edges
	s.mu.Unlock()
}
