package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gihan9a/mapsync/pkg/syncproto"
)

// Op names a MemoryStore operation for fault injection.
type Op string

const (
	OpCreateNode  Op = "create_node"
	OpInsertEdge  Op = "insert_edge"
	OpUpsertNode  Op = "upsert_node"
	OpUpsertEdge  Op = "upsert_edge"
	OpDeleteNode  Op = "delete_node"
	OpDeleteEdge  Op = "delete_edge"
	OpReplaceMap  Op = "replace_map"
	OpAppendDelta Op = "append_delta"
	OpListDeltas  Op = "list_deltas"
	OpReadPerm    Op = "read_permission"
)

type memoryMap struct {
	nodes map[string]syncproto.Node
	edges map[string]syncproto.Edge
}

func newMemoryMap() *memoryMap {
	return &memoryMap{
		nodes: make(map[string]syncproto.Node),
		edges: make(map[string]syncproto.Edge),
	}
}

func (m *memoryMap) snapshot() syncproto.Snapshot {
	snap := syncproto.Snapshot{
		Nodes: make([]syncproto.Node, 0, len(m.nodes)),
		Edges: make([]syncproto.Edge, 0, len(m.edges)),
	}
	for _, n := range m.nodes {
		snap.Nodes = append(snap.Nodes, n.Clone())
	}
	for _, e := range m.edges {
		snap.Edges = append(snap.Edges, e.Clone())
	}
	snap.Sort()
	return snap
}

type permissionKey struct {
	mapID  string
	userID string
}

// MemoryStore is a Backend held in process memory. Edges behave like rows
// with foreign keys: both endpoints must exist. Faults can be injected per
// operation to exercise failure paths.
type MemoryStore struct {
	mu          sync.Mutex
	maps        map[string]*memoryMap
	deltas      map[string][]syncproto.Delta
	permissions map[permissionKey]syncproto.PermissionState
	faults      map[Op]error
	calls       map[Op]int
	now         func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps:        make(map[string]*memoryMap),
		deltas:      make(map[string][]syncproto.Delta),
		permissions: make(map[permissionKey]syncproto.PermissionState),
		faults:      make(map[Op]error),
		calls:       make(map[Op]int),
		now:         time.Now,
	}
}

// SetFault makes op fail with err until cleared with a nil err
func (s *MemoryStore) SetFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Calls returns how many times op was invoked
func (s *MemoryStore) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call and returns the injected fault. Callers hold s.mu.
func (s *MemoryStore) enter(op Op) error {
	s.calls[op]++
	return s.faults[op]
}

func (s *MemoryStore) mapFor(mapID string) *memoryMap {
	m, ok := s.maps[mapID]
	if !ok {
		m = newMemoryMap()
		s.maps[mapID] = m
	}
	return m
}

func (s *MemoryStore) LoadMap(ctx context.Context, mapID string) (syncproto.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[mapID]
	if !ok {
		return syncproto.Snapshot{Nodes: []syncproto.Node{}, Edges: []syncproto.Edge{}}, nil
	}
	return m.snapshot(), nil
}

func (s *MemoryStore) CreateNode(ctx context.Context, req CreateNodeRequest) (CreateNodeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateNode); err != nil {
		return CreateNodeResult{}, err
	}
	if err := ValidateNode(req.Node); err != nil {
		return CreateNodeResult{}, err
	}

	now := s.now()
	node := stampNode(req.Node, now)
	m := s.mapFor(node.MapID)
	if _, exists := m.nodes[node.ID]; exists {
		return CreateNodeResult{}, fmt.Errorf("%w: node %s already exists", ErrInvalid, node.ID)
	}

	result := CreateNodeResult{Node: node}
	if edge, ok := req.ParentEdge(); ok {
		// both inserts are validated before either is applied
		if err := s.enter(OpInsertEdge); err != nil {
			return CreateNodeResult{}, fmt.Errorf("insert parent edge: %w", err)
		}
		if _, ok := m.nodes[req.ParentID]; !ok {
			return CreateNodeResult{}, fmt.Errorf("insert parent edge: parent %s: %w", req.ParentID, ErrNotFound)
		}
		edge = stampEdge(edge, now)
		if err := ValidateEdge(edge); err != nil {
			return CreateNodeResult{}, fmt.Errorf("insert parent edge: %w", err)
		}
		m.edges[edge.ID] = edge
		result.Edge = &edge
	}
	m.nodes[node.ID] = node
	return result, nil
}

func (s *MemoryStore) UpsertNode(ctx context.Context, node syncproto.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpsertNode); err != nil {
		return err
	}
	if err := ValidateNode(node); err != nil {
		return err
	}
	m := s.mapFor(node.MapID)
	if existing, ok := m.nodes[node.ID]; ok {
		node.CreatedAt = existing.CreatedAt
	}
	m.nodes[node.ID] = stampNode(node, s.now())
	return nil
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, edge syncproto.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpsertEdge); err != nil {
		return err
	}
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	m := s.mapFor(edge.MapID)
	for _, endpoint := range []string{edge.Source, edge.Target} {
		if _, ok := m.nodes[endpoint]; !ok {
			return fmt.Errorf("edge %s endpoint %s: %w", edge.ID, endpoint, ErrNotFound)
		}
	}
	if existing, ok := m.edges[edge.ID]; ok {
		edge.CreatedAt = existing.CreatedAt
	}
	m.edges[edge.ID] = stampEdge(edge, s.now())
	return nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, mapID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteNode); err != nil {
		return err
	}
	m, ok := s.maps[mapID]
	if !ok {
		return nil
	}
	delete(m.nodes, nodeID)
	for id, e := range m.edges {
		if e.Source == nodeID || e.Target == nodeID {
			delete(m.edges, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteEdge(ctx context.Context, mapID, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteEdge); err != nil {
		return err
	}
	if m, ok := s.maps[mapID]; ok {
		delete(m.edges, edgeID)
	}
	return nil
}

func (s *MemoryStore) ReplaceMap(ctx context.Context, mapID string, snap syncproto.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpReplaceMap); err != nil {
		return err
	}
	m := newMemoryMap()
	for _, n := range snap.Nodes {
		m.nodes[n.ID] = n.Clone()
	}
	for _, e := range snap.Edges {
		m.edges[e.ID] = e.Clone()
	}
	s.maps[mapID] = m
	return nil
}

func (s *MemoryStore) AppendDelta(ctx context.Context, delta syncproto.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppendDelta); err != nil {
		return err
	}
	deltas := s.deltas[delta.MapID]
	for _, d := range deltas {
		if d.ID == delta.ID {
			return nil
		}
	}
	deltas = append(deltas, delta)
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].Timestamp.Before(deltas[j].Timestamp)
	})
	s.deltas[delta.MapID] = deltas
	return nil
}

func (s *MemoryStore) ListDeltas(ctx context.Context, mapID string, offset, limit int) ([]syncproto.Delta, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListDeltas); err != nil {
		return nil, 0, err
	}
	deltas := s.deltas[mapID]
	start, end := clampWindow(offset, limit, len(deltas))
	out := make([]syncproto.Delta, end-start)
	copy(out, deltas[start:end])
	return out, len(deltas), nil
}

func (s *MemoryStore) ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpReadPerm); err != nil {
		return syncproto.PermissionState{}, err
	}
	state, ok := s.permissions[permissionKey{mapID, userID}]
	if !ok {
		return syncproto.PermissionState{}, ErrNotFound
	}
	return state, nil
}

func (s *MemoryStore) WritePermission(ctx context.Context, mapID, userID string, state syncproto.PermissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[permissionKey{mapID, userID}] = state
	return nil
}

func (s *MemoryStore) DeletePermission(ctx context.Context, mapID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions, permissionKey{mapID, userID})
	return nil
}

func (s *MemoryStore) CountPermissions(ctx context.Context, mapID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.permissions {
		if key.mapID == mapID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
