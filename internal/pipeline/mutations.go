package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/metrics"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/internal/utils"
	"gihan9a/mapsync/pkg/syncproto"
)

// NodeDraft is the caller input of CreateNode. ParentID, when set, creates
// the parent edge in the same durable call.
type NodeDraft struct {
	ID       string
	ParentID string
	Content  string
	Position syncproto.Position
	Size     *syncproto.Size
	Type     syncproto.NodeType
	Metadata map[string]any

	EdgeID       string
	EdgeType     string
	EdgeStyle    map[string]any
	EdgeMetadata map[string]any
}

// NodePatch lists the node fields to change. Nil fields are left alone and
// Metadata keys are merged.
type NodePatch struct {
	Content  *string
	Position *syncproto.Position
	Size     *syncproto.Size
	Type     *syncproto.NodeType
	ParentID *string
	Metadata map[string]any
}

// EdgeDraft is the caller input of CreateEdge.
type EdgeDraft struct {
	ID       string
	Source   string
	Target   string
	Type     string
	Style    map[string]any
	Metadata map[string]any
}

// EdgePatch lists the edge fields to change. Style and Metadata keys are
// merged.
type EdgePatch struct {
	Type     *string
	Style    map[string]any
	Metadata map[string]any
}

// CreateNode applies the node (and parent edge) locally, broadcasts it and
// persists both atomically. A rejected write removes them again and
// broadcasts the deletion.
func (s *Session) CreateNode(ctx context.Context, draft NodeDraft) (syncproto.Node, error) {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return syncproto.Node{}, ErrReadOnly
	}
	now := time.Now()
	req := persist.CreateNodeRequest{
		Node: syncproto.NormalizeNode(syncproto.Node{
			ID:        draft.ID,
			MapID:     s.opts.MapID,
			ParentID:  draft.ParentID,
			Content:   draft.Content,
			Position:  draft.Position,
			Size:      draft.Size,
			Type:      draft.Type,
			Metadata:  draft.Metadata,
			CreatorID: s.opts.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}),
		ParentID:     draft.ParentID,
		EdgeID:       draft.EdgeID,
		EdgeType:     draft.EdgeType,
		EdgeStyle:    draft.EdgeStyle,
		EdgeMetadata: draft.EdgeMetadata,
	}
	if req.Node.ID == "" {
		req.Node.ID = utils.NewEntityID()
	}
	if err := persist.ValidateNode(req.Node); err != nil {
		s.applyMu.Unlock()
		return syncproto.Node{}, err
	}
	if draft.ParentID != "" {
		if _, ok := s.store.Node(draft.ParentID); !ok {
			s.applyMu.Unlock()
			return syncproto.Node{}, fmt.Errorf("parent %s: %w", draft.ParentID, ErrNotFound)
		}
		if req.EdgeID == "" {
			req.EdgeID = utils.NewEntityID()
		}
	}
	if _, exists := s.store.Node(req.Node.ID); exists {
		s.applyMu.Unlock()
		return syncproto.Node{}, fmt.Errorf("node %s already exists", req.Node.ID)
	}

	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	optimistic := req.Node
	edge, hasEdge := req.ParentEdge()
	if hasEdge {
		edge = syncproto.NormalizeEdge(edge)
		s.store.Put([]syncproto.Node{optimistic}, []syncproto.Edge{edge})
	} else {
		s.store.PutNode(optimistic)
	}
	s.applyMu.Unlock()

	s.publish(ctx, syncproto.NodeCreated{Node: optimistic})
	if hasEdge {
		s.publish(ctx, syncproto.EdgeCreated{Edge: edge})
	}

	result, err := s.opts.Store.CreateNode(ctx, req)
	if err != nil {
		s.applyMu.Lock()
		s.store.RemoveNode(optimistic.ID)
		s.applyMu.Unlock()
		s.markers.Forget(optimistic.ID)
		if hasEdge {
			s.markers.Forget(edge.ID)
			s.send(ctx, syncproto.EdgeDeleted{EdgeID: edge.ID})
		}
		s.send(ctx, syncproto.NodeDeleted{NodeID: optimistic.ID})
		metrics.Compensations.WithLabelValues("create_node").Inc()
		glog.Warningf("[pipeline]create node %s rolled back: %s", optimistic.ID, err)
		s.notify("create_node", optimistic.ID, err)
		return syncproto.Node{}, err
	}

	// reconcile with what the store actually persisted
	s.applyMu.Lock()
	if _, still := s.store.Node(optimistic.ID); !still {
		// removed by a remote delete while the write was in flight
		s.applyMu.Unlock()
		return result.Node, nil
	}
	s.store.PutNode(result.Node)
	if result.Edge != nil {
		s.store.PutEdge(*result.Edge)
	}
	var after syncproto.Snapshot
	if s.recording() {
		after = s.store.Snapshot()
	}
	s.applyMu.Unlock()

	if !syncproto.NodesEqual(optimistic, result.Node) {
		s.publish(ctx, syncproto.NodeUpdated{Node: result.Node})
	}
	if s.recording() {
		s.record("create_node", before, after)
	}
	return result.Node, nil
}

// CreateEdge applies, broadcasts and persists a new edge. Duplicate edges
// between the same nodes are not rejected; see HasEdgeBetween.
func (s *Session) CreateEdge(ctx context.Context, draft EdgeDraft) (syncproto.Edge, error) {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return syncproto.Edge{}, ErrReadOnly
	}
	now := time.Now()
	edge := syncproto.NormalizeEdge(syncproto.Edge{
		ID:        draft.ID,
		MapID:     s.opts.MapID,
		Source:    draft.Source,
		Target:    draft.Target,
		Type:      draft.Type,
		Style:     draft.Style,
		Metadata:  draft.Metadata,
		CreatorID: s.opts.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if edge.ID == "" {
		edge.ID = utils.NewEntityID()
	}
	for _, endpoint := range []string{edge.Source, edge.Target} {
		if _, ok := s.store.Node(endpoint); !ok {
			s.applyMu.Unlock()
			return syncproto.Edge{}, fmt.Errorf("endpoint %s: %w", endpoint, ErrNotFound)
		}
	}
	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	s.store.PutEdge(edge)
	s.applyMu.Unlock()

	s.publish(ctx, syncproto.EdgeCreated{Edge: edge})

	if err := s.opts.Store.UpsertEdge(ctx, edge); err != nil {
		s.applyMu.Lock()
		s.store.RemoveEdge(edge.ID)
		s.applyMu.Unlock()
		s.markers.Forget(edge.ID)
		s.send(ctx, syncproto.EdgeDeleted{EdgeID: edge.ID})
		metrics.Compensations.WithLabelValues("create_edge").Inc()
		glog.Warningf("[pipeline]create edge %s rolled back: %s", edge.ID, err)
		s.notify("create_edge", edge.ID, err)
		return syncproto.Edge{}, err
	}
	if s.recording() {
		s.record("create_edge", before, s.store.Snapshot())
	}
	return edge, nil
}

// UpdateNode merges patch into the node, broadcasts the new state and
// schedules a debounced write. A patch that changes nothing after
// normalization is dropped.
func (s *Session) UpdateNode(ctx context.Context, id string, patch NodePatch) (syncproto.Node, error) {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return syncproto.Node{}, ErrReadOnly
	}
	current, ok := s.store.Node(id)
	if !ok {
		s.applyMu.Unlock()
		return syncproto.Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	next := current.Clone()
	if patch.Content != nil {
		next.Content = *patch.Content
	}
	if patch.Position != nil {
		next.Position = *patch.Position
	}
	if patch.Size != nil {
		size := *patch.Size
		next.Size = &size
	}
	if patch.Type != nil {
		next.Type = *patch.Type
	}
	if patch.ParentID != nil {
		next.ParentID = *patch.ParentID
	}
	next.Metadata = mergeBag(next.Metadata, patch.Metadata)
	next = syncproto.NormalizeNode(next)
	if !syncproto.ValidNodeType(next.Type) {
		s.applyMu.Unlock()
		return syncproto.Node{}, fmt.Errorf("%w: unknown node type %q", persist.ErrInvalid, next.Type)
	}
	if syncproto.NodesEqual(current, next) {
		s.applyMu.Unlock()
		return current, nil
	}
	next.UpdatedAt = time.Now()

	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	s.store.PutNode(next)
	delete(s.dragOrigin, id)
	var after syncproto.Snapshot
	if s.recording() {
		after = s.store.Snapshot()
	}
	s.applyMu.Unlock()

	s.publish(ctx, syncproto.NodeUpdated{Node: next})
	s.nodeWrites.Schedule(id, next)
	s.record("update_node", before, after)
	return next, nil
}

// UpdateEdge merges patch into the edge, broadcasts it and schedules a
// debounced write.
func (s *Session) UpdateEdge(ctx context.Context, id string, patch EdgePatch) (syncproto.Edge, error) {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return syncproto.Edge{}, ErrReadOnly
	}
	current, ok := s.store.Edge(id)
	if !ok {
		s.applyMu.Unlock()
		return syncproto.Edge{}, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	next := current.Clone()
	if patch.Type != nil {
		next.Type = *patch.Type
	}
	next.Style = mergeBag(next.Style, patch.Style)
	next.Metadata = mergeBag(next.Metadata, patch.Metadata)
	next = syncproto.NormalizeEdge(next)
	if syncproto.EdgesEqual(current, next) {
		s.applyMu.Unlock()
		return current, nil
	}
	next.UpdatedAt = time.Now()

	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	s.store.PutEdge(next)
	var after syncproto.Snapshot
	if s.recording() {
		after = s.store.Snapshot()
	}
	s.applyMu.Unlock()

	s.publish(ctx, syncproto.EdgeUpdated{Edge: next})
	s.edgeWrites.Schedule(id, next)
	s.record("update_edge", before, after)
	return next, nil
}

// DeleteNode removes the node and its incident edges, broadcasts the
// deletion and persists it. A rejected delete restores the entities and
// broadcasts their creation.
func (s *Session) DeleteNode(ctx context.Context, id string) error {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return ErrReadOnly
	}
	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	node, edges, ok := s.store.RemoveNode(id)
	if !ok {
		s.applyMu.Unlock()
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	delete(s.dragOrigin, id)
	s.applyMu.Unlock()

	// a pending write would resurrect the row
	s.nodeWrites.Cancel(id)
	for _, e := range edges {
		s.edgeWrites.Cancel(e.ID)
	}
	s.publish(ctx, syncproto.NodeDeleted{NodeID: id})

	if err := s.opts.Store.DeleteNode(ctx, s.opts.MapID, id); err != nil {
		s.applyMu.Lock()
		s.store.Put([]syncproto.Node{node}, edges)
		s.applyMu.Unlock()
		s.markers.Forget(id)
		s.send(ctx, syncproto.NodeCreated{Node: node})
		for _, e := range edges {
			s.send(ctx, syncproto.EdgeCreated{Edge: e})
		}
		metrics.Compensations.WithLabelValues("delete_node").Inc()
		glog.Warningf("[pipeline]delete node %s rolled back: %s", id, err)
		s.notify("delete_node", id, err)
		return err
	}
	if s.recording() {
		s.record("delete_node", before, s.store.Snapshot())
	}
	return nil
}

// DeleteEdge removes an edge, broadcasts and persists the deletion
func (s *Session) DeleteEdge(ctx context.Context, id string) error {
	s.applyMu.Lock()
	if !s.canEdit() {
		s.applyMu.Unlock()
		return ErrReadOnly
	}
	var before syncproto.Snapshot
	if s.recording() {
		before = s.store.Snapshot()
	}
	edge, ok := s.store.RemoveEdge(id)
	if !ok {
		s.applyMu.Unlock()
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	s.applyMu.Unlock()

	s.edgeWrites.Cancel(id)
	s.publish(ctx, syncproto.EdgeDeleted{EdgeID: id})

	if err := s.opts.Store.DeleteEdge(ctx, s.opts.MapID, id); err != nil {
		s.applyMu.Lock()
		s.store.PutEdge(edge)
		s.applyMu.Unlock()
		s.markers.Forget(id)
		s.send(ctx, syncproto.EdgeCreated{Edge: edge})
		metrics.Compensations.WithLabelValues("delete_edge").Inc()
		glog.Warningf("[pipeline]delete edge %s rolled back: %s", id, err)
		s.notify("delete_edge", id, err)
		return err
	}
	if s.recording() {
		s.record("delete_edge", before, s.store.Snapshot())
	}
	return nil
}

func mergeBag(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
