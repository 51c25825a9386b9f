package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/wI2L/jsondiff"

	"gihan9a/mapsync/internal/utils"
	"gihan9a/mapsync/pkg/syncproto"
)

const mapFileSuffix = ".map.json"

// mapDocument is the on-disk layout of one map
type mapDocument struct {
	Nodes       []syncproto.Node                     `json:"nodes"`
	Edges       []syncproto.Edge                     `json:"edges"`
	History     []syncproto.Delta                    `json:"history"`
	Permissions map[string]syncproto.PermissionState `json:"permissions"`
}

func newMapDocument() *mapDocument {
	return &mapDocument{
		Nodes:       []syncproto.Node{},
		Edges:       []syncproto.Edge{},
		History:     []syncproto.Delta{},
		Permissions: make(map[string]syncproto.PermissionState),
	}
}

func (d *mapDocument) snapshot() syncproto.Snapshot {
	snap := syncproto.Snapshot{Nodes: d.Nodes, Edges: d.Edges}.Clone()
	snap.Sort()
	return snap
}

func (d *mapDocument) nodeIndex(id string) int {
	for i, n := range d.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (d *mapDocument) edgeIndex(id string) int {
	for i, e := range d.Edges {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// FileChange reports a map file edited outside of this store.
type FileChange struct {
	MapID    string
	Patch    jsondiff.Patch
	Previous syncproto.Snapshot
	Snapshot syncproto.Snapshot
}

// FileStore keeps one JSON document per map in a directory. Writes replace
// the file atomically. Watch reports edits made to the files by other
// processes.
type FileStore struct {
	dir string

	mu      sync.Mutex
	docs    map[string]*mapDocument
	written map[string]string // map id -> hash of the last bytes this store wrote
	watcher *fsnotify.Watcher
	changes chan FileChange
}

// NewFileStore opens (and creates) dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store needs a data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		docs:    make(map[string]*mapDocument),
		written: make(map[string]string),
	}, nil
}

// pathFor converts a map id to its file path
func (s *FileStore) pathFor(mapID string) (string, error) {
	if mapID == "" || strings.ContainsAny(mapID, `/\`) || strings.Contains(mapID, "..") {
		return "", fmt.Errorf("%w: map id %q", ErrInvalid, mapID)
	}
	return filepath.Join(s.dir, mapID+mapFileSuffix), nil
}

// mapIDFromPath converts a file path back to a map id
func (s *FileStore) mapIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, mapFileSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, mapFileSuffix), true
}

// doc returns the cached document, reading it from disk on first use. Callers
// hold s.mu.
func (s *FileStore) doc(mapID string) (*mapDocument, error) {
	if d, ok := s.docs[mapID]; ok {
		return d, nil
	}
	path, err := s.pathFor(mapID)
	if err != nil {
		return nil, err
	}
	d, err := readMapDocument(path)
	if err != nil {
		return nil, err
	}
	s.docs[mapID] = d
	return d, nil
}

func readMapDocument(path string) (*mapDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newMapDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading map file: %w", err)
	}
	d := newMapDocument()
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("error parsing map file %s: %w", path, err)
	}
	if d.Permissions == nil {
		d.Permissions = make(map[string]syncproto.PermissionState)
	}
	return d, nil
}

// save writes the document through a temp file and rename. Callers hold s.mu.
func (s *FileStore) save(mapID string, d *mapDocument) error {
	path, err := s.pathFor(mapID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode map %s: %w", mapID, err)
	}
	tmp, err := os.CreateTemp(s.dir, mapID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write map %s: %w", mapID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write map %s: %w", mapID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace map %s: %w", mapID, err)
	}
	s.written[mapID] = utils.CalculateHash(data)
	s.docs[mapID] = d
	return nil
}

// update runs fn on the document and saves it when fn succeeds
func (s *FileStore) update(mapID string, fn func(d *mapDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.doc(mapID)
	if err != nil {
		return err
	}
	// work on a copy so a failed save leaves the cache untouched
	next := d.copy()
	if err := fn(next); err != nil {
		return err
	}
	return s.save(mapID, next)
}

func (d *mapDocument) copy() *mapDocument {
	snap := syncproto.Snapshot{Nodes: d.Nodes, Edges: d.Edges}.Clone()
	c := &mapDocument{
		Nodes:       snap.Nodes,
		Edges:       snap.Edges,
		History:     append([]syncproto.Delta(nil), d.History...),
		Permissions: make(map[string]syncproto.PermissionState, len(d.Permissions)),
	}
	for k, v := range d.Permissions {
		c.Permissions[k] = v
	}
	return c
}

func (s *FileStore) LoadMap(ctx context.Context, mapID string) (syncproto.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.doc(mapID)
	if err != nil {
		return syncproto.Snapshot{}, err
	}
	return d.snapshot(), nil
}

func (s *FileStore) CreateNode(ctx context.Context, req CreateNodeRequest) (CreateNodeResult, error) {
	if err := ValidateNode(req.Node); err != nil {
		return CreateNodeResult{}, err
	}
	var result CreateNodeResult
	err := s.update(req.Node.MapID, func(d *mapDocument) error {
		now := time.Now()
		node := stampNode(req.Node, now)
		if d.nodeIndex(node.ID) != -1 {
			return fmt.Errorf("%w: node %s already exists", ErrInvalid, node.ID)
		}
		result = CreateNodeResult{Node: node}
		if edge, ok := req.ParentEdge(); ok {
			if d.nodeIndex(req.ParentID) == -1 {
				return fmt.Errorf("insert parent edge: parent %s: %w", req.ParentID, ErrNotFound)
			}
			edge = stampEdge(edge, now)
			if err := ValidateEdge(edge); err != nil {
				return fmt.Errorf("insert parent edge: %w", err)
			}
			d.Edges = append(d.Edges, edge)
			result.Edge = &edge
		}
		d.Nodes = append(d.Nodes, node)
		return nil
	})
	if err != nil {
		return CreateNodeResult{}, err
	}
	return result, nil
}

func (s *FileStore) UpsertNode(ctx context.Context, node syncproto.Node) error {
	if err := ValidateNode(node); err != nil {
		return err
	}
	return s.update(node.MapID, func(d *mapDocument) error {
		i := d.nodeIndex(node.ID)
		if i == -1 {
			d.Nodes = append(d.Nodes, stampNode(node, time.Now()))
			return nil
		}
		node.CreatedAt = d.Nodes[i].CreatedAt
		d.Nodes[i] = stampNode(node, time.Now())
		return nil
	})
}

func (s *FileStore) UpsertEdge(ctx context.Context, edge syncproto.Edge) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	return s.update(edge.MapID, func(d *mapDocument) error {
		for _, endpoint := range []string{edge.Source, edge.Target} {
			if d.nodeIndex(endpoint) == -1 {
				return fmt.Errorf("edge %s endpoint %s: %w", edge.ID, endpoint, ErrNotFound)
			}
		}
		i := d.edgeIndex(edge.ID)
		if i == -1 {
			d.Edges = append(d.Edges, stampEdge(edge, time.Now()))
			return nil
		}
		edge.CreatedAt = d.Edges[i].CreatedAt
		d.Edges[i] = stampEdge(edge, time.Now())
		return nil
	})
}

func (s *FileStore) DeleteNode(ctx context.Context, mapID, nodeID string) error {
	return s.update(mapID, func(d *mapDocument) error {
		if i := d.nodeIndex(nodeID); i != -1 {
			d.Nodes = append(d.Nodes[:i], d.Nodes[i+1:]...)
		}
		kept := d.Edges[:0]
		for _, e := range d.Edges {
			if e.Source != nodeID && e.Target != nodeID {
				kept = append(kept, e)
			}
		}
		d.Edges = kept
		return nil
	})
}

func (s *FileStore) DeleteEdge(ctx context.Context, mapID, edgeID string) error {
	return s.update(mapID, func(d *mapDocument) error {
		if i := d.edgeIndex(edgeID); i != -1 {
			d.Edges = append(d.Edges[:i], d.Edges[i+1:]...)
		}
		return nil
	})
}

func (s *FileStore) ReplaceMap(ctx context.Context, mapID string, snap syncproto.Snapshot) error {
	return s.update(mapID, func(d *mapDocument) error {
		c := snap.Clone()
		c.Sort()
		d.Nodes, d.Edges = c.Nodes, c.Edges
		return nil
	})
}

func (s *FileStore) AppendDelta(ctx context.Context, delta syncproto.Delta) error {
	return s.update(delta.MapID, func(d *mapDocument) error {
		for _, existing := range d.History {
			if existing.ID == delta.ID {
				return nil
			}
		}
		d.History = append(d.History, delta)
		sort.SliceStable(d.History, func(i, j int) bool {
			return d.History[i].Timestamp.Before(d.History[j].Timestamp)
		})
		return nil
	})
}

func (s *FileStore) ListDeltas(ctx context.Context, mapID string, offset, limit int) ([]syncproto.Delta, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.doc(mapID)
	if err != nil {
		return nil, 0, err
	}
	start, end := clampWindow(offset, limit, len(d.History))
	out := make([]syncproto.Delta, end-start)
	copy(out, d.History[start:end])
	return out, len(d.History), nil
}

func (s *FileStore) ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.doc(mapID)
	if err != nil {
		return syncproto.PermissionState{}, err
	}
	state, ok := d.Permissions[userID]
	if !ok {
		return syncproto.PermissionState{}, ErrNotFound
	}
	return state, nil
}

func (s *FileStore) WritePermission(ctx context.Context, mapID, userID string, state syncproto.PermissionState) error {
	return s.update(mapID, func(d *mapDocument) error {
		d.Permissions[userID] = state
		return nil
	})
}

func (s *FileStore) DeletePermission(ctx context.Context, mapID, userID string) error {
	return s.update(mapID, func(d *mapDocument) error {
		delete(d.Permissions, userID)
		return nil
	})
}

func (s *FileStore) CountPermissions(ctx context.Context, mapID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.doc(mapID)
	if err != nil {
		return 0, err
	}
	return len(d.Permissions), nil
}

// Watch starts reporting external edits of the map files. The returned
// channel is closed by Close.
func (s *FileStore) Watch() (<-chan FileChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.changes, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	s.changes = make(chan FileChange, 16)
	go s.watchFiles(watcher, s.changes)
	return s.changes, nil
}

// watchFiles turns file events into FileChange values
func (s *FileStore) watchFiles(watcher *fsnotify.Watcher, changes chan<- FileChange) {
	defer close(changes)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			mapID, ok := s.mapIDFromPath(event.Name)
			if !ok {
				continue
			}
			change, ok := s.reload(mapID, event.Name)
			if !ok {
				continue
			}
			glog.Infof("[persist]map file changed: %s, %d operations", mapID, len(change.Patch))
			changes <- change

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			glog.Warningf("[persist]watcher error: %s", err)
		}
	}
}

// reload re-reads a changed file and diffs it against the cached graph.
// Files this store wrote itself are skipped by content hash.
func (s *FileStore) reload(mapID, path string) (FileChange, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		glog.Warningf("[persist]error reading file: %s", err)
		return FileChange{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written[mapID] == utils.CalculateHash(data) {
		return FileChange{}, false
	}
	next := newMapDocument()
	if err := json.Unmarshal(data, next); err != nil {
		// a partial write, the final event will carry the whole file
		if glog.V(2) {
			glog.Infof("[persist]skip unparsable %s: %s", path, err)
		}
		return FileChange{}, false
	}
	if next.Permissions == nil {
		next.Permissions = make(map[string]syncproto.PermissionState)
	}

	prev := newMapDocument()
	if d, ok := s.docs[mapID]; ok {
		prev = d
	}
	patch, err := jsondiff.Compare(prev.snapshot(), next.snapshot())
	if err != nil {
		glog.Warningf("[persist]diff %s: %s", mapID, err)
		return FileChange{}, false
	}
	s.docs[mapID] = next
	s.written[mapID] = utils.CalculateHash(data)
	if len(patch) == 0 {
		return FileChange{}, false
	}
	return FileChange{MapID: mapID, Patch: patch, Previous: prev.snapshot(), Snapshot: next.snapshot()}, true
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
