package persist

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gihan9a/mapsync/pkg/syncproto"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and applies the schema
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	glog.Infof("[persist]connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const nodeColumns = `id, map_id, COALESCE(parent_id, ''), content, position_x::float8, position_y::float8,
	width::float8, height::float8, node_type, metadata, creator_id, created_at, updated_at`

const edgeColumns = `id, map_id, source, target, edge_type, style, metadata, creator_id, created_at, updated_at`

func (s *PostgresStore) LoadMap(ctx context.Context, mapID string) (syncproto.Snapshot, error) {
	snap := syncproto.Snapshot{Nodes: []syncproto.Node{}, Edges: []syncproto.Edge{}}

	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE map_id = $1 ORDER BY id`, mapID)
	if err != nil {
		return snap, fmt.Errorf("load nodes: %w", err)
	}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return snap, err
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load nodes: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT `+edgeColumns+` FROM edges WHERE map_id = $1 ORDER BY id`, mapID)
	if err != nil {
		return snap, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return snap, err
		}
		snap.Edges = append(snap.Edges, e)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load edges: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, req CreateNodeRequest) (CreateNodeResult, error) {
	if err := ValidateNode(req.Node); err != nil {
		return CreateNodeResult{}, err
	}
	var result CreateNodeResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		node, err := insertNode(ctx, tx, req.Node)
		if err != nil {
			return err
		}
		result.Node = node
		edge, ok := req.ParentEdge()
		if !ok {
			return nil
		}
		if err := ValidateEdge(edge); err != nil {
			return err
		}
		persisted, err := upsertEdge(ctx, tx, edge)
		if err != nil {
			return fmt.Errorf("insert parent edge: %w", err)
		}
		result.Edge = &persisted
		return nil
	})
	if err != nil {
		return CreateNodeResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) UpsertNode(ctx context.Context, node syncproto.Node) error {
	if err := ValidateNode(node); err != nil {
		return err
	}
	_, err := upsertNode(ctx, s.pool, node)
	return err
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, edge syncproto.Edge) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	_, err := upsertEdge(ctx, s.pool, edge)
	return err
}

func (s *PostgresStore) DeleteNode(ctx context.Context, mapID, nodeID string) error {
	// incident edges go with the node through ON DELETE CASCADE
	if _, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE map_id = $1 AND id = $2`, mapID, nodeID); err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, mapID, edgeID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM edges WHERE map_id = $1 AND id = $2`, mapID, edgeID); err != nil {
		return fmt.Errorf("delete edge %s: %w", edgeID, err)
	}
	return nil
}

func (s *PostgresStore) ReplaceMap(ctx context.Context, mapID string, snap syncproto.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM nodes WHERE map_id = $1`, mapID); err != nil {
			return fmt.Errorf("clear nodes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM edges WHERE map_id = $1`, mapID); err != nil {
			return fmt.Errorf("clear edges: %w", err)
		}
		for _, n := range snap.Nodes {
			n.MapID = mapID
			if _, err := upsertNode(ctx, tx, n); err != nil {
				return err
			}
		}
		for _, e := range snap.Edges {
			e.MapID = mapID
			if _, err := upsertEdge(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) AppendDelta(ctx context.Context, delta syncproto.Delta) error {
	before, err := json.Marshal(delta.Before)
	if err != nil {
		return fmt.Errorf("encode delta before: %w", err)
	}
	after, err := json.Marshal(delta.After)
	if err != nil {
		return fmt.Errorf("encode delta after: %w", err)
	}
	var patch []byte
	if len(delta.Patch) != 0 {
		patch = delta.Patch
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO history_deltas (id, map_id, action_name, actor_id, before_state, after_state, patch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (map_id, id) DO NOTHING
	`, delta.ID, delta.MapID, delta.ActionName, delta.ActorID, before, after, patch, delta.Timestamp)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeltas(ctx context.Context, mapID string, offset, limit int) ([]syncproto.Delta, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM history_deltas WHERE map_id = $1`, mapID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deltas: %w", err)
	}
	start, end := clampWindow(offset, limit, total)
	if start == end {
		return []syncproto.Delta{}, total, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, map_id, action_name, actor_id, before_state, after_state, patch, created_at
		FROM history_deltas WHERE map_id = $1
		ORDER BY created_at, id
		OFFSET $2 LIMIT $3
	`, mapID, start, end-start)
	if err != nil {
		return nil, 0, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()

	deltas := make([]syncproto.Delta, 0, end-start)
	for rows.Next() {
		var d syncproto.Delta
		var before, after, patch []byte
		if err := rows.Scan(&d.ID, &d.MapID, &d.ActionName, &d.ActorID, &before, &after, &patch, &d.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan delta: %w", err)
		}
		if err := json.Unmarshal(before, &d.Before); err != nil {
			return nil, 0, fmt.Errorf("decode delta %s: %w", d.ID, err)
		}
		if err := json.Unmarshal(after, &d.After); err != nil {
			return nil, 0, fmt.Errorf("decode delta %s: %w", d.ID, err)
		}
		if len(patch) != 0 {
			d.Patch = patch
		}
		deltas = append(deltas, d)
	}
	return deltas, total, rows.Err()
}

func (s *PostgresStore) ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error) {
	var state syncproto.PermissionState
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role, can_view, can_comment, can_edit, updated_at
		FROM map_permissions WHERE map_id = $1 AND user_id = $2
	`, mapID, userID).Scan(&role, &state.CanView, &state.CanComment, &state.CanEdit, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncproto.PermissionState{}, ErrNotFound
	}
	if err != nil {
		return syncproto.PermissionState{}, fmt.Errorf("read permission: %w", err)
	}
	state.Role = syncproto.Role(role)
	return state, nil
}

func (s *PostgresStore) WritePermission(ctx context.Context, mapID, userID string, state syncproto.PermissionState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO map_permissions (map_id, user_id, role, can_view, can_comment, can_edit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (map_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			can_view = EXCLUDED.can_view,
			can_comment = EXCLUDED.can_comment,
			can_edit = EXCLUDED.can_edit,
			updated_at = EXCLUDED.updated_at
	`, mapID, userID, string(state.Role), state.CanView, state.CanComment, state.CanEdit, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePermission(ctx context.Context, mapID, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM map_permissions WHERE map_id = $1 AND user_id = $2`, mapID, userID); err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountPermissions(ctx context.Context, mapID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM map_permissions WHERE map_id = $1`, mapID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count permissions: %w", err)
	}
	return n, nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertNode(ctx context.Context, q querier, n syncproto.Node) (syncproto.Node, error) {
	n = stampNode(n, time.Now())
	metadata, err := bagJSON(n.Metadata)
	if err != nil {
		return syncproto.Node{}, err
	}
	width, height := sizeColumns(n.Size)
	row := q.QueryRow(ctx, `
		INSERT INTO nodes (id, map_id, parent_id, content, position_x, position_y, width, height,
			node_type, metadata, creator_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+nodeColumns,
		n.ID, n.MapID, n.ParentID, n.Content, n.Position.X, n.Position.Y, width, height,
		string(n.Type), metadata, n.CreatorID, n.CreatedAt, n.UpdatedAt)
	persisted, err := scanNode(row)
	if err != nil {
		return syncproto.Node{}, fmt.Errorf("insert node %s: %w", n.ID, err)
	}
	return persisted, nil
}

func upsertNode(ctx context.Context, q querier, n syncproto.Node) (syncproto.Node, error) {
	n = stampNode(n, time.Now())
	metadata, err := bagJSON(n.Metadata)
	if err != nil {
		return syncproto.Node{}, err
	}
	width, height := sizeColumns(n.Size)
	row := q.QueryRow(ctx, `
		INSERT INTO nodes (id, map_id, parent_id, content, position_x, position_y, width, height,
			node_type, metadata, creator_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (map_id, id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			content = EXCLUDED.content,
			position_x = EXCLUDED.position_x,
			position_y = EXCLUDED.position_y,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			node_type = EXCLUDED.node_type,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING `+nodeColumns,
		n.ID, n.MapID, n.ParentID, n.Content, n.Position.X, n.Position.Y, width, height,
		string(n.Type), metadata, n.CreatorID, n.CreatedAt, n.UpdatedAt)
	persisted, err := scanNode(row)
	if err != nil {
		return syncproto.Node{}, fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return persisted, nil
}

func upsertEdge(ctx context.Context, q querier, e syncproto.Edge) (syncproto.Edge, error) {
	e = stampEdge(e, time.Now())
	style, err := bagJSON(e.Style)
	if err != nil {
		return syncproto.Edge{}, err
	}
	metadata, err := bagJSON(e.Metadata)
	if err != nil {
		return syncproto.Edge{}, err
	}
	row := q.QueryRow(ctx, `
		INSERT INTO edges (id, map_id, source, target, edge_type, style, metadata, creator_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (map_id, id) DO UPDATE SET
			source = EXCLUDED.source,
			target = EXCLUDED.target,
			edge_type = EXCLUDED.edge_type,
			style = EXCLUDED.style,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING `+edgeColumns,
		e.ID, e.MapID, e.Source, e.Target, e.Type, style, metadata, e.CreatorID, e.CreatedAt, e.UpdatedAt)
	persisted, err := scanEdge(row)
	if err != nil {
		return syncproto.Edge{}, fmt.Errorf("upsert edge %s: %w", e.ID, err)
	}
	return persisted, nil
}

func scanNode(row pgx.Row) (syncproto.Node, error) {
	var n syncproto.Node
	var width, height *float64
	var nodeType string
	var metadata []byte
	err := row.Scan(&n.ID, &n.MapID, &n.ParentID, &n.Content, &n.Position.X, &n.Position.Y,
		&width, &height, &nodeType, &metadata, &n.CreatorID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return syncproto.Node{}, err
	}
	n.Type = syncproto.NodeType(nodeType)
	if width != nil && height != nil {
		n.Size = &syncproto.Size{Width: *width, Height: *height}
	}
	if n.Metadata, err = decodeBag(metadata); err != nil {
		return syncproto.Node{}, err
	}
	return n, nil
}

func scanEdge(row pgx.Row) (syncproto.Edge, error) {
	var e syncproto.Edge
	var style, metadata []byte
	err := row.Scan(&e.ID, &e.MapID, &e.Source, &e.Target, &e.Type, &style, &metadata,
		&e.CreatorID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return syncproto.Edge{}, err
	}
	if e.Style, err = decodeBag(style); err != nil {
		return syncproto.Edge{}, err
	}
	if e.Metadata, err = decodeBag(metadata); err != nil {
		return syncproto.Edge{}, err
	}
	return e, nil
}

func sizeColumns(size *syncproto.Size) (*float64, *float64) {
	if size == nil {
		return nil, nil
	}
	return &size.Width, &size.Height
}

func bagJSON(bag map[string]any) ([]byte, error) {
	if len(bag) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("encode bag: %w", err)
	}
	return data, nil
}

func decodeBag(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "{}" || string(data) == "null" {
		return nil, nil
	}
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		return nil, fmt.Errorf("decode bag: %w", err)
	}
	return bag, nil
}
