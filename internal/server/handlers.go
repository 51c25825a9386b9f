package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"gihan9a/mapsync/internal/auth"
	"gihan9a/mapsync/internal/broadcast"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/internal/utils"
	"gihan9a/mapsync/pkg/syncproto"
)

// serverOrigin is the origin of events the server itself broadcasts
const serverOrigin = "server"

const maxBodyBytes = 8 << 20

var errForbidden = errors.New("forbidden")

// PermissionGrant is the body of a permission change
type PermissionGrant struct {
	Role syncproto.Role `json:"role"`
}

func (s *MapSyncServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

// access returns the permission state of userID on mapID. A user without a
// grant has no access.
func (s *MapSyncServer) access(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error) {
	state, err := s.store.ReadPermission(ctx, mapID, userID)
	if errors.Is(err, persist.ErrNotFound) {
		return syncproto.StateForRole(syncproto.RoleNone, time.Time{}), nil
	}
	return state, err
}

// authorize resolves the caller and checks allowed against their state. It
// writes the error response itself and reports whether to continue.
func (s *MapSyncServer) authorize(w http.ResponseWriter, r *http.Request, allowed func(syncproto.PermissionState) bool) (string, string, syncproto.PermissionState, bool) {
	mapID := mux.Vars(r)["mapID"]
	userID, ok := auth.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", "", syncproto.PermissionState{}, false
	}
	state, err := s.access(r.Context(), mapID, userID)
	if err != nil {
		writeError(w, err)
		return "", "", syncproto.PermissionState{}, false
	}
	if !allowed(state) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", "", syncproto.PermissionState{}, false
	}
	return mapID, userID, state, true
}

func canView(s syncproto.PermissionState) bool { return s.CanView }
func canEdit(s syncproto.PermissionState) bool { return s.CanEdit }
func anyone(syncproto.PermissionState) bool    { return true }

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", persist.ErrInvalid, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persist.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		glog.Errorf("[server]%s", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// handleGetMap returns the graph of a map with a CRC32 ETag
func (s *MapSyncServer) handleGetMap(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canView)
	if !ok {
		return
	}
	snap, err := s.store.LoadMap(r.Context(), mapID)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		writeError(w, err)
		return
	}

	// Calculate hash for the map
	hash := utils.CalculateHash(data)
	s.mu.Lock()
	s.hashes[mapID] = hash
	s.mu.Unlock()

	w.Header().Set("ETag", hash)
	if r.Header.Get("If-None-Match") == hash {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *MapSyncServer) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	mapID, userID, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	var req persist.CreateNodeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Node.MapID = mapID
	if req.Node.ID == "" {
		req.Node.ID = utils.NewEntityID()
	}
	if req.Node.CreatorID == "" {
		req.Node.CreatorID = userID
	}
	if req.ParentID != "" && req.EdgeID == "" {
		req.EdgeID = utils.NewEntityID()
	}
	result, err := s.store.CreateNode(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *MapSyncServer) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	mapID, userID, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	var node syncproto.Node
	if err := readJSON(r, &node); err != nil {
		writeError(w, err)
		return
	}
	node.ID = mux.Vars(r)["id"]
	node.MapID = mapID
	if node.CreatorID == "" {
		node.CreatorID = userID
	}
	if err := s.store.UpsertNode(r.Context(), node); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapSyncServer) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	if err := s.store.DeleteNode(r.Context(), mapID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapSyncServer) handleUpsertEdge(w http.ResponseWriter, r *http.Request) {
	mapID, userID, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	var edge syncproto.Edge
	if err := readJSON(r, &edge); err != nil {
		writeError(w, err)
		return
	}
	edge.ID = mux.Vars(r)["id"]
	edge.MapID = mapID
	if edge.CreatorID == "" {
		edge.CreatorID = userID
	}
	if err := s.store.UpsertEdge(r.Context(), edge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapSyncServer) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	if err := s.store.DeleteEdge(r.Context(), mapID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplaceMap persists a whole graph, used by history reverts
func (s *MapSyncServer) handleReplaceMap(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	var snap syncproto.Snapshot
	if err := readJSON(r, &snap); err != nil {
		writeError(w, err)
		return
	}
	for i := range snap.Nodes {
		snap.Nodes[i].MapID = mapID
	}
	for i := range snap.Edges {
		snap.Edges[i].MapID = mapID
	}
	if err := s.store.ReplaceMap(r.Context(), mapID, snap); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapSyncServer) handleListHistory(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canView)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", s.config.Sync.HistoryPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	deltas, total, err := s.store.ListDeltas(r.Context(), mapID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if deltas == nil {
		deltas = []syncproto.Delta{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, deltas)
}

// handleAppendHistory stores a delta and pushes it to the map's sessions
func (s *MapSyncServer) handleAppendHistory(w http.ResponseWriter, r *http.Request) {
	mapID, userID, _, ok := s.authorize(w, r, canEdit)
	if !ok {
		return
	}
	var delta syncproto.Delta
	if err := readJSON(r, &delta); err != nil {
		writeError(w, err)
		return
	}
	if delta.ID == "" {
		delta.ID = utils.NewOrderedID()
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}
	delta.MapID = mapID
	delta.ActorID = userID
	if err := s.store.AppendDelta(r.Context(), delta); err != nil {
		writeError(w, err)
		return
	}

	env, err := syncproto.Wrap(syncproto.HistoryAppended{Delta: delta}, userID, serverOrigin, delta.Timestamp)
	if err == nil {
		err = broadcast.NewMapTransport(s.bus, s.config.Broadcast.ChannelPrefix, mapID).Publish(r.Context(), env)
	}
	if err != nil {
		glog.Warningf("[server]push delta %s of %s: %s", delta.ID, mapID, err)
	}
	writeJSON(w, http.StatusCreated, delta)
}

// handleGetPermission returns the caller's own permission state
func (s *MapSyncServer) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]
	userID, _ := auth.UserFrom(r.Context())
	state, err := s.store.ReadPermission(r.Context(), mapID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// mayAdminister reports whether userID may change the grants of mapID. Owners
// may. A map nobody has touched yet can be claimed by granting oneself owner;
// a single grant of any role counts as touched.
func (s *MapSyncServer) mayAdminister(ctx context.Context, mapID, userID, target string, role syncproto.Role, caller syncproto.PermissionState) (bool, error) {
	if caller.Role == syncproto.RoleOwner {
		return true, nil
	}
	if target != userID || role != syncproto.RoleOwner || caller.Role != syncproto.RoleNone {
		return false, nil
	}
	grants, err := s.store.CountPermissions(ctx, mapID)
	if err != nil || grants > 0 {
		return false, err
	}
	snap, err := s.store.LoadMap(ctx, mapID)
	if err != nil {
		return false, err
	}
	_, deltas, err := s.store.ListDeltas(ctx, mapID, 0, 1)
	if err != nil {
		return false, err
	}
	return len(snap.Nodes) == 0 && deltas == 0, nil
}

func (s *MapSyncServer) handlePutPermission(w http.ResponseWriter, r *http.Request) {
	mapID, userID, caller, ok := s.authorize(w, r, anyone)
	if !ok {
		return
	}
	target := mux.Vars(r)["userID"]
	var grant PermissionGrant
	if err := readJSON(r, &grant); err != nil {
		writeError(w, err)
		return
	}
	if grant.Role == syncproto.RoleNone || !syncproto.ValidRole(grant.Role) {
		writeError(w, fmt.Errorf("%w: unknown role %q", persist.ErrInvalid, grant.Role))
		return
	}
	allowed, err := s.mayAdminister(r.Context(), mapID, userID, target, grant.Role, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, fmt.Errorf("%w: only owners change permissions", errForbidden))
		return
	}

	// versions must keep increasing even when the clock does not
	now := time.Now().UTC()
	if prev, err := s.store.ReadPermission(r.Context(), mapID, target); err == nil && !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Millisecond)
	}
	state := syncproto.StateForRole(grant.Role, now)
	if err := s.store.WritePermission(r.Context(), mapID, target, state); err != nil {
		writeError(w, err)
		return
	}
	s.publishPermission(r.Context(), syncproto.PermissionUpdate{MapID: mapID, TargetUserID: target, State: state})
	glog.Infof("[server]%s granted %s %s on %s", userID, target, grant.Role, mapID)
	writeJSON(w, http.StatusOK, state)
}

func (s *MapSyncServer) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	mapID, userID, caller, ok := s.authorize(w, r, anyone)
	if !ok {
		return
	}
	target := mux.Vars(r)["userID"]
	if caller.Role != syncproto.RoleOwner && target != userID {
		writeError(w, fmt.Errorf("%w: only owners revoke permissions", errForbidden))
		return
	}
	if err := s.store.DeletePermission(r.Context(), mapID, target); err != nil {
		writeError(w, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = syncproto.CloseReasonAccessRevoked
	}
	s.publishPermission(r.Context(), syncproto.PermissionRevoked{
		MapID:        mapID,
		TargetUserID: target,
		Reason:       reason,
		RevokedAt:    time.Now().UTC(),
	})
	// sockets on other instances close when the revocation reaches them
	s.closeUser(mapID, target, syncproto.CloseAccessRevoked, syncproto.CloseReasonAccessRevoked)
	glog.Infof("[server]%s revoked %s on %s", userID, target, mapID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapSyncServer) publishPermission(ctx context.Context, ev syncproto.PermissionEvent) {
	mapID, userID := ev.Target()
	data, err := syncproto.MarshalPermissionEvent(ev)
	if err == nil {
		err = s.bus.Publish(ctx, broadcast.PermissionTopic(s.config.Broadcast.ChannelPrefix, mapID, userID), data)
	}
	if err != nil {
		glog.Warningf("[server]publish %s for %s on %s: %s", ev.EventType(), userID, mapID, err)
	}
}

func (s *MapSyncServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	mapID, _, _, ok := s.authorize(w, r, canView)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Presence(mapID))
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s %q", persist.ErrInvalid, name, v)
	}
	return n, nil
}
