// Package permission tracks the access the active user has on the active map
// and tears editing down when that access is revoked.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/metrics"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/pkg/syncproto"
)

var ErrAccessRevoked = errors.New("permission: access to the map was revoked")

// Status of the permission subscription.
type Status int

const (
	Idle Status = iota
	Connected
	Reconnecting
	Revoked
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Revoked:
		return "revoked"
	}
	return "idle"
}

// Reader fetches the current permission state of a user on a map.
type Reader interface {
	ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error)
}

// SyncController is the synchronization session of the active map.
type SyncController interface {
	Reconnect(ctx context.Context) error
	Disconnect()
}

// Options configures a Channel.
type Options struct {
	UserID   string
	Reader   Reader
	Sync     SyncController
	OnChange func(mapID string, state syncproto.PermissionState)
	OnStatus func(Status)
}

// Channel holds the effective permission state of one user on the active map.
// Incoming state is accepted only when strictly newer than the held state;
// revocation always applies.
type Channel struct {
	opts Options

	mu        sync.Mutex
	mapID     string
	state     syncproto.PermissionState
	hasState  bool
	accessErr error
	status    Status
	cancelSub context.CancelFunc
	subDone   chan struct{}
}

// New creates a channel with no active map
func New(opts Options) *Channel {
	return &Channel{opts: opts}
}

// SetActiveMap switches the channel to mapID, dropping state held for the
// previous map and its subscription.
func (c *Channel) SetActiveMap(mapID string) {
	c.mu.Lock()
	if c.mapID == mapID {
		c.mu.Unlock()
		return
	}
	c.mapID = mapID
	c.state = syncproto.PermissionState{}
	c.hasState = false
	c.accessErr = nil
	cancel, done := c.detachLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(Idle)
}

// ActiveMap returns the id of the active map
func (c *Channel) ActiveMap() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapID
}

// State returns the held permission state
func (c *Channel) State() syncproto.PermissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the subscription status
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// AccessError returns the error blocking interaction with the map, if any
func (c *Channel) AccessError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessErr
}

// CanEdit reports whether the user may currently mutate the active map
func (c *Channel) CanEdit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasState && c.accessErr == nil && c.state.CanEdit
}

// Fetch reads the current state for mapID. The response is discarded when the
// active map changed while the read was in flight. It reports whether the
// response was applied.
func (c *Channel) Fetch(ctx context.Context, mapID string) (bool, error) {
	if c.ActiveMap() != mapID {
		return false, nil
	}
	state, err := c.opts.Reader.ReadPermission(ctx, mapID, c.opts.UserID)
	if c.ActiveMap() != mapID {
		if glog.V(2) {
			glog.Infof("[permission]dropping stale fetch for %s", mapID)
		}
		metrics.PermissionEvents.WithLabelValues("fetch", "stale").Inc()
		return false, nil
	}
	if errors.Is(err, persist.ErrNotFound) {
		state, err = syncproto.StateForRole(syncproto.RoleNone, time.Time{}), nil
	}
	if err != nil {
		return false, fmt.Errorf("read permissions of %s on %s: %w", c.opts.UserID, mapID, err)
	}
	return c.Apply(ctx, syncproto.PermissionSnapshot{MapID: mapID, TargetUserID: c.opts.UserID, State: state}), nil
}

// Apply handles one permission event and reports whether it changed the held
// state. Events for another map or user are ignored.
func (c *Channel) Apply(ctx context.Context, ev syncproto.PermissionEvent) bool {
	kind := string(ev.EventType())
	mapID, userID := ev.Target()

	c.mu.Lock()
	if mapID != c.mapID || userID != c.opts.UserID {
		c.mu.Unlock()
		c.outcome(kind, "ignored", mapID)
		return false
	}

	if revoked, ok := ev.(syncproto.PermissionRevoked); ok {
		c.mu.Unlock()
		c.revoke(mapID, revoked.Reason, revoked.RevokedAt)
		metrics.PermissionEvents.WithLabelValues(kind, "applied").Inc()
		return true
	}

	var next syncproto.PermissionState
	switch e := ev.(type) {
	case syncproto.PermissionSnapshot:
		next = e.State
	case syncproto.PermissionUpdate:
		next = e.State
	}
	if c.accessErr != nil {
		c.mu.Unlock()
		c.outcome(kind, "revoked", mapID)
		return false
	}
	if c.hasState && !next.NewerThan(c.state) {
		c.mu.Unlock()
		c.outcome(kind, "stale", mapID)
		return false
	}
	flipped := c.hasState && c.state.CanEdit != next.CanEdit
	c.state = next
	c.hasState = true
	c.mu.Unlock()

	metrics.PermissionEvents.WithLabelValues(kind, "applied").Inc()
	glog.Infof("[permission]%s on %s: role=%q edit=%v (%s)", c.opts.UserID, mapID, next.Role, next.CanEdit, kind)
	if c.opts.OnChange != nil {
		c.opts.OnChange(mapID, next)
	}
	if flipped && c.opts.Sync != nil {
		if err := c.opts.Sync.Reconnect(ctx); err != nil {
			glog.Warningf("[permission]reconnect sync of %s after edit change: %s", mapID, err)
		}
	}
	return true
}

func (c *Channel) outcome(kind, outcome, mapID string) {
	metrics.PermissionEvents.WithLabelValues(kind, outcome).Inc()
	if glog.V(2) {
		glog.Infof("[permission]%s event for %s %s", kind, mapID, outcome)
	}
}

// HandleClose reacts to the permission transport closing. The access revoked
// close code revokes like an explicit event; any other close only marks the
// channel as reconnecting.
func (c *Channel) HandleClose(code int, reason string) {
	if code == syncproto.CloseAccessRevoked {
		c.mu.Lock()
		mapID := c.mapID
		c.mu.Unlock()
		if reason == "" {
			reason = syncproto.CloseReasonAccessRevoked
		}
		c.revoke(mapID, reason, time.Now().UTC())
		return
	}
	if c.AccessError() == nil {
		c.setStatus(Reconnecting)
	}
}

// revoke blocks interaction with the map and tears down the permission and
// sync subscriptions.
func (c *Channel) revoke(mapID, reason string, at time.Time) {
	c.mu.Lock()
	if mapID != c.mapID {
		c.mu.Unlock()
		return
	}
	if reason == "" {
		reason = syncproto.CloseReasonAccessRevoked
	}
	c.accessErr = fmt.Errorf("%w: %s", ErrAccessRevoked, reason)
	if at.Before(c.state.UpdatedAt) {
		at = c.state.UpdatedAt
	}
	c.state = syncproto.StateForRole(syncproto.RoleNone, at)
	c.hasState = true
	cancel, _ := c.detachLocked()
	c.mu.Unlock()

	// the subscription loop may be the caller, so it is not waited for
	if cancel != nil {
		cancel()
	}
	if c.opts.Sync != nil {
		c.opts.Sync.Disconnect()
	}
	c.setStatus(Revoked)
	glog.Infof("[permission]access of %s to %s revoked: %s", c.opts.UserID, mapID, reason)
	if c.opts.OnChange != nil {
		c.opts.OnChange(mapID, c.State())
	}
}

// Reauthorize clears a revocation and fetches the state again. Sync is not
// reconnected here; callers do that once the new state allows it.
func (c *Channel) Reauthorize(ctx context.Context) (bool, error) {
	c.mu.Lock()
	mapID := c.mapID
	c.accessErr = nil
	c.hasState = false
	c.state = syncproto.PermissionState{}
	c.mu.Unlock()
	c.setStatus(Idle)
	return c.Fetch(ctx, mapID)
}

func (c *Channel) detachLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := c.cancelSub, c.subDone
	c.cancelSub, c.subDone = nil, nil
	return cancel, done
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	if c.status == Revoked && s == Reconnecting {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

// Close stops the subscription
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done := c.detachLocked()
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
