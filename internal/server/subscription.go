package server

import (
	"sort"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/utils"
)

// Socket kinds tracked by the registry
const (
	kindSync       = "sync"
	kindPermission = "permission"
)

// Presence is one connected user of a map
type Presence struct {
	UserID  string    `json:"user_id"`
	Sockets int       `json:"sockets"`
	Since   time.Time `json:"since"`
}

// AddSubscription registers an open socket. closeFn must be safe to call
// from any goroutine.
func (s *MapSyncServer) AddSubscription(mapID, userID, kind string, closeFn func(code int, reason string)) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subID := utils.NewOrderedID()
	if _, exists := s.subscriptions[mapID]; !exists {
		s.subscriptions[mapID] = make(map[string]Subscription)
	}

	s.subscriptions[mapID][subID] = Subscription{
		ID:      subID,
		MapID:   mapID,
		UserID:  userID,
		Kind:    kind,
		Started: time.Now().UTC(),
		close:   closeFn,
	}

	glog.Infof("[server]added %s subscription %s for %s on map %s", kind, subID, userID, mapID)
	return subID
}

// RemoveSubscription removes a subscription
func (s *MapSyncServer) RemoveSubscription(mapID, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, exists := s.subscriptions[mapID]; exists {
		delete(subs, subID)
		glog.Infof("[server]removed subscription %s for map %s", subID, mapID)

		// Clean up empty subscription maps
		if len(subs) == 0 {
			delete(s.subscriptions, mapID)
		}
	}
}

// closeUser force-closes every socket userID holds on mapID
func (s *MapSyncServer) closeUser(mapID, userID string, code int, reason string) int {
	s.mu.RLock()
	var targets []Subscription
	for _, sub := range s.subscriptions[mapID] {
		if sub.UserID == userID {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		sub.close(code, reason)
	}
	if len(targets) > 0 {
		glog.Infof("[server]closed %d sockets of %s on map %s (%d %s)", len(targets), userID, mapID, code, reason)
	}
	return len(targets)
}

// Presence lists the users with an open sync socket on mapID
func (s *MapSyncServer) Presence(mapID string) []Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string]*Presence)
	for _, sub := range s.subscriptions[mapID] {
		if sub.Kind != kindSync {
			continue
		}
		p, ok := byUser[sub.UserID]
		if !ok {
			p = &Presence{UserID: sub.UserID, Since: sub.Started}
			byUser[sub.UserID] = p
		}
		p.Sockets++
		if sub.Started.Before(p.Since) {
			p.Since = sub.Started
		}
	}

	out := make([]Presence, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
