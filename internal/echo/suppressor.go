// Package echo tracks system update markers: short-lived, one-shot flags that
// stop an entity's own echoed change from being saved again as if a user had
// made it.
package echo

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"gihan9a/mapsync/internal/metrics"
)

// DefaultTTL is how long an unconsumed marker may suppress a change.
const DefaultTTL = 3 * time.Second

// Suppressor is the marker set. A marker suppresses at most one change
// detection pass and never outlives its TTL.
type Suppressor struct {
	// guards the Get+Delete pair so consumption is one-shot
	mu      sync.Mutex
	markers *ttlcache.Cache[string, time.Time]
	ttl     time.Duration
}

// New creates a suppressor and starts its expiry loop. ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	markers := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](ttl),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go markers.Start()
	return &Suppressor{markers: markers, ttl: ttl}
}

// Mark flags entityID as about to change through the system rather than the
// user. Marking an already marked entity refreshes its timestamp.
func (s *Suppressor) Mark(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers.DeleteExpired()
	s.markers.Set(entityID, time.Now(), ttlcache.DefaultTTL)
}

// Consume reports whether a change to entityID should be skipped. A live
// marker is deleted by the call, whether or not the change it sees is the
// echo it was placed for.
func (s *Suppressor) Consume(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.markers.Get(entityID)
	if item == nil {
		return false
	}
	s.markers.Delete(entityID)
	metrics.EchoSuppressed.Inc()
	if glog.V(2) {
		glog.Infof("[echo]suppressed %s (marked %s ago)", entityID, time.Since(item.Value()))
	}
	return true
}

// marked reports whether entityID holds a live marker without consuming it
func (s *Suppressor) marked(entityID string) bool {
	return s.markers.Has(entityID)
}

// Forget drops any marker for entityID
func (s *Suppressor) Forget(entityID string) {
	s.markers.Delete(entityID)
}

// Len returns the number of markers, including expired ones not yet swept
func (s *Suppressor) Len() int {
	return s.markers.Len()
}

// Sweep removes expired markers and returns how many live ones remain
func (s *Suppressor) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers.DeleteExpired()
	return s.markers.Len()
}

// Close stops the expiry loop
func (s *Suppressor) Close() {
	s.markers.Stop()
}
