package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gihan9a/mapsync/internal/auth"
	"gihan9a/mapsync/internal/broadcast"
	"gihan9a/mapsync/internal/config"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/pkg/syncproto"
)

// fileOrigin is the origin stamped on events produced from map files edited
// outside of the server.
const fileOrigin = "file-watch"

// Subscription is one open socket of a user on a map
type Subscription struct {
	ID      string
	MapID   string
	UserID  string
	Kind    string
	Started time.Time
	close   func(code int, reason string)
}

// MapSyncServer serves the REST API, the sync relay and the permission
// channel of every map.
type MapSyncServer struct {
	config        *config.Config
	store         persist.Backend
	bus           broadcast.Bus
	issuer        *auth.Issuer
	subscriptions map[string]map[string]Subscription
	hashes        map[string]string
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewMapSyncServer creates a server over the given store and bus
func NewMapSyncServer(config *config.Config, store persist.Backend, bus broadcast.Bus, issuer *auth.Issuer) (*MapSyncServer, error) {
	if store == nil || bus == nil || issuer == nil {
		return nil, errors.New("server needs a store, a bus and a token issuer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &MapSyncServer{
		config:        config,
		store:         store,
		bus:           bus,
		issuer:        issuer,
		subscriptions: make(map[string]map[string]Subscription),
		hashes:        make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	// Maps kept as files may be edited by hand; relay those edits
	if fs, ok := store.(*persist.FileStore); ok {
		changes, err := fs.Watch()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to watch map files: %w", err)
		}
		go server.watchFiles(changes)
	} else {
		close(server.done)
	}

	return server, nil
}

// Close cleans up resources used by the server
func (s *MapSyncServer) Close() {
	s.cancel()
	<-s.done
	s.mu.RLock()
	var open []Subscription
	for _, subs := range s.subscriptions {
		for _, sub := range subs {
			open = append(open, sub)
		}
	}
	s.mu.RUnlock()
	for _, sub := range open {
		sub.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// watchFiles publishes the entity changes of externally edited map files
func (s *MapSyncServer) watchFiles(changes <-chan persist.FileChange) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			events := syncproto.DiffEvents(change.Previous, change.Snapshot)
			glog.Infof("[server]map file %s changed, relaying %d events", change.MapID, len(events))
			transport := broadcast.NewMapTransport(s.bus, s.config.Broadcast.ChannelPrefix, change.MapID)
			now := time.Now()
			for _, ev := range events {
				env, err := syncproto.Wrap(ev, "", fileOrigin, now)
				if err != nil {
					glog.Errorf("[server]%s", err)
					continue
				}
				if err := transport.Publish(s.ctx, env); err != nil {
					glog.Warningf("[server]relay file change of %s: %s", change.MapID, err)
				}
			}
		}
	}
}

// SetupRoutes configures the HTTP routes for the server
func (s *MapSyncServer) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	maps := router.PathPrefix("/maps/{mapID}").Subrouter()
	maps.Use(s.issuer.Middleware)
	maps.HandleFunc("", s.handleGetMap).Methods(http.MethodGet)
	maps.HandleFunc("/nodes", s.handleCreateNode).Methods(http.MethodPost)
	maps.HandleFunc("/nodes/{id}", s.handleUpsertNode).Methods(http.MethodPut)
	maps.HandleFunc("/nodes/{id}", s.handleDeleteNode).Methods(http.MethodDelete)
	maps.HandleFunc("/edges/{id}", s.handleUpsertEdge).Methods(http.MethodPut)
	maps.HandleFunc("/edges/{id}", s.handleDeleteEdge).Methods(http.MethodDelete)
	maps.HandleFunc("/snapshot", s.handleReplaceMap).Methods(http.MethodPut)
	maps.HandleFunc("/history", s.handleListHistory).Methods(http.MethodGet)
	maps.HandleFunc("/history", s.handleAppendHistory).Methods(http.MethodPost)
	maps.HandleFunc("/permissions", s.handleGetPermission).Methods(http.MethodGet)
	maps.HandleFunc("/permissions/ws", s.handlePermissionSocket).Methods(http.MethodGet)
	maps.HandleFunc("/permissions/{userID}", s.handlePutPermission).Methods(http.MethodPut)
	maps.HandleFunc("/permissions/{userID}", s.handleDeletePermission).Methods(http.MethodDelete)
	maps.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	maps.HandleFunc("/sync", s.handleSyncSocket).Methods(http.MethodGet)

	// preflight requests carry no token
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

// corsMiddleware adds CORS headers to the response when enabled
func (s *MapSyncServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORS.Enabled {
			s.addCORSHeaders(w)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// addCORSHeaders adds CORS headers to the response
func (s *MapSyncServer) addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.config.CORS.AllowOrigins)
	w.Header().Set("Access-Control-Allow-Methods", s.config.CORS.AllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", s.config.CORS.AllowHeaders)
	w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Total-Count")

	if s.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.config.CORS.MaxAge))
}
