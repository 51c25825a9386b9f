package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"gihan9a/mapsync/internal/broadcast"
	"gihan9a/mapsync/internal/metrics"
	"gihan9a/mapsync/pkg/syncproto"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socketClient is one websocket peer. Writes go through send so only the
// write pump touches the connection.
type socketClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSocketClient(conn *websocket.Conn) *socketClient {
	return &socketClient{conn: conn, send: make(chan []byte, 256), closed: make(chan struct{})}
}

// closeWith sends a close frame with code and reason and drops the connection
func (c *socketClient) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.closed)
		c.conn.Close()
	})
}

// enqueue queues a message, dropping it when the peer is not keeping up
func (c *socketClient) enqueue(message []byte) {
	select {
	case c.send <- message:
	case <-c.closed:
	default:
		metrics.BroadcastDropped.Inc()
	}
}

func (c *socketClient) writePump() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// forward copies bus messages to the client until the subscription ends
func (c *socketClient) forward(messages <-chan []byte) {
	for message := range messages {
		c.enqueue(message)
	}
}

// handleSyncSocket relays map envelopes between the bus and one client.
// Viewers receive; only editors may send. The socket closes with the access
// revoked code when the user's grant is removed.
func (s *MapSyncServer) handleSyncSocket(w http.ResponseWriter, r *http.Request) {
	mapID, userID, state, ok := s.authorize(w, r, canView)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[server]sync upgrade for %s: %s", userID, err)
		return
	}
	client := newSocketClient(conn)
	metrics.SyncSockets.Inc()
	defer metrics.SyncSockets.Dec()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	subID := s.AddSubscription(mapID, userID, kindSync, client.closeWith)
	defer s.RemoveSubscription(mapID, subID)

	prefix := s.config.Broadcast.ChannelPrefix
	envelopes, stopEnvelopes, err := s.bus.Subscribe(ctx, broadcast.MapTopic(prefix, mapID))
	if err != nil {
		glog.Errorf("[server]subscribe %s: %s", mapID, err)
		client.closeWith(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer stopEnvelopes()
	perms, stopPerms, err := s.bus.Subscribe(ctx, broadcast.PermissionTopic(prefix, mapID, userID))
	if err != nil {
		glog.Errorf("[server]subscribe permissions of %s: %s", userID, err)
		client.closeWith(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer stopPerms()

	var editable atomic.Bool
	editable.Store(state.CanEdit)
	go client.writePump()
	go client.forward(envelopes)
	go func() {
		for data := range perms {
			ev, err := syncproto.UnmarshalPermissionEvent(data)
			if err != nil {
				continue
			}
			switch e := ev.(type) {
			case syncproto.PermissionRevoked:
				client.closeWith(syncproto.CloseAccessRevoked, syncproto.CloseReasonAccessRevoked)
				return
			case syncproto.PermissionUpdate:
				if !e.State.CanView {
					client.closeWith(syncproto.CloseAccessRevoked, syncproto.CloseReasonAccessRevoked)
					return
				}
				editable.Store(e.State.CanEdit)
			}
		}
	}()

	transport := broadcast.NewMapTransport(s.bus, prefix, mapID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env syncproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("[server]bad envelope from %s: %s", userID, err)
			continue
		}
		if _, err := env.Decode(); err != nil {
			glog.Warningf("[server]bad %s from %s: %s", env.Type, userID, err)
			continue
		}
		if !editable.Load() {
			if glog.V(2) {
				glog.Infof("[server]dropping %s from read-only %s on %s", env.Type, userID, mapID)
			}
			continue
		}
		env.UserID = userID
		if env.Timestamp == 0 {
			env.Timestamp = time.Now().UnixMilli()
		}
		if err := transport.Publish(ctx, env); err != nil {
			glog.Warningf("[server]relay %s on %s: %s", env.Type, mapID, err)
		}
	}
	client.closeWith(websocket.CloseNormalClosure, "")
}

// handlePermissionSocket streams the caller's permission events for a map:
// a snapshot first, then updates, and a revoked event followed by a close
// with the access revoked code.
func (s *MapSyncServer) handlePermissionSocket(w http.ResponseWriter, r *http.Request) {
	mapID, userID, _, ok := s.authorize(w, r, anyone)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[server]permission upgrade for %s: %s", userID, err)
		return
	}
	client := newSocketClient(conn)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	subID := s.AddSubscription(mapID, userID, kindPermission, client.closeWith)
	defer s.RemoveSubscription(mapID, subID)

	// subscribe before reading the state so no change falls in between
	perms, stop, err := s.bus.Subscribe(ctx, broadcast.PermissionTopic(s.config.Broadcast.ChannelPrefix, mapID, userID))
	if err != nil {
		glog.Errorf("[server]subscribe permissions of %s: %s", userID, err)
		client.closeWith(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer stop()

	state, err := s.access(ctx, mapID, userID)
	if err != nil {
		glog.Errorf("[server]read permissions of %s: %s", userID, err)
		client.closeWith(websocket.CloseInternalServerErr, "read failed")
		return
	}
	if !state.CanView {
		client.closeWith(syncproto.CloseAccessRevoked, syncproto.CloseReasonAccessRevoked)
		return
	}
	snapshot, err := syncproto.MarshalPermissionEvent(syncproto.PermissionSnapshot{MapID: mapID, TargetUserID: userID, State: state})
	if err != nil {
		client.closeWith(websocket.CloseInternalServerErr, "encode failed")
		return
	}
	client.enqueue(snapshot)
	go client.writePump()

	// the peer sends nothing; reading notices when it goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				client.closeWith(websocket.CloseNormalClosure, "")
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-perms:
			if !ok {
				client.closeWith(websocket.CloseGoingAway, "")
				return
			}
			ev, err := syncproto.UnmarshalPermissionEvent(data)
			if err != nil {
				continue
			}
			client.enqueue(data)
			if _, revoked := ev.(syncproto.PermissionRevoked); revoked {
				// let the write pump deliver the event before closing
				s.drain(client)
				client.closeWith(syncproto.CloseAccessRevoked, syncproto.CloseReasonAccessRevoked)
				return
			}
		case <-client.closed:
			return
		}
	}
}

// drain waits briefly for queued messages to be written
func (s *MapSyncServer) drain(c *socketClient) {
	deadline := time.Now().Add(writeWait)
	for len(c.send) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.closed:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
