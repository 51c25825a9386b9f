package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"gihan9a/mapsync/pkg/syncproto"
)

var ErrNotConnected = errors.New("apiclient: sync socket not connected")

const writeWait = 5 * time.Second

// SyncSocket carries the envelopes of one map over the server's sync socket.
// It reconnects with backoff until the subscription is cancelled or the
// server closes it with the access revoked code.
type SyncSocket struct {
	addr   string
	token  string
	dialer *websocket.Dialer

	// NewBackOff returns the reconnect policy of each subscription
	NewBackOff func() backoff.BackOff
	// OnClose is told about every close frame received from the server. It
	// runs on its own goroutine.
	OnClose func(code int, reason string)

	mu   sync.Mutex
	conn *websocket.Conn
}

// SyncSocket returns the sync transport of mapID
func (c *Client) SyncSocket(mapID string) (*SyncSocket, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + mapPath(mapID, "sync")
	return &SyncSocket{
		addr:   u.String(),
		token:  c.Token,
		dialer: websocket.DefaultDialer,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

// Publish sends env on the current connection
func (s *SyncSocket) Publish(ctx context.Context, env syncproto.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(env)
}

// Subscribe connects and delivers the envelopes of the map until the returned
// cancel function is called.
func (s *SyncSocket) Subscribe(ctx context.Context) (<-chan syncproto.Envelope, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		s.classify(ctx, err)
		return nil, nil, err
	}

	out := make(chan syncproto.Envelope, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		stop := context.AfterFunc(ctx, func() { s.drop(nil) })
		defer stop()

		policy := backoff.WithContext(s.NewBackOff(), ctx)
		first := true
		operation := func() error {
			if !first {
				var err error
				if conn, err = s.dial(ctx); err != nil {
					return s.classify(ctx, err)
				}
				policy.Reset()
			}
			first = false
			return s.classify(ctx, s.read(ctx, conn, out))
		}
		notify := func(err error, wait time.Duration) {
			glog.Warningf("[apiclient]sync socket %s: %s, reconnecting in %s", s.addr, err, wait)
		}
		if err := backoff.RetryNotify(operation, policy, notify); err != nil && ctx.Err() == nil {
			glog.Warningf("[apiclient]sync socket %s stopped: %s", s.addr, err)
		}
	}()

	return out, func() {
		cancel()
		<-done
	}, nil
}

func (s *SyncSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, &websocket.CloseError{Code: syncproto.CloseAccessRevoked, Text: syncproto.CloseReasonAccessRevoked}
		}
		return nil, fmt.Errorf("dial %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// drop forgets conn, or whatever connection is current when conn is nil
func (s *SyncSocket) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || (conn != nil && s.conn != conn) {
		return
	}
	s.conn.Close()
	s.conn = nil
}

func (s *SyncSocket) read(ctx context.Context, conn *websocket.Conn, out chan<- syncproto.Envelope) error {
	defer s.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env syncproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("[apiclient]bad envelope on %s: %s", s.addr, err)
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify reports close frames to OnClose and turns terminal conditions
// into permanent errors
func (s *SyncSocket) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if s.OnClose != nil {
			// OnClose may cancel this subscription and wait for it
			go s.OnClose(ce.Code, ce.Text)
		}
		if ce.Code == syncproto.CloseAccessRevoked {
			return backoff.Permanent(err)
		}
	}
	return err
}
