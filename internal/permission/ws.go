package permission

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"gihan9a/mapsync/pkg/syncproto"
)

// WSSource opens permission streams on the server's permission socket.
type WSSource struct {
	// BaseURL is the server root, http(s) or ws(s).
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

// StreamURL returns the permission socket address of a map
func (s *WSSource) StreamURL(mapID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/maps/" + url.PathEscape(mapID) + "/permissions/ws"
	return u.String(), nil
}

func (s *WSSource) Open(ctx context.Context, mapID, userID string) (Stream, error) {
	addr, err := s.StreamURL(mapID)
	if err != nil {
		return nil, err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, &CloseError{Code: syncproto.CloseAccessRevoked, Reason: syncproto.CloseReasonAccessRevoked}
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() (syncproto.PermissionEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		ev, err := syncproto.UnmarshalPermissionEvent(data)
		if err != nil {
			// unknown messages from a newer server are skipped
			continue
		}
		return ev, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
