// Package apiclient talks to a mapsync server over its REST API and sync
// socket. Client implements the map, history and permission stores so a
// session can run against a remote server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gihan9a/mapsync/internal/jsonstream"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/pkg/syncproto"
)

var (
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	ErrForbidden    = errors.New("apiclient: forbidden")
)

// StatusError is a non-2xx response that maps to no known error
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client is a REST client for one server and one user token
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a client for baseURL authenticated with token
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func mapPath(mapID string, parts ...string) string {
	p := "/maps/" + url.PathEscape(mapID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	addr := c.BaseURL + path
	if len(query) > 0 {
		addr += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, addr, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// do sends a request and decodes the response into out when out is not nil
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", persist.ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", persist.ErrInvalid, msg)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

func (c *Client) LoadMap(ctx context.Context, mapID string) (syncproto.Snapshot, error) {
	var snap syncproto.Snapshot
	err := c.do(ctx, http.MethodGet, mapPath(mapID), nil, &snap)
	return snap, err
}

func (c *Client) CreateNode(ctx context.Context, req persist.CreateNodeRequest) (persist.CreateNodeResult, error) {
	var result persist.CreateNodeResult
	err := c.do(ctx, http.MethodPost, mapPath(req.Node.MapID, "nodes"), req, &result)
	return result, err
}

func (c *Client) UpsertNode(ctx context.Context, node syncproto.Node) error {
	return c.do(ctx, http.MethodPut, mapPath(node.MapID, "nodes", node.ID), node, nil)
}

func (c *Client) UpsertEdge(ctx context.Context, edge syncproto.Edge) error {
	return c.do(ctx, http.MethodPut, mapPath(edge.MapID, "edges", edge.ID), edge, nil)
}

func (c *Client) DeleteNode(ctx context.Context, mapID, nodeID string) error {
	return c.do(ctx, http.MethodDelete, mapPath(mapID, "nodes", nodeID), nil, nil)
}

func (c *Client) DeleteEdge(ctx context.Context, mapID, edgeID string) error {
	return c.do(ctx, http.MethodDelete, mapPath(mapID, "edges", edgeID), nil, nil)
}

func (c *Client) ReplaceMap(ctx context.Context, mapID string, snap syncproto.Snapshot) error {
	return c.do(ctx, http.MethodPut, mapPath(mapID, "snapshot"), snap, nil)
}

// AppendDelta stores a delta. The server records the caller as its actor and
// pushes it to the other sessions of the map.
func (c *Client) AppendDelta(ctx context.Context, delta syncproto.Delta) error {
	return c.do(ctx, http.MethodPost, mapPath(delta.MapID, "history"), delta, nil)
}

// ListDeltas reads a window of the delta log. Deltas carry whole graphs, so
// the response array is decoded element by element as it arrives.
func (c *Client) ListDeltas(ctx context.Context, mapID string, offset, limit int) ([]syncproto.Delta, int, error) {
	var deltas []syncproto.Delta
	total, err := c.StreamDeltas(ctx, mapID, offset, limit, func(d syncproto.Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	return deltas, total, err
}

// StreamDeltas calls fn for every delta of the window in order and returns
// the total size of the log.
func (c *Client) StreamDeltas(ctx context.Context, mapID string, offset, limit int, fn func(syncproto.Delta) error) (int, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	resp, err := c.request(ctx, http.MethodGet, mapPath(mapID, "history"), query, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	total, err := strconv.Atoi(resp.Header.Get("X-Total-Count"))
	if err != nil {
		return 0, fmt.Errorf("bad X-Total-Count %q", resp.Header.Get("X-Total-Count"))
	}

	var parser jsonstream.Parser
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			elements, err := parser.Feed(buf[:n])
			for _, raw := range elements {
				var d syncproto.Delta
				if err := json.Unmarshal(raw, &d); err != nil {
					return total, fmt.Errorf("decode delta: %w", err)
				}
				if err := fn(d); err != nil {
					return total, err
				}
			}
			if err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, parser.Close()
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// ReadPermission returns the caller's own permission state on mapID. The
// server resolves the user from the token, so userID is not sent.
func (c *Client) ReadPermission(ctx context.Context, mapID, userID string) (syncproto.PermissionState, error) {
	var state syncproto.PermissionState
	err := c.do(ctx, http.MethodGet, mapPath(mapID, "permissions"), nil, &state)
	return state, err
}

// Grant gives userID role on mapID. Granting oneself owner claims a map
// nobody has used yet.
func (c *Client) Grant(ctx context.Context, mapID, userID string, role syncproto.Role) (syncproto.PermissionState, error) {
	var state syncproto.PermissionState
	err := c.do(ctx, http.MethodPut, mapPath(mapID, "permissions", userID), map[string]syncproto.Role{"role": role}, &state)
	return state, err
}

// Revoke removes the grant of userID. Their open sockets on the map close
// with the access revoked code.
func (c *Client) Revoke(ctx context.Context, mapID, userID, reason string) error {
	var query url.Values
	if reason != "" {
		query = url.Values{"reason": {reason}}
	}
	resp, err := c.request(ctx, http.MethodDelete, mapPath(mapID, "permissions", userID), query, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Presence is one user connected to a map
type Presence struct {
	UserID  string    `json:"user_id"`
	Sockets int       `json:"sockets"`
	Since   time.Time `json:"since"`
}

func (c *Client) Presence(ctx context.Context, mapID string) ([]Presence, error) {
	var out []Presence
	err := c.do(ctx, http.MethodGet, mapPath(mapID, "presence"), nil, &out)
	return out, err
}
