package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"gihan9a/mapsync/internal/apiclient"
	"gihan9a/mapsync/internal/history"
	"gihan9a/mapsync/internal/permission"
	"gihan9a/mapsync/internal/pipeline"
	"gihan9a/mapsync/pkg/syncproto"
)

// workspace is one user's editing session of a map: the mutation pipeline,
// its permission channel and its history, all backed by the server.
type workspace struct {
	userID  string
	client  *apiclient.Client
	session *pipeline.Session
	perms   *permission.Channel
	history *history.Engine
}

// openWorkspace loads a map and connects to its sync socket. With follow set,
// remote changes and permission events are printed as they arrive.
func openWorkspace(ctx context.Context, opts docopt.Opts, follow bool) (*workspace, error) {
	client, userID, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	mapID, _ := opts.String("<map_id>")
	socket, err := client.SyncSocket(mapID)
	if err != nil {
		return nil, err
	}

	w := &workspace{userID: userID, client: client}
	sessionOpts := pipeline.Options{
		MapID:     mapID,
		UserID:    userID,
		Store:     client,
		Transport: socket,
		OnNotice: func(n pipeline.Notice) {
			fmt.Printf("! %s %s failed: %s\n", n.Op, n.EntityID, n.Err)
		},
		OnHistoryDelta: func(d syncproto.Delta) {
			w.history.AppendLive(d)
		},
		OnRemoteRevert: func(deltaID string) {
			w.history.MoveTo(deltaID)
		},
	}
	if follow {
		sessionOpts.OnRemoteChange = func(env syncproto.Envelope) {
			fmt.Printf("%s %s %s by %s\n", env.Time().Format(time.TimeOnly), env.Type, env.ID, env.UserID)
		}
	}
	w.session = pipeline.New(sessionOpts)

	permOpts := permission.Options{
		UserID: userID,
		Reader: client,
		Sync:   w.session,
	}
	if follow {
		permOpts.OnChange = func(mapID string, state syncproto.PermissionState) {
			fmt.Printf("permission on %s: %s (edit %t)\n", mapID, state.Role, state.CanEdit)
		}
		permOpts.OnStatus = func(s permission.Status) {
			fmt.Printf("permission channel %s\n", s)
		}
	}
	w.perms = permission.New(permOpts)
	w.session.SetGate(w.perms)
	socket.OnClose = w.perms.HandleClose

	w.history = history.New(history.Options{
		MapID:      mapID,
		ActorID:    userID,
		Store:      client,
		Authorizer: history.RevertPolicy{UserID: userID, Permissions: w.perms},
	})
	// the server pushes appended deltas to the map itself
	w.history.Bind(w.session, nil)
	w.session.SetRecorder(w.history)

	if err := w.start(ctx, mapID, follow); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *workspace) start(ctx context.Context, mapID string, follow bool) error {
	w.perms.SetActiveMap(mapID)
	if _, err := w.perms.Fetch(ctx, mapID); err != nil {
		return err
	}
	if !w.perms.State().CanView {
		return fmt.Errorf("no access to map %s", mapID)
	}
	if err := w.session.Load(ctx); err != nil {
		return err
	}
	if err := w.history.Load(ctx); err != nil {
		return err
	}
	if err := w.session.Connect(ctx); err != nil {
		return err
	}
	if follow {
		src := &permission.WSSource{BaseURL: w.client.BaseURL, Token: w.client.Token}
		if err := w.perms.Subscribe(src, permission.NewBackOff()); err != nil {
			return err
		}
	}
	return nil
}

// find returns the window index of a delta, paging older deltas in as needed
func (w *workspace) find(ctx context.Context, deltaID string) (int, error) {
	for {
		for i, d := range w.history.Deltas() {
			if d.ID == deltaID {
				return i, nil
			}
		}
		if !w.history.HasOlder() {
			return -1, fmt.Errorf("delta %s not found", deltaID)
		}
		if _, err := w.history.LoadOlder(ctx); err != nil {
			return -1, err
		}
	}
}

// Close flushes pending writes and waits for recorded deltas to persist
func (w *workspace) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.session.FlushAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		glog.Warningf("[mapsyncctl]flush: %s", err)
	}
	w.history.Wait()
	w.perms.Close()
	if err := w.session.Close(ctx); err != nil {
		glog.Warningf("[mapsyncctl]close: %s", err)
	}
	w.history.Close()
}
