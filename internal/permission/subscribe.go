package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"gihan9a/mapsync/pkg/syncproto"
)

// CloseError reports that the permission transport was closed by the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("permission stream closed (%d %s)", e.Code, e.Reason)
}

// Stream delivers permission events for one subscription.
type Stream interface {
	// Next blocks for the next event. It returns a *CloseError when the peer
	// closed the stream.
	Next() (syncproto.PermissionEvent, error)
	Close() error
}

// Source opens permission streams.
type Source interface {
	Open(ctx context.Context, mapID, userID string) (Stream, error)
}

// NewBackOff returns the reconnect policy used for subscriptions.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Subscribe follows the permission events of the active map from src until
// the active map changes, access is revoked or Close is called. Dropped
// streams are reopened with backoff.
func (c *Channel) Subscribe(src Source, policy backoff.BackOff) error {
	c.mu.Lock()
	if c.mapID == "" {
		c.mu.Unlock()
		return errors.New("permission: no active map")
	}
	if c.accessErr != nil {
		err := c.accessErr
		c.mu.Unlock()
		return err
	}
	mapID := c.mapID
	prevCancel, prevDone := c.detachLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelSub, c.subDone = cancel, done
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	if policy == nil {
		policy = NewBackOff()
	}

	go func() {
		defer close(done)
		op := func() error { return c.follow(ctx, src, mapID) }
		notify := func(err error, wait time.Duration) {
			glog.Infof("[permission]stream for %s dropped (%s), retrying in %s", mapID, err, wait)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrAccessRevoked) {
			glog.Warningf("[permission]subscription for %s ended: %s", mapID, err)
		}
	}()
	return nil
}

// follow reads one stream until it ends. Errors other than permanent ones
// make the caller reopen the stream.
func (c *Channel) follow(ctx context.Context, src Source, mapID string) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	stream, err := src.Open(ctx, mapID, c.opts.UserID)
	if err != nil {
		var closed *CloseError
		if errors.As(err, &closed) && closed.Code == syncproto.CloseAccessRevoked {
			c.HandleClose(closed.Code, closed.Reason)
			return backoff.Permanent(c.AccessError())
		}
		c.setStatus(Reconnecting)
		return err
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	defer stream.Close()

	// the stream may have opened just as the active map changed
	if c.ActiveMap() != mapID {
		return backoff.Permanent(context.Canceled)
	}
	c.setStatus(Connected)

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var closed *CloseError
			if errors.As(err, &closed) {
				c.HandleClose(closed.Code, closed.Reason)
			} else {
				c.HandleClose(0, "")
			}
			if revoked := c.AccessError(); revoked != nil {
				return backoff.Permanent(revoked)
			}
			return err
		}
		c.Apply(ctx, ev)
		if revoked := c.AccessError(); revoked != nil {
			return backoff.Permanent(revoked)
		}
	}
}
