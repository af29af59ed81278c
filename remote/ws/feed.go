// Package ws implements remote.Feed over a websocket connection. One
// subscribe frame is written after dialing; every subsequent frame from the
// server is a JSON-encoded remote.Event.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warp/fieldops/remote"
)

// Feed dials url for every Connect call. Reconnect policy lives in the
// consumer (reconcile.Channel); this type only reports the drop.
type Feed struct {
	URL    string
	Logger *slog.Logger

	// HandshakeTimeout bounds the dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

func New(url string) *Feed {
	return &Feed{URL: url, Logger: slog.Default()}
}

func (f *Feed) Connect(ctx context.Context, sub remote.Subscription) (remote.FeedConn, error) {
	timeout := f.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	ws, _, err := dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", f.URL, remote.ErrUnavailable)
	}
	if err := ws.WriteJSON(sub); err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe: %w", remote.ErrUnavailable)
	}
	f.Logger.Info("push feed connected", "url", f.URL, "tables", sub.Tables)
	return &feedConn{ws: ws}, nil
}

type feedConn struct {
	ws *websocket.Conn
}

// Next reads one event frame. Read deadlines follow ctx: a cancellation
// closes the socket, which unblocks the read.
func (c *feedConn) Next(ctx context.Context) (remote.Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		// A deadline set by an earlier Next sticks to the connection; a
		// deadline-free read must clear it or time out spuriously.
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	var ev remote.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		if ctx.Err() != nil {
			return remote.Event{}, ctx.Err()
		}
		return remote.Event{}, fmt.Errorf("feed read: %w", remote.ErrUnavailable)
	}
	return ev, nil
}

func (c *feedConn) Close() error {
	return c.ws.Close()
}
