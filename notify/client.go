// Package notify implements the NotificationProxy client: a small
// property-list command protocol for posting and observing named
// broadcast notifications on the device (spec.md §4.G).
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/mux"
	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/plistconn"
)

// requestTimeout bounds the Post command's send/Shutdown pair.
const requestTimeout = 5 * time.Second

// observeBodyTimeout bounds each read of the background observe loop; it
// is deliberately short so the loop notices ctx cancellation promptly
// instead of blocking indefinitely inside plistconn.Conn.Recv.
const observeBodyTimeout = time.Second

// Client is a command client for the NotificationProxy service. Unlike
// lockdown and AFC, NotificationProxy's commands (other than the relayed
// observation stream) do not solicit a reply, so Client does not
// serialize every call behind request/response round trips the way
// lockdown.Client does.
type Client struct {
	mu      sync.Mutex
	send    *plistconn.Conn
	observe *plistconn.Conn
}

// New wraps conn (already connected to the notification_proxy service
// port returned by lockdown.Client.StartService) as a notify client.
func New(conn *mux.Conn) *Client {
	return &Client{
		send:    plistconn.New(conn, requestTimeout),
		observe: plistconn.New(conn, observeBodyTimeout),
	}
}

type command struct {
	Command string `plist:"Command"`
	Name    string `plist:"Name,omitempty"`
}

// Post sends name as a one-shot notification. Matching the device's
// observed behavior, every Post is followed by a Shutdown command; this
// is preserved for wire compatibility rather than re-derived (spec.md
// §9 Open Question).
func (c *Client) Post(ctx context.Context, name string) error {
	const op = "notify.Client.Post"
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send.Send(command{Command: "PostNotification", Name: name}); err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	if err := c.send.Send(command{Command: "Shutdown"}); err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	return nil
}

// relayed is the shape of every message the device sends on an observed
// connection: either a RelayNotification carrying Name, or a ProxyDeath
// signaling the service has gone away.
type relayed struct {
	Command string `plist:"Command"`
	Name    string `plist:"Name"`
}

// Observe subscribes to each of names via ObserveNotification and returns
// a channel of relayed notification names. The returned channel is
// closed when ctx is canceled or the device reports ProxyDeath; callers
// should range over it rather than polling.
func (c *Client) Observe(ctx context.Context, names ...string) (<-chan string, error) {
	const op = "notify.Client.Observe"
	c.mu.Lock()
	for _, name := range names {
		if err := c.send.Send(command{Command: "ObserveNotification", Name: name}); err != nil {
			c.mu.Unlock()
			return nil, pkg.Wrap(pkg.KindMuxError, op, err)
		}
	}
	c.mu.Unlock()

	out := make(chan string, 16)
	go c.observeLoop(ctx, out)
	return out, nil
}

func (c *Client) observeLoop(ctx context.Context, out chan<- string) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg relayed
		if err := c.observe.Recv(&msg); err != nil {
			if pkg.Is(err, pkg.KindTimeout) {
				continue
			}
			return
		}

		switch msg.Command {
		case "ProxyDeath":
			return
		case "RelayNotification":
			select {
			case out <- msg.Name:
			case <-ctx.Done():
				return
			}
		}
	}
}
