// Package client subscribes to directory changes on a running daemon.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned by Subscribe after Close.
var ErrClientClosed = errors.New("client closed")

const (
	defaultReplyTimeout = 10 * time.Second
	defaultBuffer       = 64
)

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer token when non-empty.
	Token  string
	Logger *log.Logger
	Dialer *websocket.Dialer
	// ReplyTimeout bounds the wait for a subscription reply.
	ReplyTimeout time.Duration
	// Reconnect re-establishes dropped subscriptions with backoff.
	Reconnect bool
	// Buffer is the capacity of each subscription's event channel.
	Buffer int
}

// Client manages subscriptions against one daemon endpoint. Each
// subscription uses its own connection so that cancelling it releases the
// remote watch.
type Client struct {
	url  string
	opts Options

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a client for url, e.g. ws://127.0.0.1:5000/ws.
func New(url string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Client{
		url:  url,
		opts: opts,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe starts receiving changes below dir. It returns after the daemon
// confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, dir string) (*Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(c, dir, conn)
	if err := sub.join(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.readLoop()
	c.opts.Logger.Printf("subscribed to %s", dir)
	return sub, nil
}

// Close cancels every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial %s: unauthorized", c.url)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}
