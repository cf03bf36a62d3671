// Package strategy implements the strategy client: it issues typed
// requests to a named exchange adapter, correlates responses via a
// request registry of one-shot futures, and dispatches stream events
// to a caller-supplied callback.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tnumfive/termmux/internal/packet"
	"github.com/tnumfive/termmux/internal/rtclient"
	"github.com/tnumfive/termmux/internal/trade"
	"github.com/tnumfive/termmux/internal/xerrors"
)

const defaultRequestTimeout = 10 * time.Second

// StreamCallback is invoked for every StreamContent frame received
// from an adapter, with the adapter's uid as source.
type StreamCallback func(adapterUID string, content trade.StreamContent)

// Client issues check_alive/check_initialized/subscribe/unsubscribe
// requests to exchange adapters over the hub and correlates their
// responses.
type Client struct {
	rtclient.BaseHandler

	Logger         *slog.Logger
	RequestTimeout time.Duration
	OnStream       StreamCallback

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	sweepOnce sync.Once
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) timeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

// SetUp starts the registry sweep goroutine exactly once; it runs for
// the client's whole lifetime, expiring stale futures rather than
// leaving them to hang forever.
func (c *Client) SetUp(ctx context.Context, rc *rtclient.Client) error {
	c.sweepOnce.Do(func() {
		if c.pending == nil {
			c.pending = make(map[int64]*pendingRequest)
		}
		go c.sweepLoop(ctx)
	})
	return nil
}

func (c *Client) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.timeout() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expireStale()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) expireStale() {
	cutoff := nowMillis() - c.timeout().Milliseconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		if pr.mintedAt < cutoff {
			delete(c.pending, id)
			pr.fut.complete(xerrors.ErrRequestTimeout)
		}
	}
}

func mintID() int64 { return nowMillis() }

func nowMillis() int64 { return time.Now().UnixMilli() }

func (c *Client) register(id int64) *future {
	fut := newFuture()
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[int64]*pendingRequest)
	}
	c.pending[id] = &pendingRequest{fut: fut, mintedAt: nowMillis()}
	c.mu.Unlock()
	return fut
}

func (c *Client) request(rc *rtclient.Client, adapterUID, method string, params []any) (*future, error) {
	id := mintID()
	content, err := trade.RequestContent{ID: id, Method: method, Params: params}.Encode()
	if err != nil {
		return nil, fmt.Errorf("strategy: encode request: %w", err)
	}
	fut := c.register(id)
	if err := rc.Send([]string{adapterUID}, content); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("strategy: send request: %w", err)
	}
	return fut, nil
}

// await blocks on fut bounded by ctx, and further bounds the wait to
// the registry's own timeout so a caller without a deadline still
// observes ErrRequestTimeout rather than hanging.
func (c *Client) await(ctx context.Context, fut *future) (any, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	v, err := fut.wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil {
			return nil, xerrors.ErrRequestTimeout
		}
		return nil, err
	}
	if errors, ok := v.(error); ok {
		return nil, errors
	}
	return v, nil
}

// CheckAlive asks adapterUID for a liveness marker (the adapter's
// current time in ms).
func (c *Client) CheckAlive(ctx context.Context, rc *rtclient.Client, adapterUID string) (any, error) {
	fut, err := c.request(rc, adapterUID, "check_alive", []any{})
	if err != nil {
		return nil, err
	}
	return c.await(ctx, fut)
}

// CheckInitialized asks adapterUID whether its upstream link is
// initialized.
func (c *Client) CheckInitialized(ctx context.Context, rc *rtclient.Client, adapterUID string) (bool, error) {
	fut, err := c.request(rc, adapterUID, "check_initialized", []any{})
	if err != nil {
		return false, err
	}
	v, err := c.await(ctx, fut)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Subscribe requests adapterUID subscribe this client to stream.
func (c *Client) Subscribe(ctx context.Context, rc *rtclient.Client, adapterUID, stream string) error {
	_, err := c.request(rc, adapterUID, "subscribe", []any{stream})
	return err
}

// Unsubscribe requests adapterUID unsubscribe this client from stream.
func (c *Client) Unsubscribe(ctx context.Context, rc *rtclient.Client, adapterUID, stream string) error {
	_, err := c.request(rc, adapterUID, "unsubscribe", []any{stream})
	return err
}

// React resolves a ResponseContent's future by id, or dispatches a
// StreamContent to OnStream. Unknown response ids are dropped with a
// warning.
func (c *Client) React(ctx context.Context, rc *rtclient.Client, p packet.Packet) {
	content, err := trade.Decode(p.Content)
	if err != nil {
		c.logger().Warn("strategy: malformed trade content, dropping", "error", err)
		return
	}
	switch v := content.(type) {
	case trade.ResponseContent:
		c.mu.Lock()
		pr, ok := c.pending[v.ID]
		if ok {
			delete(c.pending, v.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger().Warn("strategy: response for unknown request id, dropping", "id", v.ID)
			return
		}
		pr.fut.complete(v.Result)
	case trade.StreamContent:
		if c.OnStream != nil {
			c.OnStream(p.Source, v)
		}
	}
}
