package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tnumfive/termmux/internal/packet"
	"github.com/tnumfive/termmux/internal/rtclient"
	"github.com/tnumfive/termmux/internal/trade"
)

// AdapterClient is the exchange adapter's internal-client-facing half:
// it answers RequestContent frames and republishes upstream events
// fanned out through the Helper's portal channel. It implements
// rtclient.Handler so the generic reconnecting runtime drives its
// lifecycle the same way it drives an echo client or a strategy
// client.
type AdapterClient struct {
	rtclient.BaseHandler

	Helper Helper
	Logger *slog.Logger

	startOnce sync.Once
	group     *errgroup.Group
	groupCtx  context.Context

	bufMu  sync.Mutex
	buffer []bufferedSend
}

type bufferedSend struct {
	dest    []string
	content string
}

func (a *AdapterClient) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// SetUp starts the upstream helper and its portal-consumer goroutine
// exactly once, the first time the internal hub link comes up (they
// run for the adapter's whole lifetime, independent of hub
// reconnects), then drains whatever was buffered while the internal
// link was down.
func (a *AdapterClient) SetUp(ctx context.Context, c *rtclient.Client) error {
	a.startOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		a.group = g
		a.groupCtx = gctx
		g.Go(func() error { return a.Helper.Run(gctx) })
		g.Go(func() error { a.consumeEvents(gctx, c); return nil })
	})
	a.drainBuffer(c)
	return nil
}

// consumeEvents is the portal consumer: the Helper is the channel's
// sole producer, this goroutine its sole consumer, per Design Note
// §9's bounded-channel replacement for the original callback portal.
func (a *AdapterClient) consumeEvents(ctx context.Context, c *rtclient.Client) {
	for {
		select {
		case event, ok := <-a.Helper.Events():
			if !ok {
				return
			}
			a.handleEvent(c, event)
		case <-ctx.Done():
			return
		}
	}
}

func (a *AdapterClient) handleEvent(c *rtclient.Client, event map[string]any) {
	streamVal, ok := event["stream"].(string)
	if !ok {
		a.logger().Warn("exchange: upstream event missing stream field, dropping")
		return
	}
	subscribers := a.Helper.Subscribers(streamVal)
	if len(subscribers) == 0 {
		a.logger().Debug("exchange: no subscribers for stream, dropping event", "stream", streamVal)
		return
	}
	dataRaw, err := json.Marshal(event["data"])
	if err != nil {
		a.logger().Warn("exchange: marshal upstream event data", "error", err)
		return
	}
	content, err := trade.StreamContent{Stream: streamVal, Data: dataRaw}.Encode()
	if err != nil {
		a.logger().Warn("exchange: encode stream content", "error", err)
		return
	}
	a.send(c, subscribers, content)
}

// send wraps c.Send: on failure (the internal hub link is down) it
// buffers (dest, content) for replay the next time SetUp runs.
func (a *AdapterClient) send(c *rtclient.Client, dest []string, content string) {
	if err := c.Send(dest, content); err != nil {
		a.bufMu.Lock()
		a.buffer = append(a.buffer, bufferedSend{dest, content})
		a.bufMu.Unlock()
	}
}

func (a *AdapterClient) drainBuffer(c *rtclient.Client) {
	a.bufMu.Lock()
	buffered := a.buffer
	a.buffer = nil
	a.bufMu.Unlock()
	for _, b := range buffered {
		a.send(c, b.dest, b.content)
	}
}

// React dispatches RequestContent frames: check_alive and
// check_initialized answer unconditionally; subscribe and unsubscribe
// are honored only once the upstream is initialized, otherwise
// silently deferred for the caller to reissue.
func (a *AdapterClient) React(ctx context.Context, c *rtclient.Client, p packet.Packet) {
	content, err := trade.Decode(p.Content)
	if err != nil {
		a.logger().Warn("exchange: malformed trade content, dropping", "error", err)
		return
	}
	req, ok := content.(trade.RequestContent)
	if !ok {
		return
	}

	switch req.Method {
	case "check_alive":
		a.reply(c, p.Source, req.ID, nowMillis())
	case "check_initialized":
		a.reply(c, p.Source, req.ID, a.Helper.IsInitialized())
	case "subscribe":
		if !a.Helper.IsInitialized() {
			return
		}
		stream, ok := firstStringParam(req.Params)
		if !ok {
			a.logger().Warn("exchange: subscribe request missing stream param")
			return
		}
		if err := a.Helper.Subscribe(ctx, p.Source, stream); err != nil {
			a.logger().Warn("exchange: subscribe", "stream", stream, "error", err)
		}
	case "unsubscribe":
		if !a.Helper.IsInitialized() {
			return
		}
		stream, ok := firstStringParam(req.Params)
		if !ok {
			a.logger().Warn("exchange: unsubscribe request missing stream param")
			return
		}
		if err := a.Helper.Unsubscribe(ctx, p.Source, stream); err != nil {
			a.logger().Warn("exchange: unsubscribe", "stream", stream, "error", err)
		}
	default:
		a.logger().Warn("exchange: unknown request method", "method", req.Method)
	}
}

func (a *AdapterClient) reply(c *rtclient.Client, dest string, id int64, result any) {
	content, err := trade.ResponseContent{ID: id, Result: result}.Encode()
	if err != nil {
		a.logger().Error("exchange: encode response", "error", err)
		return
	}
	a.send(c, []string{dest}, content)
}

func firstStringParam(params []any) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	s, ok := params[0].(string)
	return s, ok
}

// WaitCleanUp waits, up to a bounded timeout, for the upstream helper
// and portal consumer to exit. They share the client's lifetime ctx
// (already cancelled by the time WaitCleanUp runs), so the wait uses
// its own timeout rather than ctx itself.
func (a *AdapterClient) WaitCleanUp(ctx context.Context) {
	if a.group == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- a.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			a.logger().Warn("exchange: helper group exited with error", "error", err)
		}
	case <-time.After(5 * time.Second):
		a.logger().Warn("exchange: timed out waiting for helper group to exit")
	}
}
