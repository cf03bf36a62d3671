package rtclient

import (
	"context"

	"github.com/tnumfive/termmux/internal/packet"
)

// Handler realizes the generic runtime's subclass hooks as an
// interface the runtime invokes at well-defined lifecycle points,
// rather than as an inheritance hierarchy: EchoHandler and the
// exchange/strategy specializations are policy objects composed with
// a *Client, never subclasses of it.
type Handler interface {
	// SetUp runs once per successful login, before the handler loop
	// starts reading frames. It may perform initial subscribes or
	// start background helpers.
	SetUp(ctx context.Context, c *Client) error

	// React is invoked once per received server-message frame, in
	// strict frame-arrival order. c is the same *Client passed to
	// SetUp, given again here so a Handler can call c.Send without
	// having to stash it itself.
	React(ctx context.Context, c *Client, p packet.Packet)

	// CleanUp runs once, synchronously, when Run is about to return
	// for good (orderly close, cancellation or authentication failure,
	// never on a transient disconnect that will reconnect).
	CleanUp()

	// WaitCleanUp runs immediately after CleanUp and may block,
	// bounded by ctx, until any work CleanUp started has finished.
	WaitCleanUp(ctx context.Context)
}

// BaseHandler is a no-op Handler meant to be embedded by
// specializations that only need to override a subset of the hooks.
type BaseHandler struct{}

func (BaseHandler) SetUp(context.Context, *Client) error       { return nil }
func (BaseHandler) React(context.Context, *Client, packet.Packet) {}
func (BaseHandler) CleanUp()                                   {}
func (BaseHandler) WaitCleanUp(context.Context)                {}
