package rtclient

import (
	"context"
	"log/slog"

	"github.com/tnumfive/termmux/internal/packet"
)

// EchoHandler sends every received frame's content back to its own
// source, grounded on original_source's EchoClient.react.
type EchoHandler struct {
	BaseHandler
	Logger *slog.Logger
}

func (h *EchoHandler) React(ctx context.Context, c *Client, p packet.Packet) {
	if err := c.Send([]string{p.Source}, p.Content); err != nil {
		h.logger().Warn("echo: send failed", "error", err)
	}
}

func (h *EchoHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
