// Package rtclient implements the reconnecting client runtime shared
// by every internal client: login, the handler loop, reconnect on
// transient disconnect, and graceful teardown on orderly close or
// cancellation.
//
// The reconnect-loop shape (dedicated dial/backoff loop feeding a
// per-connection handler loop, disconnect classified by websocket
// close code) is grounded on the teacher's
// adapter/websocket/saxo_websocket.go and
// adapter/websocket/connection_manager.go, generalized from Saxo's
// OAuth2 login to the spec's pluggable AuthFunc.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tnumfive/termmux/internal/packet"
	"github.com/tnumfive/termmux/internal/xerrors"
)

// AuthFunc produces the login object embedded as JSON in the client's
// login frame content.
type AuthFunc func(uid string) (any, error)

const (
	minDialBackoff = time.Second
	maxDialBackoff = 30 * time.Second
	loginTimeout   = 5 * time.Second
)

// Client is the generic reconnecting runtime. A Handler supplies the
// behavior specific to an echo client, an exchange adapter or a
// strategy client.
type Client struct {
	UID      string
	URI      string
	AuthFunc AuthFunc
	Handler  Handler
	Logger   *slog.Logger
	Dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *Client) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run dials, logs in, and serves the handler loop until a terminal
// condition: an orderly close, cancellation, or an authentication
// failure. Transient disconnects are retried from the top, preserving
// whatever state the Handler itself owns.
func (c *Client) Run(ctx context.Context) error {
	backoff := minDialBackoff
	for {
		if err := ctx.Err(); err != nil {
			_, err = c.terminalExit(ctx, err)
			return err
		}

		conn, _, err := c.dialer().DialContext(ctx, c.URI, nil)
		if err != nil {
			if ctx.Err() != nil {
				_, err = c.terminalExit(ctx, ctx.Err())
				return err
			}
			c.logger().Warn("rtclient: dial failed, retrying", "uid", c.UID, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_, err = c.terminalExit(ctx, ctx.Err())
				return err
			}
			backoff *= 2
			if backoff > maxDialBackoff {
				backoff = maxDialBackoff
			}
			continue
		}
		backoff = minDialBackoff

		c.setConn(conn)
		terminal, runErr := c.runConnection(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if terminal {
			return runErr
		}
		if runErr != nil {
			c.logger().Warn("rtclient: transient disconnect, reconnecting", "uid", c.UID, "error", runErr)
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// runConnection owns one dialed connection end to end: login, set_up,
// the handler loop, and on a terminal outcome the clean_up/wait_clean_up
// pair.
func (c *Client) runConnection(ctx context.Context, conn *websocket.Conn) (terminal bool, err error) {
	authObj, err := c.AuthFunc(c.UID)
	if err != nil {
		return c.terminalExit(ctx, fmt.Errorf("rtclient: auth_fn: %w", err))
	}
	content, err := json.Marshal(authObj)
	if err != nil {
		return c.terminalExit(ctx, fmt.Errorf("rtclient: marshal auth object: %w", err))
	}
	loginRaw, err := packet.EncodeClientLogin(packet.Packet{SentTime: nowMillis(), Source: c.UID, Content: string(content)})
	if err != nil {
		return c.terminalExit(ctx, fmt.Errorf("rtclient: encode login: %w", err))
	}

	conn.SetWriteDeadline(time.Now().Add(loginTimeout))
	if werr := conn.WriteMessage(websocket.TextMessage, loginRaw); werr != nil {
		term, outErr := classify(werr)
		if term {
			return c.terminalExit(ctx, outErr)
		}
		return term, outErr
	}

	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	_, reply, rerr := conn.ReadMessage()
	if rerr != nil {
		term, outErr := classify(rerr)
		if term {
			return c.terminalExit(ctx, outErr)
		}
		return term, outErr
	}
	conn.SetReadDeadline(time.Time{})

	srvMsg, derr := packet.DecodeServerMessage(reply)
	if derr != nil {
		return c.terminalExit(ctx, fmt.Errorf("rtclient: malformed login reply: %w", derr))
	}
	if srvMsg.Content != "" {
		return c.terminalExit(ctx, fmt.Errorf("%w: %s", xerrors.ErrAuthFailed, srvMsg.Content))
	}

	if serr := c.Handler.SetUp(ctx, c); serr != nil {
		return c.terminalExit(ctx, fmt.Errorf("rtclient: set_up: %w", serr))
	}

	loopErr := c.handlerLoop(ctx, conn)
	term, outErr := classify(loopErr)
	if term {
		return c.terminalExit(ctx, outErr)
	}
	return term, outErr
}

// terminalExit runs the Handler's clean_up/wait_clean_up pair and
// returns (true, err): every terminal exit from runConnection — auth
// failure, orderly close, or cancellation — goes through here, mirroring
// the original client's single except block that catches
// (CancelledError, ConnectionClosedOK) regardless of where in login/
// set_up/handler the exception was raised.
func (c *Client) terminalExit(ctx context.Context, err error) (bool, error) {
	c.Handler.CleanUp()
	c.Handler.WaitCleanUp(ctx)
	return true, err
}

func (c *Client) handlerLoop(ctx context.Context, conn *websocket.Conn) error {
	// Closing conn on cancellation unblocks a pending ReadMessage.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		p, err := packet.DecodeServerMessage(raw)
		if err != nil {
			c.logger().Warn("rtclient: malformed frame, dropping", "uid", c.UID, "error", err)
			continue
		}
		c.Handler.React(ctx, c, p)
	}
}

// Send writes a client-message frame. It is safe to call from any
// goroutine: writes are serialized by an internal lock, satisfying
// gorilla/websocket's one-writer-at-a-time requirement even when a
// Handler's own background goroutines (an upstream helper's portal
// consumer, say) send concurrently with the handler loop's own React
// calls.
func (c *Client) Send(dest []string, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("rtclient: not connected")
	}
	raw, err := packet.EncodeClientMessage(packet.Packet{SentTime: nowMillis(), Destination: dest, Content: content})
	if err != nil {
		return fmt.Errorf("rtclient: encode message: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(loginTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// classify maps a read/write error to the TransientDisconnect vs.
// orderly-close/cancellation split the runtime's reconnect policy
// depends on: a close with code 1000 or an external cancellation is
// terminal, anything else (including a non-1000 close) is transient.
func classify(err error) (terminal bool, wrapped error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, context.Canceled) {
		return true, fmt.Errorf("%w: %v", xerrors.ErrOrderlyClose, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			return true, fmt.Errorf("%w: %v", xerrors.ErrOrderlyClose, err)
		}
		return false, fmt.Errorf("%w: %v", xerrors.ErrTransientDisconnect, err)
	}
	return false, fmt.Errorf("%w: %v", xerrors.ErrTransientDisconnect, err)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
