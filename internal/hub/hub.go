// Package hub implements the central message-mux bus: it accepts
// authenticated websocket connections, routes client-message frames
// to their destinations, records everything it observes, and tears
// down cleanly on cancellation.
//
// The per-session writer-goroutine-plus-channel shape is grounded on
// the realtime-hub pattern seen across the retrieved example corpus
// rather than on the teacher, which has no server-side code of its
// own: only one goroutine (the session's writePump) ever calls
// WriteMessage on a given connection, so routing triggered by another
// connection's handler goroutine can only ever enqueue.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tnumfive/termmux/internal/packet"
)

// AuthFunc verifies a client-login packet and returns whether the
// connection may proceed, plus a diagnostic message used either as
// the success reply's content (ignored, must be empty on success) or
// the failure reply's content.
type AuthFunc func(login packet.Packet) (ok bool, msg string)

// AllowAll is the permissive default: every login succeeds.
func AllowAll(packet.Packet) (bool, string) { return true, "" }

// Recorder is the subset of *recorder.FileRecorder the hub depends on,
// named here so the hub package does not import a concrete recorder
// implementation.
type Recorder interface {
	Record(p packet.Packet)
}

// Reactor is the hub's own subclass hook: invoked, in packet-arrival
// order per connection, after a message has been routed and recorded.
// A nil Reactor is a no-op.
type Reactor interface {
	React(p packet.Packet)
}

// Hub is the message-mux bus server.
type Hub struct {
	addr        string
	authFunc    AuthFunc
	authTimeout time.Duration
	recorder    Recorder
	reactor     Reactor
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	wg sync.WaitGroup

	readyMu    sync.Mutex
	listenAddr string
	ready      chan struct{}
}

// Option configures a Hub at construction.
type Option func(*Hub)

// WithAuthFunc overrides the default allow-all auth function.
func WithAuthFunc(fn AuthFunc) Option {
	return func(h *Hub) { h.authFunc = fn }
}

// WithAuthTimeout overrides the default 1s bound on the login frame.
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Hub) { h.authTimeout = d }
}

// WithReactor attaches the hub's own react hook.
func WithReactor(r Reactor) Option {
	return func(h *Hub) { h.reactor = r }
}

// New builds a Hub listening on addr (host:port) once Run is called.
func New(addr string, rec Recorder, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		addr:        addr,
		authFunc:    AllowAll,
		authTimeout: time.Second,
		recorder:    rec,
		logger:      logger,
		sessions:    make(map[string]*session),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListenAddr blocks until Run has bound its listener, then returns its
// address. Used by tests and by operators logging the bound port when
// addr requests an ephemeral one ("127.0.0.1:0").
func (h *Hub) ListenAddr(ctx context.Context) (string, error) {
	select {
	case <-h.ready:
		h.readyMu.Lock()
		defer h.readyMu.Unlock()
		return h.listenAddr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run binds and serves until ctx is cancelled. On cancellation it
// stops accepting new connections, waits for in-flight handlers to
// terminate, and returns.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("hub: listen: %w", err)
	}
	h.readyMu.Lock()
	h.listenAddr = ln.Addr().String()
	h.readyMu.Unlock()
	close(h.ready)

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { h.handleWS(ctx, w, r) }),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("hub: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("hub: shutdown", "error", err)
	}
	h.wg.Wait()
	<-serveErr
	return nil
}

func (h *Hub) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("hub: upgrade failed", "error", err)
		return
	}
	h.wg.Add(1)
	connID := uuid.NewString()
	go func() {
		defer h.wg.Done()
		h.serveConn(ctx, connID, conn)
	}()
}

func (h *Hub) serveConn(ctx context.Context, connID string, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Debug("hub: no login frame within auth timeout", "conn", connID, "error", err)
		return
	}
	login, err := packet.DecodeClientLogin(raw)
	if err != nil {
		h.logger.Warn("hub: malformed login frame", "conn", connID, "error", err)
		return
	}

	h.mu.RLock()
	_, taken := h.sessions[login.Source]
	h.mu.RUnlock()
	if taken {
		h.replyDirect(conn, login.Source, "uid already connected")
		return
	}

	ok, msg := h.authFunc(login)
	if !ok {
		h.replyDirect(conn, login.Source, msg)
		return
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sess := newSession(login.Source, conn)
	h.mu.Lock()
	h.sessions[login.Source] = sess
	h.mu.Unlock()

	go sess.writePump(h.logger)

	h.recorder.Record(packet.New(packet.ActionLogin, login.Source, nil, ""))
	sess.enqueue(mustEncodeServerMessage(packet.Packet{
		SentTime: login.SentTime, RouteTime: nowMillis(), Source: packet.HubSource, Content: "",
	}), h.logger)

	h.handlerLoop(ctx, sess)

	h.mu.Lock()
	delete(h.sessions, sess.uid)
	h.mu.Unlock()
	sess.close()
	h.recorder.Record(packet.New(packet.ActionLogout, sess.uid, nil, ""))
}

// replyDirect is used only before a session is registered, when this
// handler goroutine is still the connection's sole writer.
func (h *Hub) replyDirect(conn *websocket.Conn, source, msg string) {
	reply := packet.Packet{SentTime: nowMillis(), RouteTime: nowMillis(), Source: packet.HubSource, Content: msg}
	raw, err := packet.EncodeServerMessage(reply)
	if err != nil {
		h.logger.Error("hub: encode reply", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, raw)
}

func (h *Hub) handlerLoop(ctx context.Context, sess *session) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := packet.DecodeClientMessage(raw)
		if err != nil {
			h.logger.Warn("hub: malformed message frame, dropping", "uid", sess.uid, "error", err)
			continue
		}
		msg.Source = sess.uid
		msg.RouteTime = nowMillis()
		msg.Action = packet.ActionMessage

		h.route(msg)
		h.recorder.Record(msg)
		if h.reactor != nil {
			h.reactor.React(msg)
		}
	}
}

// route fans msg out to every destination present in the live set,
// excluding msg's own source. A send that cannot keep up with one
// destination never blocks or drops delivery to any other.
func (h *Hub) route(msg packet.Packet) {
	reply := packet.Packet{SentTime: msg.SentTime, RouteTime: msg.RouteTime, Source: msg.Source, Content: msg.Content}
	raw := mustEncodeServerMessage(reply)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, dest := range msg.Destination {
		if dest == msg.Source {
			continue
		}
		s, ok := h.sessions[dest]
		if !ok {
			continue
		}
		s.enqueue(raw, h.logger)
	}
}

func mustEncodeServerMessage(p packet.Packet) []byte {
	raw, err := packet.EncodeServerMessage(p)
	if err != nil {
		// EncodeServerMessage only fails on well-typed struct marshal,
		// which cannot happen for values built from a decoded Packet.
		panic(fmt.Sprintf("hub: encode server message: %v", err))
	}
	return raw
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
