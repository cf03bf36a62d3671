package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// session is the hub's live-set entry for one connected uid. conn is
// owned exclusively by writePump once it starts: routing from other
// connections' handler goroutines only ever enqueues onto send, never
// writes to conn directly.
type session struct {
	uid  string
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSession(uid string, conn *websocket.Conn) *session {
	return &session{
		uid:  uid,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// enqueue is the non-blocking handoff used by routing. A full channel
// means this peer is slow; that is this peer's own failure and must
// not impair delivery to anyone else, so the message is dropped and
// logged rather than retried or blocked on.
func (s *session) enqueue(raw []byte, logger *slog.Logger) {
	select {
	case s.send <- raw:
	default:
		logger.Warn("hub: dropping frame, destination send buffer full", "uid", s.uid)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// writePump is the session's sole writer goroutine: every frame bound
// for this connection, whether a direct reply or routed from another
// connection, flows through send so WriteMessage is called from
// exactly one goroutine.
func (s *session) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("hub: write failed, closing session", "uid", s.uid, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
