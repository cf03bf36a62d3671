package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeUpstream is a minimal test double for the venue: it accepts one
// connection at a time, records every SUBSCRIBE/UNSUBSCRIBE request it
// observes, and lets the test push arbitrary events down to the
// client.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []map[string]any
	conns    int

	push chan []byte
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{push: make(chan []byte, 16)}
}

func (f *fakeUpstream) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.conns++
	f.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if json.Unmarshal(raw, &req) == nil {
				f.mu.Lock()
				f.requests = append(f.requests, req)
				f.mu.Unlock()
			}
		}
	}()

	for {
		select {
		case msg := <-f.push:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

func (f *fakeUpstream) requestsSnapshot() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.requests))
	copy(out, f.requests)
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + srv.URL[len("http"):]
}

func TestSubscribeIdempotence(t *testing.T) {
	fu := newFakeUpstream()
	srv := httptest.NewServer(http.HandlerFunc(fu.handler))
	defer srv.Close()

	h := NewBinanceHelper(wsURL(srv), "init", 10*time.Millisecond, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	waitForInitialized(t, h)

	if err := h.Subscribe(ctx, "u1", "x@y"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Subscribe(ctx, "u1", "x@y"); err != nil {
		t.Fatalf("subscribe again: %v", err)
	}
	if err := h.Subscribe(ctx, "u2", "x@y"); err != nil {
		t.Fatalf("subscribe u2: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	subscribeCount := countMethod(fu.requestsSnapshot(), "SUBSCRIBE")
	if subscribeCount != 1 {
		t.Fatalf("want exactly 1 SUBSCRIBE for x@y, got %d", subscribeCount)
	}

	subs := h.Subscribers("x@y")
	if len(subs) != 2 {
		t.Fatalf("want 2 subscribers, got %v", subs)
	}

	if err := h.Unsubscribe(ctx, "u1", "x@y"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if countMethod(fu.requestsSnapshot(), "UNSUBSCRIBE") != 0 {
		t.Fatal("set still has a subscriber, must not unsubscribe yet")
	}

	if err := h.Unsubscribe(ctx, "u2", "x@y"); err != nil {
		t.Fatalf("unsubscribe u2: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if countMethod(fu.requestsSnapshot(), "UNSUBSCRIBE") != 1 {
		t.Fatal("want exactly 1 UNSUBSCRIBE once the set is empty")
	}
	if len(h.Subscribers("x@y")) != 0 {
		t.Fatal("subscriber set should be empty")
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	fu := newFakeUpstream()
	srv := httptest.NewServer(http.HandlerFunc(fu.handler))
	defer srv.Close()

	h := NewBinanceHelper(wsURL(srv), "init", 10*time.Millisecond, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	waitForInitialized(t, h)
	if err := h.Subscribe(ctx, "u1", "x@y"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.connMu.Lock()
	conn := h.conn
	h.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fu.mu.Lock()
		conns := fu.conns
		fu.mu.Unlock()
		if conns >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitForInitialized(t, h)

	time.Sleep(100 * time.Millisecond)
	if countMethod(fu.requestsSnapshot(), "SUBSCRIBE") < 2 {
		t.Fatal("want a fresh SUBSCRIBE batch after reconnect")
	}
}

func waitForInitialized(t *testing.T, h *BinanceHelper) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.IsInitialized() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("helper never became initialized")
}

func countMethod(reqs []map[string]any, method string) int {
	n := 0
	for _, r := range reqs {
		if m, _ := r["method"].(string); m == method {
			n++
		}
	}
	return n
}
