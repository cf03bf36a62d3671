package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tnumfive/termmux/internal/packet"
	"github.com/tnumfive/termmux/internal/rtclient"
	"github.com/tnumfive/termmux/internal/trade"
)

// fakeHelper isolates AdapterClient's React/SetUp logic from the real
// upstream connection.
type fakeHelper struct {
	mu            sync.Mutex
	initialized   bool
	subscribed    []string
	unsubscribed  []string
	events        chan map[string]any
	subscribersOf map[string][]string
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{events: make(chan map[string]any, 16), subscribersOf: map[string][]string{}}
}

func (f *fakeHelper) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeHelper) Events() <-chan map[string]any { return f.events }
func (f *fakeHelper) Subscribe(ctx context.Context, uid, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, uid+":"+stream)
	f.subscribersOf[stream] = append(f.subscribersOf[stream], uid)
	return nil
}
func (f *fakeHelper) Unsubscribe(ctx context.Context, uid, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, uid+":"+stream)
	return nil
}
func (f *fakeHelper) Subscribers(stream string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribersOf[stream]
}
func (f *fakeHelper) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}
func (f *fakeHelper) setInitialized(v bool) {
	f.mu.Lock()
	f.initialized = v
	f.mu.Unlock()
}

// loopbackHub is a minimal fake hub: it accepts one login, then
// forwards every client-message it receives into a channel for the
// test to assert on.
type loopbackHub struct {
	received chan packet.Packet
}

func (l *loopbackHub) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	login, err := packet.DecodeClientLogin(raw)
	if err != nil {
		return
	}
	reply, _ := packet.EncodeServerMessage(packet.Packet{SentTime: login.SentTime, RouteTime: login.SentTime, Source: "#"})
	conn.WriteMessage(websocket.TextMessage, reply)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := packet.DecodeClientMessage(raw)
		if err != nil {
			continue
		}
		l.received <- msg
	}
}

func wsURLFor(srv *httptest.Server) string {
	return "ws" + srv.URL[len("http"):]
}

func TestCheckAliveAndCheckInitialized(t *testing.T) {
	lh := &loopbackHub{received: make(chan packet.Packet, 8)}
	srv := httptest.NewServer(http.HandlerFunc(lh.handler))
	defer srv.Close()

	fh := newFakeHelper()
	adapter := &AdapterClient{Helper: fh}
	c := &rtclient.Client{
		UID:      "binance",
		URI:      wsURLFor(srv),
		AuthFunc: func(string) (any, error) { return map[string]string{}, nil },
		Handler:  adapter,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	aliveReq, _ := trade.RequestContent{ID: 1, Method: "check_alive", Params: []any{}}.Encode()
	adapter.React(ctx, c, packet.Packet{Source: "strategy", Content: aliveReq})

	select {
	case p := <-lh.received:
		resp, err := trade.Decode(p.Content)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		rc, ok := resp.(trade.ResponseContent)
		if !ok || rc.ID != 1 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("check_alive never answered")
	}

	fh.setInitialized(false)
	initReq, _ := trade.RequestContent{ID: 2, Method: "check_initialized", Params: []any{}}.Encode()
	adapter.React(ctx, c, packet.Packet{Source: "strategy", Content: initReq})
	select {
	case p := <-lh.received:
		resp, _ := trade.Decode(p.Content)
		rc := resp.(trade.ResponseContent)
		if rc.Result != false {
			t.Fatalf("want is_initialized=false, got %v", rc.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("check_initialized never answered")
	}
}

func TestSubscribeDeferredUntilInitialized(t *testing.T) {
	lh := &loopbackHub{received: make(chan packet.Packet, 8)}
	srv := httptest.NewServer(http.HandlerFunc(lh.handler))
	defer srv.Close()

	fh := newFakeHelper()
	adapter := &AdapterClient{Helper: fh}
	c := &rtclient.Client{
		UID:      "binance",
		URI:      wsURLFor(srv),
		AuthFunc: func(string) (any, error) { return map[string]string{}, nil },
		Handler:  adapter,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	subReq, _ := trade.RequestContent{ID: 1, Method: "subscribe", Params: []any{"x@y"}}.Encode()
	adapter.React(ctx, c, packet.Packet{Source: "strategy", Content: subReq})
	time.Sleep(50 * time.Millisecond)
	if len(fh.subscribed) != 0 {
		t.Fatal("subscribe must be deferred while not initialized")
	}

	fh.setInitialized(true)
	adapter.React(ctx, c, packet.Packet{Source: "strategy", Content: subReq})
	time.Sleep(50 * time.Millisecond)
	if len(fh.subscribed) != 1 {
		t.Fatalf("want exactly 1 subscribe once initialized, got %v", fh.subscribed)
	}
}

func TestHandleEventFansOutToSubscribers(t *testing.T) {
	lh := &loopbackHub{received: make(chan packet.Packet, 8)}
	srv := httptest.NewServer(http.HandlerFunc(lh.handler))
	defer srv.Close()

	fh := newFakeHelper()
	fh.subscribersOf["x@y"] = []string{"s1", "s2"}
	adapter := &AdapterClient{Helper: fh}
	c := &rtclient.Client{
		UID:      "binance",
		URI:      wsURLFor(srv),
		AuthFunc: func(string) (any, error) { return map[string]string{}, nil },
		Handler:  adapter,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	adapter.handleEvent(c, map[string]any{"stream": "x@y", "data": map[string]any{"v": 1.0}})

	select {
	case p := <-lh.received:
		if len(p.Destination) != 2 {
			t.Fatalf("want 2 destinations, got %v", p.Destination)
		}
		content, err := trade.Decode(p.Content)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		sc, ok := content.(trade.StreamContent)
		if !ok || sc.Stream != "x@y" {
			t.Fatalf("unexpected stream content: %+v", content)
		}
	case <-time.After(time.Second):
		t.Fatal("event never fanned out")
	}
}
