package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	h := NewHub(8)
	a, _ := h.Register("a")
	b, _ := h.Register("b")
	if err := h.Join("a", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Join("b", "p2"); err != nil {
		t.Fatal(err)
	}

	_ = h.Publish("p1", "new:event", "hello")

	select {
	case m := <-a:
		if m.Event != "new:event" || m.ProjectID != "p1" || m.Data != "hello" {
			t.Fatalf("unexpected message %+v", m)
		}
	default:
		t.Fatal("member did not receive message")
	}
	select {
	case m := <-b:
		t.Fatalf("non-member received %+v", m)
	default:
	}
}

func TestPerSubscriberOrderIsPreserved(t *testing.T) {
	h := NewHub(100)
	ch, _ := h.Register("a")
	_ = h.Join("a", "p1")

	for i := range 50 {
		_ = h.Publish("p1", "update:metric", i)
	}
	for i := range 50 {
		m := <-ch
		if m.Data != i {
			t.Fatalf("message %d arrived as %v", i, m.Data)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := NewHub(2)
	slow, _ := h.Register("slow")
	fast, _ := h.Register("fast")
	_ = h.Join("slow", "p1")
	_ = h.Join("fast", "p1")

	for i := range 3 {
		_ = h.Publish("p1", "new:event", i)
		<-fast
	}

	if h.subscribers("p1") != 1 {
		t.Fatalf("room has %d subscribers, want 1", h.subscribers("p1"))
	}
	n := 0
	for range slow {
		n++
	}
	if n != 2 {
		t.Fatalf("slow subscriber drained %d buffered messages, want 2", n)
	}
}

func TestLeaveAndUnregister(t *testing.T) {
	h := NewHub(4)
	ch, _ := h.Register("a")
	_ = h.Join("a", "p1")
	h.Leave("a", "p1")
	_ = h.Publish("p1", "x", nil)

	select {
	case m := <-ch:
		t.Fatalf("received %+v after leaving", m)
	default:
	}

	h.Unregister("a")
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unregister")
	}
	if err := h.Join("a", "p1"); err == nil {
		t.Fatal("join of unregistered subscriber succeeded")
	}
	if _, err := h.Register("a"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if _, err := h.Register("a"); err == nil {
		t.Fatal("duplicate register succeeded")
	}
}

func TestServeClosesSubscribersOnShutdown(t *testing.T) {
	h := NewHub(4)
	ch, _ := h.Register("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel left open")
	}
}

func dial(t *testing.T, h *Hub, project string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ServeWS(h, w, r, project)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestWebsocketSubscribeAndReceive(t *testing.T) {
	h := NewHub(8)
	conn := dial(t, h, "p1")

	if err := conn.WriteJSON(ControlMessage{Type: ControlSubscribe, ProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Event != EventSubscribed || m.ProjectID != "p1" {
		t.Fatalf("unexpected ack %+v", m)
	}

	_ = h.Publish("p1", "batch:events", map[string]any{"count": 3})
	m := readMessage(t, conn)
	if m.Event != "batch:events" {
		t.Fatalf("unexpected message %+v", m)
	}
	data, _ := m.Data.(map[string]any)
	if fmt.Sprint(data["count"]) != "3" {
		t.Fatalf("unexpected payload %+v", m.Data)
	}
}

func TestWebsocketRejectsForeignProject(t *testing.T) {
	h := NewHub(8)
	conn := dial(t, h, "p1")

	if err := conn.WriteJSON(ControlMessage{Type: ControlSubscribe, ProjectID: "p2"}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Event != EventError {
		t.Fatalf("expected error, got %+v", m)
	}
	if h.subscribers("p2") != 0 {
		t.Fatal("client joined a foreign project")
	}

	if err := conn.WriteJSON(ControlMessage{Type: ControlPing}); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Event != EventPong {
		t.Fatalf("expected pong, got %+v", m)
	}
}
