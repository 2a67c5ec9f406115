package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestSubscription_Matches(t *testing.T) {
	msg := &Message{Topic: TopicPaymentReleased, EscrowID: "esc_1"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty", Subscription{}, true},
		{"topic match", Subscription{Topics: []Topic{TopicPaymentReleased}}, true},
		{"topic miss", Subscription{Topics: []Topic{TopicDisputeRaised}}, false},
		{"escrow match", Subscription{EscrowIDs: []string{"esc_1"}}, true},
		{"escrow miss", Subscription{EscrowIDs: []string{"esc_2"}}, false},
		{"both must hold", Subscription{Topics: []Topic{TopicPaymentReleased}, EscrowIDs: []string{"esc_2"}}, false},
	}
	for _, tt := range tests {
		if got := tt.sub.matches(msg); got != tt.want {
			t.Errorf("%s: matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &client{hub: h, send: make(chan []byte, 16), sub: Subscription{EscrowIDs: []string{"esc_1"}}}
	h.register <- c

	_ = h.Publish(ctx, &Message{Topic: TopicEscrowFrozen, EscrowID: "esc_2"})
	_ = h.Publish(ctx, &Message{Topic: TopicEscrowFrozen, EscrowID: "esc_1"})

	select {
	case raw := <-c.send:
		var got Message
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.EscrowID != "esc_1" {
			t.Errorf("Expected esc_1 message first, got %s", got.EscrowID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	select {
	case raw := <-c.send:
		t.Errorf("Unexpected second message %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != 503 {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() != 1 {
		t.Fatalf("Expected 1 client, got %d", h.Clients())
	}

	_ = h.Publish(ctx, &Message{ID: "msg_1", Topic: TopicDisputeRaised, EscrowID: "esc_9"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "msg_1" || got.Topic != TopicDisputeRaised {
		t.Errorf("Unexpected message %+v", got)
	}
}
