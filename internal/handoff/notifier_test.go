package handoff

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func httptestWrap(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}

func TestAgentGate_TakeoverAndRelease(t *testing.T) {
	h := NewHub(nil)
	ctx := context.Background()

	active, err := h.AgentActive(ctx, "C1")
	if err != nil || active {
		t.Fatalf("fresh conversation active = %v, err = %v", active, err)
	}

	h.Takeover("C1")
	if active, _ := h.AgentActive(ctx, "C1"); !active {
		t.Fatal("takeover not visible")
	}
	if active, _ := h.AgentActive(ctx, "C2"); active {
		t.Fatal("takeover leaked across conversations")
	}

	h.Release("C1")
	if active, _ := h.AgentActive(ctx, "C1"); active {
		t.Fatal("release not visible")
	}
}

func TestAgentGate_TakeoverLapses(t *testing.T) {
	h := NewHub(nil)
	base := time.Now()
	h.now = func() time.Time { return base }

	h.Takeover("C1")
	h.now = func() time.Time { return base.Add(takeoverTTL + time.Minute) }
	if active, _ := h.AgentActive(context.Background(), "C1"); active {
		t.Fatal("stale takeover should lapse")
	}
}

func TestNotify_DeliversToConnectedConsole(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(httptestWrap(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for h.Consoles() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("console never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Notify("C9", "WhatsApp", "Ana", "confused_user")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ConversationID != "C9" || ev.Reason != "confused_user" {
		t.Errorf("event = %+v", ev)
	}
}

func TestConsoleMessages_DriveTakeovers(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(httptestWrap(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg, _ := json.Marshal(clientMessage{Type: "takeover", ConversationID: "C3"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if active, _ := h.AgentActive(context.Background(), "C3"); active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("takeover message never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg, _ = json.Marshal(clientMessage{Type: "release", ConversationID: "C3"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if active, _ := h.AgentActive(context.Background(), "C3"); !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("release message never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
