package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/gorilla/websocket"
)

func waitForSubscribers(t *testing.T, dispatcher *broadcast.Dispatcher, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.SubscriberCount() != expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", expected, dispatcher.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamForwardsBroadcastEvents(t *testing.T) {
	env := newTestEnvironment(t, nil)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSubscribers(t, env.dispatcher, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}
	env.dispatcher.Publish(broadcast.Event{
		Type:    broadcast.EventTextMessage,
		Payload: map[string]any{"station_id": "257123450", "text": "SECURITE"},
	})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var received struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if received.Type != broadcast.EventTextMessage || received.Data["text"] != "SECURITE" {
		t.Fatalf("unexpected event %+v", received)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForSubscribers(t, env.dispatcher, 0)
}

func TestStreamClosesLaggingSubscriber(t *testing.T) {
	env := newTestEnvironment(t, nil)
	env.dispatcher = broadcast.NewDispatcher(broadcast.Config{BufferSize: 1})
	handler, err := NewHTTPHandler(Dependencies{
		Tracking:   env.tracking,
		Sources:    env.registry,
		Dispatcher: env.dispatcher,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, env.dispatcher, 1)

	for index := 0; index < 100000 && env.dispatcher.SubscriberCount() > 0; index++ {
		env.dispatcher.Publish(broadcast.Event{Type: broadcast.EventPositionUpdate, Payload: index})
	}
	waitForSubscribers(t, env.dispatcher, 0)

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				t.Fatalf("expected lagging close frame, got %v", err)
			}
			return
		}
	}
}
