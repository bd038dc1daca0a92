package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient([]string{"samples"})

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("samples") != 1 {
		t.Fatalf("expected 1 client on samples, got %d", hub.TopicCount("samples"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	client := NewClient([]string{"samples"})

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("samples") != 0 {
		t.Fatalf("expected 0 clients on samples, got %d", hub.TopicCount("samples"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_PublishOnlyReachesSubscribers(t *testing.T) {
	hub := newTestHub()
	subscriber := NewClient([]string{"samples"})
	other := NewClient([]string{"inventory"})
	hub.Register(subscriber)
	hub.Register(other)

	err := hub.Publish(context.Background(), Event{
		Type:      "sample.received",
		Topic:     "samples",
		EntityID:  "S-1",
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"status":"received"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-subscriber.Send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if got.Type != "sample.received" {
			t.Errorf("expected type sample.received, got %s", got.Type)
		}
		if got.EntityID != "S-1" {
			t.Errorf("expected entity S-1, got %s", got.EntityID)
		}
		if !strings.Contains(string(got.Data), "received") {
			t.Errorf("expected data to be carried, got %s", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not receive the event")
	default:
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"results"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), Event{Type: "result.entered", Topic: "results"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if hub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", hub.Dropped())
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient(nil)
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{" Samples ", "worksheets", "samples"}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics after subscribe, got %v", client.Topics)
	}
	if hub.TopicCount("samples") != 1 {
		t.Fatalf("expected 1 subscriber on samples, got %d", hub.TopicCount("samples"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"samples"}})
	if len(client.Topics) != 1 || client.Topics[0] != "worksheets" {
		t.Fatalf("expected [worksheets], got %v", client.Topics)
	}
	if hub.TopicCount("samples") != 0 {
		t.Fatalf("expected 0 subscribers on samples, got %d", hub.TopicCount("samples"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"qc"}})
	if hub.TopicCount("qc") != 0 {
		t.Fatal("unknown actions should be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient([]string{"samples"})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "sample.registered", Topic: "samples"})
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newTestHub()).RegisterRoutes(e.Group("/api/v1"))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/api/v1/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /api/v1/ws route to be registered")
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(newTestHub()).HandleConnect(c); err == nil {
		t.Fatal("expected error for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=samples"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("samples") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("samples") != 1 {
		t.Fatalf("expected 1 subscriber on samples, got %d", hub.TopicCount("samples"))
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"worksheets"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("worksheets") != 1 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), Event{Type: "worksheet.created", Topic: "worksheets", EntityID: "WS-1", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.Type != "worksheet.created" || got.EntityID != "WS-1" {
		t.Fatalf("expected worksheet.created WS-1, got %s %s", got.Type, got.EntityID)
	}
}
