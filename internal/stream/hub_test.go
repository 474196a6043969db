package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHub_BroadcastsOrderExecuted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	conn := dial(t, h)
	h.OrderExecuted(model.Order{
		ID: "o1", UserID: "secret-user", Side: model.SideBuy, Ticker: "AAPL",
		Quantity: 10, Price: decimal.NewFromInt(185),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "secret-user") {
		t.Error("execution broadcast must not carry the user id")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeOrderExecuted || msg.Ticker != "AAPL" || msg.Quantity != 10 || msg.Price != "185.00" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHub_BroadcastsPrices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	conn := dial(t, h)
	h.PricesUpdated([]model.Instrument{{Ticker: "MSFT", Name: "Microsoft", Price: decimal.NewFromInt(410)}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != TypePricesUpdated || len(msg.Instruments) != 1 || msg.Instruments[0].Ticker != "MSFT" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	// Run is not started: the queue fills and further messages are dropped.
	for i := 0; i < 1000; i++ {
		h.Broadcast(Message{Type: TypePricesUpdated})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	r := httptest.NewRequest("GET", "/api/ws", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	if !check(r) {
		t.Error("expected allowed origin to pass")
	}
	r.Header.Set("Origin", "http://evil.example")
	if check(r) {
		t.Error("expected unknown origin to be rejected")
	}
}
