package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/api"
	"github.com/atmx/pool-ledger/internal/model"
)

func waitForClients(t *testing.T, hub *api.WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	pool := address.FromLabel("pool")
	hub.Broadcast([]model.Event{{Pool: pool, Kind: model.EventDeposit, Amount: 1_500_000_000}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg api.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if msg.Type != "event" || msg.Event.Kind != model.EventDeposit {
		t.Errorf("message = %s/%s, want event/%s", msg.Type, msg.Event.Kind, model.EventDeposit)
	}
	if msg.Event.Pool != pool {
		t.Errorf("pool = %s, want %s", msg.Event.Pool, pool)
	}
	if msg.AmountSOL != "1.500000000" {
		t.Errorf("amount_sol = %q, want 1.500000000", msg.AmountSOL)
	}

	cancel()
	waitForClients(t, hub, 0)
}
