package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outcomex/market-engine/internal/notify"
)

func TestHub_DeliversMarketEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?market=m1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the dial returning, so publish until something
	// arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Notify(ctx, notify.Event{Type: notify.BetPlaced, MarketID: "m2"})
				hub.Notify(ctx, notify.Event{Type: notify.MarketResolved, MarketID: "m1"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e notify.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.MarketID != "m1" || e.Type != notify.MarketResolved {
		t.Errorf("got %s for %s, want market:resolved for m1", e.Type, e.MarketID)
	}
}

type recorder struct{ events []notify.Event }

func (r *recorder) Notify(_ context.Context, e notify.Event) { r.events = append(r.events, e) }

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := notify.Multi{a, notify.Nop{}, b}
	m.Notify(context.Background(), notify.Event{Type: notify.BetCancelled, MarketID: "x"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("delivered %d and %d events, want 1 each", len(a.events), len(b.events))
	}
}
