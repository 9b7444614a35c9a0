package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/profile"
)

const (
	addrA = "0xaaaa000000000000000000000000000000000001"
	addrB = "0xbbbb000000000000000000000000000000000002"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func register(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients > 0 }, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return &ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Subscription filters
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	u := &ScoreUpdate{Address: addrA, CreditScore: 700, Kind: "integration"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"account match", Subscription{Accounts: []string{addrA}}, true},
		{"account miss", Subscription{Accounts: []string{addrB}}, false},
		{"kind match", Subscription{Kinds: []string{"integration"}}, true},
		{"kind miss", Subscription{Kinds: []string{"self_update"}}, false},
		{"min score", Subscription{MinScore: 701}, false},
		{"max score", Subscription{MaxScore: 699}, false},
		{"score window", Subscription{MinScore: 650, MaxScore: 750}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(u))
		})
	}
}

func TestSubscription_NormalizesAccounts(t *testing.T) {
	sub := Subscription{Accounts: []string{" 0xAAAA000000000000000000000000000000000001 "}}.normalized()
	assert.True(t, sub.Matches(&ScoreUpdate{Address: addrA}))
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_PublishToMatchingClients(t *testing.T) {
	h := runHub(t)
	all := register(t, h, Subscription{})
	onlyB := register(t, h, Subscription{Accounts: []string{addrB}})
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 2 }, time.Second, 5*time.Millisecond)

	h.PublishScoreUpdate(&ScoreUpdate{Address: addrA, CreditScore: 319, Version: 1, Kind: "self_update"})

	ev := receive(t, all)
	assert.Equal(t, EventScoreUpdated, ev.Type)
	assert.Equal(t, 319, ev.Data.CreditScore)

	select {
	case <-onlyB.send:
		t.Error("filtered client should not receive other accounts")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, int64(1), h.Stats().TotalEvents)
	assert.Equal(t, int64(2), h.Stats().PeakClients)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{}}
	h.register <- slow
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	h.PublishScoreUpdate(&ScoreUpdate{Address: addrA})
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
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
		t.Fatal("hub did not stop after context cancellation")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 503, w.Code)
}

// ---------------------------------------------------------------------------
// End to end over a real WebSocket
// ---------------------------------------------------------------------------

func TestHub_WebSocketStream(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?account=" + addrB
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	h.PublishScoreUpdate(&ScoreUpdate{Address: addrA, CreditScore: 500})
	h.PublishScoreUpdate(&ScoreUpdate{Address: addrB, CreditScore: 850, Kind: "integration", Fields: []string{"transactionVolume"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, addrB, ev.Data.Address)
	assert.Equal(t, 850, ev.Data.CreditScore)

	// Widen the subscription from the client side.
	require.NoError(t, conn.WriteJSON(Subscription{}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			if len(c.subscription().Accounts) != 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	h.PublishScoreUpdate(&ScoreUpdate{Address: addrA, CreditScore: 400})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, addrA, next.Data.Address)
}

func TestProfileEmitter(t *testing.T) {
	h := runHub(t)
	client := register(t, h, Subscription{})

	p := &profile.Profile{
		Account:     common.HexToAddress("0xAAAA000000000000000000000000000000000001"),
		CreditScore: 493,
		Version:     3,
	}
	NewProfileEmitter(h).EmitScoreUpdate(p, profile.KindSelfUpdate, []profile.Field{profile.FieldTransactionVolume})

	ev := receive(t, client)
	assert.Equal(t, addrA, ev.Data.Address)
	assert.Equal(t, 493, ev.Data.CreditScore)
	assert.Equal(t, int64(3), ev.Data.Version)
	assert.Equal(t, "self_update", ev.Data.Kind)
	assert.Equal(t, []string{"transactionVolume"}, ev.Data.Fields)
}
