package live

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ctfgame/api/internal/auth"
	"github.com/ctfgame/api/internal/realtime"
	"github.com/gorilla/websocket"
)

func startServer(t *testing.T) (*Registry, *auth.TokenManager, string) {
	t.Helper()
	return startServerWith(t, testConfig())
}

func startServerWith(t *testing.T, cfg *Config) (*Registry, *auth.TokenManager, string) {
	t.Helper()
	tokens := auth.NewTokenManager(&auth.Config{Secret: "live-test", TokenTTL: time.Hour})
	registry := NewRegistry(cfg, nil)
	srv := httptest.NewServer(NewHandler(registry, tokens))
	t.Cleanup(srv.Close)
	return registry, tokens, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	registry, _, url := startServer(t)

	for _, query := range []string{"", "?token=bogus"} {
		ws, _, err := websocket.DefaultDialer.Dial(url+query, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = ws.ReadMessage()
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
			t.Fatalf("expected close 1008, got %v", err)
		}
		ws.Close()
	}
	if registry.Len() != 0 {
		t.Fatalf("rejected connection was registered")
	}
}

func TestLiveSession(t *testing.T) {
	registry, tokens, url := startServer(t)
	token, err := tokens.GenerateAccessToken(9, "dana", 3)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var hello outbound
	readJSON(t, ws, &hello)
	if hello.Type != "connected" || hello.UserID != 9 || hello.TeamID != 3 {
		t.Fatalf("unexpected welcome: %+v", hello)
	}

	if err := ws.WriteJSON(inbound{Type: msgPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong outbound
	readJSON(t, ws, &pong)
	if pong.Type != "pong" || pong.Timestamp == 0 {
		t.Fatalf("expected pong, got %+v", pong)
	}

	flagID := "3f1c8c7e-9d7a-4a35-9f0e-6d1d2b8a7c11"
	if err := ws.WriteJSON(inbound{Type: msgSubscribe, FlagID: flagID}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var ack outbound
	readJSON(t, ws, &ack)
	if ack.Type != "subscribed" || ack.FlagID != flagID {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	registry.DispatchToFlagSubscribers(flagID, realtime.FlagUpdate(flagID, realtime.EventCaptured, map[string]any{"teamId": 2}, time.Now()).Event)
	var update realtime.Event
	readJSON(t, ws, &update)
	if update.Type != realtime.TypeFlagUpdate || update.FlagID != flagID || update.Event != realtime.EventCaptured {
		t.Fatalf("unexpected update: %+v", update)
	}

	if err := ws.WriteJSON(inbound{Type: "dance"}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	var bad outbound
	readJSON(t, ws, &bad)
	if bad.Type != "error" {
		t.Fatalf("expected error reply, got %+v", bad)
	}

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Len() != 0 {
		t.Fatalf("closed connection still registered")
	}
}

func TestBearerHeaderAccepted(t *testing.T) {
	_, tokens, url := startServer(t)
	token, _ := tokens.GenerateAccessToken(4, "erin", 2)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var hello outbound
	readJSON(t, ws, &hello)
	if hello.Type != "connected" || hello.UserID != 4 {
		t.Fatalf("unexpected welcome: %+v", hello)
	}
}

func TestSilentClientDroppedAfterHeartbeatWindow(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatGrace = 50 * time.Millisecond
	registry, tokens, url := startServerWith(t, cfg)

	token, _ := tokens.GenerateAccessToken(7, "mute", 2)
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// Swallow pings without answering them.
	ws.SetPingHandler(func(string) error { return nil })

	var hello map[string]any
	readJSON(t, ws, &hello)
	if hello["type"] != "connected" || registry.Len() != 1 {
		t.Fatalf("expected registered connection, got %v with %d live", hello, registry.Len())
	}
	connected := time.Now()

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Len() != 0 {
		t.Fatalf("silent connection still registered after %v", time.Since(connected))
	}
	if elapsed := time.Since(connected); elapsed < cfg.HeartbeatInterval {
		t.Fatalf("connection dropped after %v, before the heartbeat window", elapsed)
	}
}
