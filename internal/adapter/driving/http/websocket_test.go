package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/ya/internal/config"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *ws.Hub) {
	t.Helper()
	hub := ws.NewHub()
	go hub.Run()
	h := NewHandler(hub, config.NewICESource(config.DefaultICEServers()), opts)
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, participant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?participant=" + participant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", participant, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitConnected(t *testing.T, hub *ws.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Connected() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connected=%d, want %d", hub.Connected(), n)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestRelayForwardsCallRequest(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitConnected(t, hub, 2)

	env, err := domain.NewEnvelope("mallory", "bob", "call_1", domain.CallRequest{
		CallerID:   "alice",
		CalleeID:   "bob",
		CallerName: "Alice",
		CallType:   domain.KindVideo,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readEnvelope(t, bob)
	if got.Type != domain.TypeCallRequest {
		t.Fatalf("type=%q, want %q", got.Type, domain.TypeCallRequest)
	}
	if got.From != "alice" {
		t.Fatalf("from=%q, want alice (sender identity is stamped by the relay)", got.From)
	}
	msg, err := domain.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req := msg.(domain.CallRequest); req.CallerName != "Alice" {
		t.Fatalf("callerName=%q, want Alice", req.CallerName)
	}
}

func TestRelayAnswersUnreachable(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	alice := dial(t, srv, "alice")
	waitConnected(t, hub, 1)

	env, _ := domain.NewEnvelope("alice", "carol", "call_2", domain.CallRequest{
		CallerID: "alice", CalleeID: "carol", CallType: domain.KindAudio,
	})
	if err := alice.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	got := readEnvelope(t, alice)
	if got.Type != domain.TypeCallReject || got.From != "carol" {
		t.Fatalf("got %+v, want call_reject from carol", got)
	}
	msg, err := domain.Decode(got)
	if err != nil {
		t.Fatal(err)
	}
	if r := msg.(domain.CallReject); r.Reason != domain.ReasonUnreachable {
		t.Fatalf("reason=%q, want %q", r.Reason, domain.ReasonUnreachable)
	}
}

func TestServeWSRejectsInvalidParticipant(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	for _, id := range []string{"", "a/b", "a+b"} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?participant=" + id
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("participant %q: expected dial error", id)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("participant %q: resp=%v, want 400", id, resp)
		}
	}
}

func TestServeWSClosesOversizeMessage(t *testing.T) {
	srv, hub := newTestServer(t, Options{MaxMessageBytes: 64})
	conn := dial(t, srv, "alice")
	waitConnected(t, hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 65))); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close %d", err, websocket.CloseMessageTooBig)
	}
}

func TestServeWSRateLimit(t *testing.T) {
	srv, hub := newTestServer(t, Options{MessagesPerSecond: 1})
	conn := dial(t, srv, "alice")
	waitConnected(t, hub, 1)

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want close %d", err, websocket.ClosePolicyViolation)
	}
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	first := dial(t, srv, "alice")
	waitConnected(t, hub, 1)
	dial(t, srv, "alice")

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != string(ws.CloseSuperseded) {
		t.Fatalf("err=%v, want close with reason %q", err, ws.CloseSuperseded)
	}
	waitConnected(t, hub, 1)
}

func TestHealthAndICEServers(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	dial(t, srv, "alice")
	waitConnected(t, hub, 1)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health struct {
		Status       string `json:"status"`
		Participants int    `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Participants != 1 {
		t.Fatalf("health=%+v", health)
	}

	resp2, err := http.Get(srv.URL + "/api/ice-servers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var ice struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&ice); err != nil {
		t.Fatal(err)
	}
	if len(ice.ICEServers) != 1 || ice.ICEServers[0].URLs[0] != config.DefaultSTUNURLs[0] {
		t.Fatalf("ice=%+v", ice)
	}
}

func TestCallsListing(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitConnected(t, hub, 2)

	env, _ := domain.NewEnvelope("alice", "bob", "call_3", domain.CallRequest{
		CallerID: "alice", CalleeID: "bob", CallType: domain.KindAudio,
	})
	if err := alice.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, bob)

	resp, err := http.Get(srv.URL + "/api/calls")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var calls []ws.CallInfo
	if err := json.NewDecoder(resp.Body).Decode(&calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].CallID != "call_3" || len(calls[0].Participants) != 2 {
		t.Fatalf("calls=%+v", calls)
	}
}
