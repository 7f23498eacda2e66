package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	"chatrelay/internal/presence"
	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

const eventTimeout = 2 * time.Second

func startTestServer(t *testing.T, cfg config.Config, provider identity.Provider) *httptest.Server {
	t.Helper()

	hub := NewHub(cfg, slog.Default(), presence.NewRegistry())
	go hub.Run()
	handlers := NewHandlers(hub, provider, slog.Default())
	srv := httptest.NewServer(SetupRoutes(handlers))

	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// wsConn wraps a dialed websocket connection with an event queue so tests
// can wait for specific events while the server interleaves others. The
// write pump coalesces queued frames newline-separated into one websocket
// message, so received messages are split before decoding.
type wsConn struct {
	t     *testing.T
	conn  *websocket.Conn
	queue []protocol.Envelope
}

func dialWS(t *testing.T, url string) *wsConn {
	t.Helper()

	header := http.Header{"Origin": {"http://localhost:8080"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) send(event string, payload any) {
	c.t.Helper()

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		c.t.Fatalf("encode %s: %v", event, err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("send %s: %v", event, err)
	}
}

func (c *wsConn) readFrames(deadline time.Time) error {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	for _, frame := range bytes.Split(raw, []byte{'\n'}) {
		if len(frame) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			c.queue = append(c.queue, env)
		}
	}
	return nil
}

// waitEvent returns the next queued or received envelope of the given
// event type, leaving unrelated events queued for later waits.
func (c *wsConn) waitEvent(event string, timeout time.Duration) (protocol.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for i, env := range c.queue {
			if env.Event == event {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				return env, true
			}
		}
		if time.Now().After(deadline) {
			return protocol.Envelope{}, false
		}
		if err := c.readFrames(deadline); err != nil {
			return protocol.Envelope{}, false
		}
	}
}

func (c *wsConn) mustEvent(event string) protocol.Envelope {
	c.t.Helper()

	env, ok := c.waitEvent(event, eventTimeout)
	if !ok {
		c.t.Fatalf("timed out waiting for %s event", event)
	}
	return env
}

func (c *wsConn) mustMessage(event string) protocol.ChatMessage {
	c.t.Helper()

	env := c.mustEvent(event)
	var msg protocol.ChatMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		c.t.Fatalf("decode %s payload: %v", event, err)
	}
	if msg.ID == "" {
		c.t.Fatalf("%s payload missing id", event)
	}
	return msg
}

// waitUsersWith waits for a users snapshot whose uid set matches want
// exactly, draining any stale snapshots broadcast in between.
func (c *wsConn) waitUsersWith(want ...string) []protocol.UserInfo {
	c.t.Helper()

	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		env, ok := c.waitEvent(protocol.EventUsers, time.Until(deadline))
		if !ok {
			break
		}
		var users []protocol.UserInfo
		if err := json.Unmarshal(env.Data, &users); err != nil {
			c.t.Fatalf("decode users payload: %v", err)
		}
		if sameUIDSet(users, want) {
			return users
		}
	}
	c.t.Fatalf("timed out waiting for users snapshot %v", want)
	return nil
}

func sameUIDSet(users []protocol.UserInfo, want []string) bool {
	if len(users) != len(want) {
		return false
	}
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u.UID] = true
	}
	for _, uid := range want {
		if !set[uid] {
			return false
		}
	}
	return true
}

// expectNoEvent drains frames for a short window and fails if the given
// event shows up.
func (c *wsConn) expectNoEvent(event string, wait time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if err := c.readFrames(deadline); err != nil {
			break
		}
	}
	for _, env := range c.queue {
		if env.Event == event {
			c.t.Fatalf("received unexpected %s event", event)
		}
	}
}

func (c *wsConn) register(uid, name string) {
	c.t.Helper()
	c.send(protocol.EventRegister, protocol.RegisterPayload{UID: uid, DisplayName: name})
}

func TestRegisterBroadcastsUsersSnapshot(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")
	c1.waitUsersWith("A")

	c2 := dialWS(t, wsURL(srv))
	c2.register("B", "Bob")

	// Both connections observe the updated snapshot.
	c1.waitUsersWith("A", "B")
	c2.waitUsersWith("A", "B")
}

func TestDirectMessageFanOutAndAck(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")

	// B is online from two devices.
	c2 := dialWS(t, wsURL(srv))
	c2.register("B", "Bob")
	c3 := dialWS(t, wsURL(srv))
	c3.register("B", "Bob")
	c1.waitUsersWith("A", "B")

	sent := protocol.ChatMessage{
		ID: "m1", From: "Alice", FromUID: "A", To: "Bob", ToUID: "B",
		Text: "hi", Ts: 1000,
	}
	c1.send(protocol.EventPrivateMessage, sent)

	got2 := c2.mustMessage(protocol.EventPrivateMessage)
	got3 := c3.mustMessage(protocol.EventPrivateMessage)
	if got2.ID != "m1" || got3.ID != "m1" {
		t.Errorf("expected m1 on both devices, got %s and %s", got2.ID, got3.ID)
	}

	ack := c1.mustMessage(protocol.EventMessageAck)
	if ack.ID != "m1" {
		t.Errorf("expected ack for m1, got %s", ack.ID)
	}
	c1.expectNoEvent(protocol.EventPrivateMessage, 200*time.Millisecond)

	// B's conversation store, not viewing A, counts one unread from A.
	bobStore := store.New("B")
	bobStore.OpenRoom(protocol.DefaultRoom)
	bobStore.Ingest(got2, false)
	bobStore.Ingest(got3, false) // second device sees a duplicate
	if got := bobStore.UnreadFrom("A"); got != 1 {
		t.Errorf("expected 1 unread from A, got %d", got)
	}
	if got := len(bobStore.Messages(store.DirectKey("A", "B"))); got != 1 {
		t.Errorf("duplicate delivery should not double the log, got %d", got)
	}
}

func TestDirectMessageToOfflineUserOnlyAcks(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")
	c1.waitUsersWith("A")

	c1.send(protocol.EventPrivateMessage, protocol.ChatMessage{
		ID: "m1", FromUID: "A", ToUID: "nobody", Text: "anyone there?", Ts: 1000,
	})

	ack := c1.mustMessage(protocol.EventMessageAck)
	if ack.ID != "m1" {
		t.Errorf("expected ack for m1, got %s", ack.ID)
	}
}

func TestGroupMessageExcludesSender(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")
	c2 := dialWS(t, wsURL(srv))
	c2.register("B", "Bob")
	c3 := dialWS(t, wsURL(srv))
	c3.register("C", "Carol")
	c1.waitUsersWith("A", "B", "C")

	c1.send(protocol.EventGroupMessage, protocol.ChatMessage{
		ID: "g1", FromUID: "A", From: "Alice", Text: "hello room", Ts: 1000, Room: "general",
	})

	if got := c2.mustMessage(protocol.EventGroupMessage); got.ID != "g1" {
		t.Errorf("expected g1 at B, got %s", got.ID)
	}
	if got := c3.mustMessage(protocol.EventGroupMessage); got.ID != "g1" {
		t.Errorf("expected g1 at C, got %s", got.ID)
	}
	if ack := c1.mustMessage(protocol.EventMessageAck); ack.ID != "g1" {
		t.Errorf("expected ack for g1, got %s", ack.ID)
	}
	c1.expectNoEvent(protocol.EventGroupMessage, 200*time.Millisecond)
}

func TestLogoutRemovesOnlyOwnConnection(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")

	c2 := dialWS(t, wsURL(srv))
	c2.register("B", "Bob")
	c3 := dialWS(t, wsURL(srv))
	c3.register("B", "Bob")
	c1.waitUsersWith("A", "B")

	// Logging out one device leaves B online from the other.
	c2.send(protocol.EventLogout, protocol.LogoutPayload{UID: "B"})
	c1.waitUsersWith("A", "B")

	// Dropping the last device takes B offline.
	_ = c3.conn.Close()
	c1.waitUsersWith("A")
}

func TestDisconnectDeregistersConnection(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	c1.register("A", "Alice")
	c2 := dialWS(t, wsURL(srv))
	c2.register("B", "Bob")
	c1.waitUsersWith("A", "B")

	_ = c2.conn.Close()
	c1.waitUsersWith("A")
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	c1 := dialWS(t, wsURL(srv))
	if err := c1.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	c1.send("register", protocol.RegisterPayload{DisplayName: "No UID"})

	// The connection survives and a proper registration still works.
	c1.register("A", "Alice")
	c1.waitUsersWith("A")
}

func TestTokenRegistersIdentityAtUpgrade(t *testing.T) {
	provider := stubProvider{identity.Identity{UserID: "tok-user", DisplayName: "Token User"}}
	srv := startTestServer(t, testConfig(), provider)

	c1 := dialWS(t, wsURL(srv)+"?token=anything")
	users := c1.waitUsersWith("tok-user")
	if users[0].DisplayName != "Token User" {
		t.Errorf("expected provider display name, got %q", users[0].DisplayName)
	}
}

type stubProvider struct {
	id identity.Identity
}

func (s stubProvider) Identify(string) (identity.Identity, error) {
	return s.id, nil
}

func TestDisallowedOriginRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://allowed.example.com"}
	srv := startTestServer(t, cfg, nil)

	header := http.Header{"Origin": {"http://evil.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake rejection for disallowed origin")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestDebugEndpoint(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	resp, err := http.Get(srv.URL + "/debug?probe=1")
	if err != nil {
		t.Fatalf("GET /debug: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["method"] != http.MethodGet {
		t.Errorf("expected method GET, got %v", body["method"])
	}
	if url, _ := body["url"].(string); !strings.Contains(url, "probe=1") {
		t.Errorf("expected echoed url, got %v", body["url"])
	}
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	srv := startTestServer(t, testConfig(), nil)

	resp, err := http.Post(srv.URL+"/ws", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /ws: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
