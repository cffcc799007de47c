// internal/voice/conn_test.go
package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gophercall/internal/protocol"
	"github.com/user/gophercall/internal/types"
)

// fakeVoice is an in-process stand-in for the calling service: it accepts
// websocket connections, answers the auth frame, and hands each accepted
// session to the test for scripting.
type fakeVoice struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	authOK     bool
	authErr    string
	silentAuth bool // accept the connection but never answer auth
	autoPong   bool // answer client pings with app-level pongs

	conns chan *peer
}

// peer is the server side of one accepted connection. frames carries every
// client frame after auth, except pings when autoPong is on.
type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	apiKey  string
	frames  chan map[string]any
}

func newFakeVoice(t *testing.T) *fakeVoice {
	t.Helper()
	f := &fakeVoice{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		authOK:   true,
		autoPong: true,
		conns:    make(chan *peer, 8),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVoice) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeVoice) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws, frames: make(chan map[string]any, 32)}

	var auth map[string]any
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&auth); err != nil {
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
	p.apiKey, _ = auth["apiKey"].(string)

	switch {
	case f.silentAuth:
	case f.authOK:
		_ = p.writeJSON(map[string]any{"type": "auth_result", "success": true, "userId": "u1"})
	default:
		_ = p.writeJSON(map[string]any{"type": "auth_result", "success": false, "error": f.authErr})
	}
	f.conns <- p

	for {
		var m map[string]any
		if err := ws.ReadJSON(&m); err != nil {
			close(p.frames)
			return
		}
		if typ, _ := m["type"].(string); typ == "ping" && f.autoPong {
			_ = p.writeJSON(map[string]any{"type": "pong"})
			continue
		}
		p.frames <- m
	}
}

func (f *fakeVoice) waitConn(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-f.conns:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func assertNoConn(t *testing.T, f *fakeVoice, wait time.Duration) {
	t.Helper()
	select {
	case <-f.conns:
		t.Fatal("unexpected new connection")
	case <-time.After(wait):
	}
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteJSON(v)
}

func (p *peer) send(t *testing.T, v any) {
	t.Helper()
	if err := p.writeJSON(v); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// closeWith starts a close handshake with the given code and lets the
// client finish it.
func (p *peer) closeWith(code int) {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
}

// drop kills the connection without a close handshake.
func (p *peer) drop() {
	_ = p.ws.Close()
}

func (p *peer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-p.frames:
		if !ok {
			t.Fatal("connection closed while waiting for a frame")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

func assertNoFrame(t *testing.T, p *peer, wait time.Duration) {
	t.Helper()
	select {
	case m, ok := <-p.frames:
		if ok {
			t.Fatalf("unexpected frame: %v", m)
		}
	case <-time.After(wait):
	}
}

// waitForEvent reads connection events until one with the wanted name
// arrives, discarding the rest.
func waitForEvent(t *testing.T, c *Conn, want string) Event {
	t.Helper()
	return waitForEventTimeout(t, c, want, 2*time.Second)
}

func waitForEventTimeout(t *testing.T, c *Conn, want string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.eventName() == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event arrived", want)
			return nil
		}
	}
}

func TestConnectAuthenticates(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := f.waitConn(t)
	if p.apiKey != "cc_valid" {
		t.Fatalf("auth sent key %q, want cc_valid", p.apiKey)
	}

	ev := waitForEvent(t, c, "connected").(Connected)
	if ev.UserID != "u1" {
		t.Fatalf("connected user = %q, want u1", ev.UserID)
	}
	st := c.Status()
	if st.Status != StatusConnected || st.UserID != "u1" {
		t.Fatalf("status = %+v, want connected as u1", st)
	}
}

func TestConnectRejectsBadKeyLocally(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "sk_nope"})
	defer c.Close()

	err := c.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "cc_") {
		t.Fatalf("connect err = %v, want key prefix rejection", err)
	}
	assertNoConn(t, f, 150*time.Millisecond)
	if st := c.Status(); st.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", st.Status)
	}
}

func TestServerAuthRejectionIsTerminal(t *testing.T) {
	f := newFakeVoice(t)
	f.authOK = false
	f.authErr = "key revoked"
	c := NewConn(Config{URL: f.url(), APIKey: "cc_revoked", ReconnectDelay: 5 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.waitConn(t)

	ev := waitForEvent(t, c, "terminal").(Terminal)
	if !strings.Contains(ev.Err.Error(), "key revoked") {
		t.Fatalf("terminal err = %v, want rejection reason", ev.Err)
	}
	// A rejected key is permanent: no reconnect may follow.
	assertNoConn(t, f, 300*time.Millisecond)
	if st := c.Status(); st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
}

func TestUncleanDropReconnects(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid", ReconnectDelay: 10 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p1 := f.waitConn(t)
	waitForEvent(t, c, "connected")

	p1.drop()
	waitForEvent(t, c, "disconnected")

	p2 := f.waitConn(t)
	if p2.apiKey != "cc_valid" {
		t.Fatalf("reconnect did not re-authenticate, sent %q", p2.apiKey)
	}
	waitForEvent(t, c, "connected")
	if st := c.Status(); st.Attempts != 0 {
		t.Fatalf("attempts = %d after successful auth, want 0", st.Attempts)
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid", ReconnectDelay: 5 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := f.waitConn(t)
	waitForEvent(t, c, "connected")

	p.closeWith(websocket.CloseNormalClosure)
	waitForEvent(t, c, "disconnected")

	assertNoConn(t, f, 300*time.Millisecond)
	if st := c.Status(); st.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", st.Status)
	}
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := f.waitConn(t)
	waitForEvent(t, c, "connected")

	p.send(t, map[string]any{"type": "weather_report", "severity": "mild"})
	p.send(t, map[string]any{"type": "user_message", "messageId": "m1", "callId": "call-1", "text": "hello"})

	ev := waitForEvent(t, c, "user_message").(UserMessage)
	if ev.CallID != types.CallID("call-1") || ev.Text != "hello" {
		t.Fatalf("user message = %+v", ev)
	}
}

func TestSendDropsUntilAuthenticated(t *testing.T) {
	f := newFakeVoice(t)
	f.silentAuth = true
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	defer c.Close()

	// No socket at all: dropped without panic.
	c.Send(protocol.NewUtterance("oc_1_1", "call-1", "too early", false))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := f.waitConn(t)

	// Socket up but auth unanswered: still dropped.
	c.Send(protocol.NewUtterance("oc_1_1", "call-1", "still too early", false))
	assertNoFrame(t, p, 200*time.Millisecond)

	p.send(t, map[string]any{"type": "auth_result", "success": true, "userId": "u1"})
	waitForEvent(t, c, "connected")

	c.Send(protocol.NewUtterance("oc_1_1", "call-1", "hello", false))
	frame := p.next(t)
	if frame["type"] != "utterance" || frame["text"] != "hello" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestAnswersServicePing(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p := f.waitConn(t)
	waitForEvent(t, c, "connected")

	p.send(t, map[string]any{"type": "ping"})
	if frame := p.next(t); frame["type"] != "pong" {
		t.Fatalf("frame = %v, want pong", frame)
	}
}

func TestKeepaliveTimeoutForcesReconnect(t *testing.T) {
	f := newFakeVoice(t)
	f.autoPong = false
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid", ReconnectDelay: 10 * time.Millisecond})
	c.keepaliveEvery = 50 * time.Millisecond
	c.pongTimeout = 60 * time.Millisecond
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p1 := f.waitConn(t)
	waitForEvent(t, c, "connected")

	if frame := p1.next(t); frame["type"] != "ping" {
		t.Fatalf("frame = %v, want keepalive ping", frame)
	}
	ev := waitForEvent(t, c, "disconnected").(Disconnected)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "keepalive timeout") {
		t.Fatalf("disconnect err = %v, want keepalive timeout", ev.Err)
	}

	f.waitConn(t)
	waitForEvent(t, c, "connected")
}

func TestPongKeepsSessionAlive(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	c.keepaliveEvery = 40 * time.Millisecond
	c.pongTimeout = 80 * time.Millisecond
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.waitConn(t)
	waitForEvent(t, c, "connected")

	// Several keepalive rounds, all answered by the fake's auto-pong.
	time.Sleep(250 * time.Millisecond)

	if st := c.Status(); st.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", st.Status)
	}
	for {
		select {
		case ev := <-c.Events():
			if ev.eventName() == "disconnected" {
				t.Fatal("session dropped despite pongs")
			}
		default:
			return
		}
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	// A server that refuses every dial: start one, keep the address, shut
	// it down.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewConn(Config{URL: url, APIKey: "cc_valid", ReconnectDelay: 5 * time.Millisecond, MaxAttempts: 2})
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect succeeded against a closed server")
	}

	ev := waitForEventTimeout(t, c, "terminal", 5*time.Second).(Terminal)
	if !strings.Contains(ev.Err.Error(), "gave up after 2") {
		t.Fatalf("terminal err = %v", ev.Err)
	}
	if st := c.Status(); st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
}

func TestCloseIsFinal(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.waitConn(t)
	waitForEvent(t, c, "connected")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForEvent(t, c, "disconnected")
	if st := c.Status(); st.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", st.Status)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect succeeded on a closed connection")
	}
}

func TestStatusSinkSeesTransitions(t *testing.T) {
	f := newFakeVoice(t)
	c := NewConn(Config{URL: f.url(), APIKey: "cc_valid"})
	defer c.Close()

	var mu sync.Mutex
	var seen []Status
	c.SetStatusSink(func(p StatusPatch) {
		mu.Lock()
		seen = append(seen, p.Status)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.waitConn(t)
	waitForEvent(t, c, "connected")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StatusConnecting || seen[len(seen)-1] != StatusConnected {
		t.Fatalf("sink saw %v, want connecting then connected", seen)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 2 * time.Second, 3 * time.Second},
		{2, 3 * time.Second, 4 * time.Second},
		{3, 4500 * time.Millisecond, 5500 * time.Millisecond},
		{0, 2 * time.Second, 3 * time.Second}, // clamped to the first attempt
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
	// Far enough out, the cap always wins.
	if d := backoffDelay(base, 30); d != backoffMax {
		t.Fatalf("attempt 30: delay %v, want cap %v", d, backoffMax)
	}
}
