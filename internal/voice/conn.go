// internal/voice/conn.go
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gophercall/internal/protocol"
	"github.com/user/gophercall/internal/types"
)

const (
	dialTimeout           = 15 * time.Second
	keepaliveInterval     = 30 * time.Second
	pongWait              = 10 * time.Second
	defaultReconnectDelay = 2 * time.Second
	backoffMultiplier     = 1.5
	backoffJitterMax      = time.Second
	backoffMax            = 60 * time.Second
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// StatusPatch is a point-in-time view of the connection, pushed to the
// status sink on every transition and returned by Status.
type StatusPatch struct {
	Status         Status    `json:"status"`
	UserID         string    `json:"user_id,omitempty"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`
}

// Event is one of the closed set of connection events. Consumers switch on
// the concrete type; there are no string-keyed handlers to subscribe.
type Event interface {
	eventName() string
}

// Connected reports a completed authentication.
type Connected struct {
	UserID string
}

func (Connected) eventName() string { return "connected" }

// Disconnected reports the end of a session, for any reason. Every active
// call session must be cleared when it arrives; whether a reconnect follows
// is the connection's business, not the consumer's.
type Disconnected struct {
	Err error
}

func (Disconnected) eventName() string { return "disconnected" }

// Terminal reports that the connection is down for good: either the service
// rejected the API key or the reconnect budget ran out.
type Terminal struct {
	Err error
}

func (Terminal) eventName() string { return "terminal" }

// UserMessage is one transcribed caller message.
type UserMessage struct {
	MessageID string
	CallID    types.CallID
	Text      string
}

func (UserMessage) eventName() string { return "user_message" }

// CallStarted announces a new call.
type CallStarted struct {
	CallID types.CallID
	Source string
}

func (CallStarted) eventName() string { return "call_started" }

// CallEnded announces a finished call, with the service's own bookkeeping.
type CallEnded struct {
	CallID          types.CallID
	Source          string
	DurationSeconds int
	StartedAt       time.Time
}

func (CallEnded) eventName() string { return "call_ended" }

// Config configures a Conn.
type Config struct {
	URL            string
	APIKey         string
	ReconnectDelay time.Duration // backoff base; defaults to 2s
	MaxAttempts    int           // reconnect attempts before giving up; 0 retries forever
}

// Conn keeps one logical connection to the voice service alive: it dials,
// authenticates, answers pings, and reconnects with backoff when the
// transport drops. Decoded inbound traffic is delivered on Events.
type Conn struct {
	cfg Config

	events   chan Event
	shutdown chan struct{}

	onStatus func(StatusPatch)

	// Keepalive timing lives in fields so tests can shrink it; production
	// code never changes the defaults.
	keepaliveEvery time.Duration
	pongTimeout    time.Duration

	mu       sync.Mutex
	ws       *websocket.Conn
	snap     StatusPatch
	authed   bool
	authFail string
	forced   bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	pongCh chan struct{}
}

// NewConn creates a Conn. Connect starts it.
func NewConn(cfg Config) *Conn {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Conn{
		cfg:            cfg,
		events:         make(chan Event, 256),
		shutdown:       make(chan struct{}),
		keepaliveEvery: keepaliveInterval,
		pongTimeout:    pongWait,
		pongCh:         make(chan struct{}, 1),
		snap:           StatusPatch{Status: StatusDisconnected},
	}
}

// SetStatusSink registers a callback invoked on every status transition.
// Call it before Connect.
func (c *Conn) SetStatusSink(fn func(StatusPatch)) {
	c.onStatus = fn
}

// Events yields the connection's typed events. The channel is never closed;
// consumers stop on their own signal after Close.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Status returns the current connection snapshot.
func (c *Conn) Status() StatusPatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// UserID returns the authenticated user id, or "" before auth completes.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.UserID
}

// Connect validates the key locally, dials, and starts the session. Calling
// it while an attempt is underway (or a session is up) is a no-op. A dial
// failure is returned to the caller and also hands the connection to the
// reconnect loop: a daemon keeps trying even when the first dial loses.
func (c *Conn) Connect(ctx context.Context) error {
	if err := protocol.ValidateAPIKey(c.cfg.APIKey); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.New("connection is closed")
	}
	c.mu.Lock()
	switch c.snap.Status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.patch(func(p *StatusPatch) { p.Status = StatusConnecting })

	ws, err := c.dial(ctx)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		c.patch(func(p *StatusPatch) {
			p.Status = StatusReconnecting
			p.LastError = err.Error()
		})
		go c.reconnectLoop()
		return err
	}
	c.startSession(ws)
	return nil
}

// Close tears the connection down for good. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.shutdown)
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = ws.Close()
		} else {
			c.patch(func(p *StatusPatch) { p.Status = StatusDisconnected })
		}
	})
	return nil
}

// Send writes an outbound frame. Sends are fire-and-forget: before
// authentication completes the frame is dropped with a warning, and write
// failures surface through the read loop's close, not through the caller.
func (c *Conn) Send(v any) {
	c.mu.Lock()
	ws := c.ws
	authed := c.authed
	c.mu.Unlock()
	if ws == nil || !authed {
		slog.Warn("dropping outbound frame, not authenticated", "frame", fmt.Sprintf("%T", v))
		return
	}
	if err := c.writeJSON(ws, v); err != nil {
		slog.Warn("write failed", "error", err)
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return ws, nil
}

// startSession installs the socket, starts the read and keepalive
// goroutines, and sends auth as the first frame.
func (c *Conn) startSession(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed.Load() {
		// Close won the race against a dial in flight.
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.authed = false
	c.authFail = ""
	c.forced = false
	c.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.notePong()
		return nil
	})

	done := make(chan struct{})
	go c.keepalive(ws, done)
	go c.readLoop(ws, done)

	if err := c.writeJSON(ws, protocol.NewAuth(c.cfg.APIKey)); err != nil {
		slog.Warn("auth send failed", "error", err)
		_ = ws.Close()
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.handleFrame(ws, data)
	}
	close(done)
	c.sessionEnded(readErr)
}

func (c *Conn) handleFrame(ws *websocket.Conn, data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			slog.Warn("ignoring unknown message type", "type", unknown.Type)
			return
		}
		slog.Warn("dropping malformed frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.ServerAuthResult:
		c.handleAuthResult(ws, m)
	case protocol.ServerUserMessage:
		c.emit(UserMessage{MessageID: m.MessageID, CallID: types.CallID(m.CallID), Text: m.Text})
	case protocol.ServerCallStart:
		c.emit(CallStarted{CallID: types.CallID(m.CallID), Source: m.Source})
	case protocol.ServerCallEnd:
		c.emit(CallEnded{
			CallID:          types.CallID(m.CallID),
			Source:          m.Source,
			DurationSeconds: m.DurationSeconds,
			StartedAt:       m.StartedAt,
		})
	case protocol.ServerPing:
		if err := c.writeJSON(ws, protocol.NewPong()); err != nil {
			slog.Warn("pong send failed", "error", err)
		}
	case protocol.ServerPong:
		c.notePong()
	}
}

func (c *Conn) handleAuthResult(ws *websocket.Conn, msg protocol.ServerAuthResult) {
	if !msg.Success {
		reason := msg.Error
		if reason == "" {
			reason = "no reason given"
		}
		slog.Error("voice service rejected api key", "reason", reason)
		c.mu.Lock()
		c.authFail = reason
		c.mu.Unlock()
		// A rejected key is a config problem, not a transport problem:
		// close cleanly so the exit path never schedules a reconnect.
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "auth failed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
		return
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.patch(func(p *StatusPatch) {
		p.Status = StatusConnected
		p.UserID = msg.UserID
		p.Attempts = 0 // the only place the counter resets
		p.LastError = ""
		p.ConnectedAt = time.Now()
	})
	slog.Info("connected to voice service", "user_id", msg.UserID)
	c.emit(Connected{UserID: msg.UserID})
}

// sessionEnded classifies why the read loop stopped and decides what comes
// next: nothing (deliberate close or service goodbye), a terminal error
// (auth rejection), or the reconnect loop.
func (c *Conn) sessionEnded(readErr error) {
	c.mu.Lock()
	c.ws = nil
	c.authed = false
	authFail := c.authFail
	forced := c.forced
	c.mu.Unlock()

	now := time.Now()
	switch {
	case c.closed.Load():
		c.patch(func(p *StatusPatch) {
			p.Status = StatusDisconnected
			p.UserID = ""
			p.DisconnectedAt = now
		})
		c.emit(Disconnected{})
	case authFail != "":
		err := fmt.Errorf("authentication rejected: %s", authFail)
		c.patch(func(p *StatusPatch) {
			p.Status = StatusError
			p.UserID = ""
			p.LastError = err.Error()
			p.DisconnectedAt = now
		})
		c.emit(Disconnected{Err: err})
		c.emit(Terminal{Err: err})
	case !forced && isCleanClose(readErr):
		slog.Info("voice service closed the connection")
		c.patch(func(p *StatusPatch) {
			p.Status = StatusDisconnected
			p.UserID = ""
			p.DisconnectedAt = now
		})
		c.emit(Disconnected{Err: readErr})
	default:
		err := readErr
		if forced {
			err = errors.New("keepalive timeout")
		}
		slog.Warn("connection lost", "error", err)
		c.patch(func(p *StatusPatch) {
			p.Status = StatusReconnecting
			p.UserID = ""
			p.LastError = err.Error()
			p.DisconnectedAt = now
		})
		c.emit(Disconnected{Err: err})
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials with backoff until a session starts, Close is
// called, or the attempt budget runs out. The counter is never reset here;
// only a successful authentication does that.
func (c *Conn) reconnectLoop() {
	for {
		if c.closed.Load() {
			return
		}
		var attempt int
		c.patch(func(p *StatusPatch) {
			p.Attempts++
			attempt = p.Attempts
		})

		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			err := fmt.Errorf("gave up after %d reconnect attempts", c.cfg.MaxAttempts)
			slog.Error("reconnect budget exhausted", "attempts", c.cfg.MaxAttempts)
			c.patch(func(p *StatusPatch) {
				p.Status = StatusError
				p.LastError = err.Error()
			})
			c.emit(Terminal{Err: err})
			return
		}

		delay := backoffDelay(c.cfg.ReconnectDelay, attempt)
		slog.Info("reconnecting to voice service", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-c.shutdown:
			return
		}

		ws, err := c.dial(context.Background())
		if err != nil {
			slog.Warn("reconnect dial failed", "attempt", attempt, "error", err)
			c.patch(func(p *StatusPatch) { p.LastError = err.Error() })
			continue
		}
		c.startSession(ws)
		return
	}
}

// keepalive proves liveness with app-level pings. A pong of either flavor
// (app frame or protocol control frame) disarms the timeout; silence forces
// an unclean close so the exit path reconnects.
func (c *Conn) keepalive(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case <-c.pongCh: // drain a stale pong before arming the timeout
			default:
			}
			if err := c.writeJSON(ws, protocol.NewPing()); err != nil {
				return
			}
			select {
			case <-c.pongCh:
			case <-time.After(c.pongTimeout):
				slog.Warn("pong timeout, forcing reconnect")
				c.forceClose(ws)
				return
			case <-done:
				return
			}
		}
	}
}

func (c *Conn) notePong() {
	select {
	case c.pongCh <- struct{}{}:
	default:
	}
}

// forceClose tears the session down with a non-normal close code so
// sessionEnded classifies it as unclean and reconnects.
func (c *Conn) forceClose(ws *websocket.Conn) {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, "pong timeout"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = ws.Close()
}

func (c *Conn) writeJSON(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// patch applies fn to the status snapshot under the lock and pushes the
// result to the sink.
func (c *Conn) patch(fn func(*StatusPatch)) {
	c.mu.Lock()
	fn(&c.snap)
	p := c.snap
	sink := c.onStatus
	c.mu.Unlock()
	if sink != nil {
		sink(p)
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("dropping event, consumer not keeping up", "event", ev.eventName())
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// backoffDelay returns the wait before reconnect attempt n (1-based):
// base·1.5^(n−1) plus up to a second of jitter, capped at a minute.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(backoffMultiplier, float64(attempt-1)))
	d += time.Duration(rand.Int63n(int64(backoffJitterMax)))
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
