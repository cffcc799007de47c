//go:build integration

package test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/gophercall/internal/gateway"
	"github.com/user/gophercall/internal/protocol"
	"github.com/user/gophercall/internal/runtime"
	"github.com/user/gophercall/internal/state"
	"github.com/user/gophercall/internal/types"
	"github.com/user/gophercall/internal/voice"
	"github.com/user/gophercall/pkg/reply"
)

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()

	calls := state.NewCallStore(dir)
	events := state.NewEventStore(dir)

	gw := gateway.New(calls, events)

	ctx := context.Background()
	gw.Start(ctx)
	defer gw.Stop()

	// Configure queue processor to record events
	gw.Queue.SetProcessor(func(run *gateway.Run) error {
		time.Sleep(10 * time.Millisecond)

		event := &types.CallEvent{
			ID:     types.NewEventID(),
			CallID: run.CallID,
			RunID:  run.ID,
			Type:   "utterance",
			At:     time.Now(),
		}
		return events.Append(ctx, event)
	})

	// Send multiple messages on the same call
	for i := 0; i < 3; i++ {
		turn := &types.InboundTurn{
			MessageID: fmt.Sprintf("m%d", i),
			CallID:    "call-1",
			RequestID: types.NewRequestID(),
			Text:      fmt.Sprintf("message %d", i),
			At:        time.Now(),
		}

		if err := gw.HandleTurn(ctx, turn); err != nil {
			t.Fatal(err)
		}
	}

	// Wait for processing
	time.Sleep(300 * time.Millisecond)

	// Verify the call was recorded
	list, err := calls.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 call, got %d", len(list))
	}

	// Verify events were recorded
	eventList, err := events.Tail(ctx, list[0].CallID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(eventList) != 3 {
		t.Errorf("expected 3 events, got %d", len(eventList))
	}

	// Verify sequential processing (FIFO ordering)
	for i, event := range eventList {
		if event.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, event.Seq)
		}
	}
}

// voiceService is a scripted stand-in for the remote calling service: it
// accepts one connection, authenticates it, and exchanges app-level frames.
type voiceService struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	ws     *websocket.Conn
	ready  chan struct{}
	frames chan map[string]any
}

func newVoiceService() *voiceService {
	vs := &voiceService{
		ready:  make(chan struct{}),
		frames: make(chan map[string]any, 32),
	}
	vs.srv = httptest.NewServer(http.HandlerFunc(vs.handle))
	return vs
}

func (vs *voiceService) url() string {
	return "ws" + strings.TrimPrefix(vs.srv.URL, "http")
}

func (vs *voiceService) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := vs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	vs.mu.Lock()
	vs.ws = ws
	vs.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var auth protocol.ClientAuth
	if err := ws.ReadJSON(&auth); err != nil || auth.Type != protocol.TypeAuth {
		ws.Close()
		return
	}
	vs.send(protocol.ServerAuthResult{Type: protocol.TypeAuthResult, Success: true, UserID: "u-test"})
	close(vs.ready)

	ws.SetReadDeadline(time.Time{})
	for {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			close(vs.frames)
			return
		}
		if frame["type"] == protocol.TypePing {
			vs.send(protocol.NewPong())
			continue
		}
		vs.frames <- frame
	}
}

func (vs *voiceService) send(v any) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.ws != nil {
		vs.ws.WriteJSON(v)
	}
}

func (vs *voiceService) next(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-vs.frames:
		if !ok {
			t.Fatal("service connection closed")
		}
		return frame
	case <-time.After(timeout):
		t.Fatal("timeout waiting for client frame")
	}
	return nil
}

// echoPipeline answers every caller message with a canned echo.
type echoPipeline struct{}

func (e *echoPipeline) Reply(_ context.Context, req *reply.Request) (*reply.Response, error) {
	return &reply.Response{Text: "Echo: " + req.Text}, nil
}

func TestEndToEndVoice(t *testing.T) {
	dir := t.TempDir()

	vs := newVoiceService()
	defer vs.srv.Close()

	calls := state.NewCallStore(dir)
	events := state.NewEventStore(dir)
	summaries := state.NewSummaryStore(dir)

	rt := runtime.New(&echoPipeline{}, calls, events, &gateway.RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     10 * time.Millisecond,
	})

	gw := gateway.New(calls, events)
	gw.Queue.SetProcessor(rt.ProcessRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)
	defer gw.Stop()

	conn := voice.NewConn(voice.Config{URL: vs.url(), APIKey: "cc_integration"})
	svc := voice.NewService(voice.ServiceConfig{
		Conn:      conn,
		Gateway:   gw,
		Calls:     calls,
		Events:    events,
		Summaries: summaries,
	})
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	select {
	case <-vs.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	// A call starts and the caller says something.
	vs.send(protocol.ServerCallStart{Type: protocol.TypeCallStart, CallID: "call-9", Source: "phone"})
	vs.send(protocol.ServerUserMessage{Type: protocol.TypeUserMessage, MessageID: "m1", CallID: "call-9", Text: "hello there"})

	// The engine answers on the wire.
	frame := vs.next(t, 5*time.Second)
	if frame["type"] != "utterance" {
		t.Fatalf("expected utterance, got %v", frame["type"])
	}
	if frame["callId"] != "call-9" {
		t.Errorf("expected callId call-9, got %v", frame["callId"])
	}
	if frame["text"] != "Echo: hello there" {
		t.Errorf("unexpected reply text: %v", frame["text"])
	}
	if frame["utteranceId"] != "oc_1_1" {
		t.Errorf("unexpected utterance id: %v", frame["utteranceId"])
	}

	// The service reports the call over; the record and summary finalize.
	vs.send(protocol.ServerCallEnd{
		Type:            protocol.TypeCallEnd,
		CallID:          "call-9",
		Source:          "phone",
		DurationSeconds: 12,
		StartedAt:       time.Now().Add(-12 * time.Second),
	})

	var sum *types.CallSummary
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := summaries.Get(ctx, "call-9")
		if err == nil {
			sum = s
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for call summary")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sum.DurationSeconds != 12 {
		t.Errorf("expected duration 12, got %d", sum.DurationSeconds)
	}
	if sum.Turns != 1 {
		t.Errorf("expected 1 turn, got %d", sum.Turns)
	}

	rec, err := calls.Get(ctx, "call-9")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "ended" {
		t.Errorf("expected status ended, got %s", rec.Status)
	}
	if rec.Source != "phone" {
		t.Errorf("expected source phone, got %s", rec.Source)
	}

	// Transcript has the full exchange in order.
	tail, err := events.Tail(ctx, "call-9", 10)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range tail {
		kinds = append(kinds, ev.Type)
	}
	want := []string{"call_start", "user_message", "utterance", "call_end"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}
