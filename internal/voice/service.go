// internal/voice/service.go
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/gophercall/internal/digest"
	"github.com/user/gophercall/internal/gateway"
	"github.com/user/gophercall/internal/protocol"
	"github.com/user/gophercall/internal/types"
)

const digestTailLimit = 200

// ServiceConfig wires a Service. Conn, Gateway, Calls, and Events are
// required; the rest degrade gracefully when nil or zero.
type ServiceConfig struct {
	Conn      *Conn
	Gateway   *gateway.Gateway
	Calls     types.CallStore
	Events    types.EventStore
	Summaries types.SummaryStore
	Digest    *digest.Builder
	Notify    func(message string)
	Idle      IdleConfig
	Fillers   FillerConfig
}

// ServiceStatus is the full engine snapshot for the control surface.
type ServiceStatus struct {
	Connection StatusPatch     `json:"connection"`
	Calls      []SessionStatus `json:"calls"`
}

// Service is the orchestrator: it consumes connection events on a single
// loop, tracks one CallSession per active call, routes caller messages
// through the reply gateway, and speaks the results back. The event loop
// goroutine is the only writer of the session map; everything else reads
// it under the lock.
type Service struct {
	conn      *Conn
	gw        *gateway.Gateway
	calls     types.CallStore
	events    types.EventStore
	summaries types.SummaryStore
	digest    *digest.Builder
	notifyFn  func(string)
	idle      IdleConfig
	fillers   FillerConfig

	ctx      context.Context
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	sessions map[types.CallID]*CallSession
	callSeq  int

	statusMu   sync.Mutex
	connStatus StatusPatch
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		conn:      cfg.Conn,
		gw:        cfg.Gateway,
		calls:     cfg.Calls,
		events:    cfg.Events,
		summaries: cfg.Summaries,
		digest:    cfg.Digest,
		notifyFn:  cfg.Notify,
		idle:      cfg.Idle,
		fillers:   cfg.Fillers,
		ctx:       context.Background(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		sessions:  make(map[types.CallID]*CallSession),
	}
	s.connStatus = cfg.Conn.Status()
	cfg.Conn.SetStatusSink(s.patchConnStatus)
	return s
}

// Start launches the event loop and connects. ctx governs the engine's
// background work; a dial failure is returned but the engine keeps
// reconnecting, so callers may treat the error as advisory.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx
	go s.loop()
	return s.conn.Connect(ctx)
}

// Stop closes the connection, drains the event loop, and clears any
// remaining sessions. All per-call timers are stopped when it returns.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		_ = s.conn.Close()
		close(s.stopCh)
	})
	<-s.done
	s.clearSessions()
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.conn.Events():
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev Event) {
	switch e := ev.(type) {
	case Connected:
		slog.Info("voice service session up", "user_id", e.UserID)
	case Disconnected:
		s.clearSessions()
	case Terminal:
		slog.Error("voice connection permanently down", "error", e.Err)
		s.notify("Voice connection is down for good: " + e.Err.Error())
	case UserMessage:
		s.handleUserMessage(e)
	case CallStarted:
		s.handleCallStart(e)
	case CallEnded:
		s.handleCallEnd(e)
	}
}

func (s *Service) handleUserMessage(e UserMessage) {
	s.mu.Lock()
	sess, ok := s.sessions[e.CallID]
	if !ok {
		// Message for a call we never saw start; track it from here.
		slog.Info("message for untracked call, creating session", "call_id", e.CallID)
		sess = s.createSessionLocked(e.CallID, "unknown")
	}
	s.mu.Unlock()

	requestID := types.NewRequestID()
	sess.BeginRequest(requestID)

	turn := &types.InboundTurn{
		MessageID: e.MessageID,
		CallID:    e.CallID,
		RequestID: requestID,
		Text:      e.Text,
		At:        time.Now(),
	}
	err := s.gw.HandleTurn(s.ctx, turn, gateway.WithOnComplete(func(text string, endCall bool) {
		s.handleReply(e.CallID, requestID, text, endCall)
	}))
	if err != nil {
		slog.Error("enqueue turn", "call_id", e.CallID, "error", err)
		sess.ClearRequest(requestID)
	}
}

// handleReply delivers a completed run. Only the reply for the session's
// current request is spoken; anything older was superseded by a newer
// inbound message.
func (s *Service) handleReply(callID types.CallID, requestID types.RequestID, text string, endCall bool) {
	s.mu.Lock()
	sess := s.sessions[callID]
	s.mu.Unlock()
	if sess == nil {
		slog.Info("dropping reply for ended call", "call_id", callID)
		return
	}
	if !sess.ClearRequest(requestID) {
		slog.Info("dropping stale reply", "call_id", callID)
		return
	}
	if text == "" {
		if endCall {
			s.conn.Send(protocol.NewCallEndRequest(s.conn.UserID(), string(callID)))
		}
		return
	}
	s.speakTo(sess, text, endCall, "utterance")
}

func (s *Service) handleCallStart(e CallStarted) {
	s.mu.Lock()
	if _, ok := s.sessions[e.CallID]; ok {
		s.mu.Unlock()
		slog.Warn("call_start for call already tracked", "call_id", e.CallID)
		return
	}
	sess := s.createSessionLocked(e.CallID, e.Source)
	s.mu.Unlock()

	slog.Info("call started", "call_id", e.CallID, "source", e.Source, "call_seq", sess.callSeq)
	rec, err := s.calls.Open(s.ctx, e.CallID, e.Source, time.Now())
	if err != nil {
		slog.Warn("open call record", "call_id", e.CallID, "error", err)
	} else if rec.Source == "unknown" && e.Source != "" {
		// The caller spoke before call_start arrived; heal the record.
		rec.Source = e.Source
		if err := s.calls.Update(s.ctx, rec); err != nil {
			slog.Warn("update call record", "call_id", e.CallID, "error", err)
		}
	}
	s.appendEvent(e.CallID, "call_start", "", map[string]string{"source": e.Source})
	s.notify(fmt.Sprintf("Call started (%s): %s", e.Source, e.CallID))
}

func (s *Service) handleCallEnd(e CallEnded) {
	s.mu.Lock()
	sess, tracked := s.sessions[e.CallID]
	if tracked {
		delete(s.sessions, e.CallID)
	}
	s.mu.Unlock()
	if tracked {
		sess.Close()
	} else {
		// call_end for a call we never tracked (or already ended) is a no-op
		// beyond the log line.
		slog.Info("call_end for untracked call", "call_id", e.CallID)
	}

	rec, err := s.calls.Get(s.ctx, e.CallID)
	if err != nil {
		if tracked {
			slog.Warn("no call record to finalize", "call_id", e.CallID, "error", err)
		}
		return
	}
	if !tracked && rec.Status == "ended" {
		// Duplicate call_end; the record is already finalized.
		return
	}

	// The wire's view of the call wins where it is present.
	if !e.StartedAt.IsZero() {
		rec.StartedAt = e.StartedAt
	}
	if e.Source != "" {
		rec.Source = e.Source
	}
	rec.Status = "ended"
	rec.DurationSeconds = e.DurationSeconds
	if !rec.StartedAt.IsZero() {
		rec.EndedAt = rec.StartedAt.Add(time.Duration(e.DurationSeconds) * time.Second)
	} else {
		rec.EndedAt = time.Now()
	}
	if err := s.calls.Update(s.ctx, rec); err != nil {
		slog.Warn("finalize call record", "call_id", e.CallID, "error", err)
	}
	s.appendEvent(e.CallID, "call_end", "", map[string]any{
		"source":           e.Source,
		"duration_seconds": e.DurationSeconds,
	})

	digestText := s.buildDigest(e.CallID)
	if s.summaries != nil {
		sum := &types.CallSummary{
			CallID:          e.CallID,
			Source:          rec.Source,
			DurationSeconds: rec.DurationSeconds,
			Turns:           rec.Turns,
			Digest:          digestText,
			CreatedAt:       time.Now(),
		}
		if err := s.summaries.Put(s.ctx, sum); err != nil {
			slog.Warn("store call summary", "call_id", e.CallID, "error", err)
		}
	}

	slog.Info("call ended", "call_id", e.CallID, "duration_seconds", e.DurationSeconds, "turns", rec.Turns)
	msg := fmt.Sprintf("Call ended (%s, %ds, %d turns): %s", rec.Source, rec.DurationSeconds, rec.Turns, e.CallID)
	if digestText != "" {
		msg += "\n\n" + digestText
	}
	s.notify(msg)
}

// Speak says text into an active call, for the control surface. endCall
// asks the service to hang up after the utterance plays.
func (s *Service) Speak(callID types.CallID, text string, endCall bool) error {
	s.mu.Lock()
	sess := s.sessions[callID]
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("no active call %s", callID)
	}
	s.speakTo(sess, text, endCall, "utterance")
	return nil
}

// EndCall hangs up an active call. With a farewell the service ends the
// call after the line plays; without one we ask it to end the call
// directly.
func (s *Service) EndCall(callID types.CallID, farewell string) error {
	s.mu.Lock()
	sess := s.sessions[callID]
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("no active call %s", callID)
	}
	if farewell != "" {
		s.speakTo(sess, farewell, true, "utterance")
		return nil
	}
	s.conn.Send(protocol.NewCallEndRequest(s.conn.UserID(), string(callID)))
	return nil
}

// Announce speaks text into every active call and reports how many calls
// heard it.
func (s *Service) Announce(text string) int {
	sessions := s.activeSessions()
	for _, sess := range sessions {
		s.speakTo(sess, text, false, "utterance")
	}
	return len(sessions)
}

// Status returns the connection snapshot plus one entry per active call,
// ordered by call arrival.
func (s *Service) Status() ServiceStatus {
	s.statusMu.Lock()
	st := ServiceStatus{Connection: s.connStatus}
	s.statusMu.Unlock()

	sessions := s.activeSessions()
	st.Calls = make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		st.Calls = append(st.Calls, sess.Status())
	}
	sort.Slice(st.Calls, func(i, j int) bool { return st.Calls[i].CallSeq < st.Calls[j].CallSeq })
	return st
}

// createSessionLocked mints the next call sequence number and starts a
// session's timers. Callers hold mu.
func (s *Service) createSessionLocked(callID types.CallID, source string) *CallSession {
	s.callSeq++
	sess := NewSession(callID, source, s.callSeq, s.idle, s.fillers, s.timerSpeak)
	s.sessions[callID] = sess
	return sess
}

// clearSessions drops every tracked call and stops its timers before
// returning. Runs on disconnect and on Stop; no goodbye is spoken, the
// line is already gone.
func (s *Service) clearSessions() {
	s.mu.Lock()
	dropped := s.sessions
	s.sessions = make(map[types.CallID]*CallSession)
	s.mu.Unlock()
	for _, sess := range dropped {
		sess.Close()
	}
	if len(dropped) > 0 {
		slog.Info("cleared active call sessions", "count", len(dropped))
	}
}

func (s *Service) activeSessions() []*CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*CallSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// speakTo sends one utterance on behalf of a session and records it in the
// transcript, record first so the transcript never lags the wire. Speaking
// counts as activity for the idle watchdog.
func (s *Service) speakTo(sess *CallSession, text string, endCall bool, kind string) {
	uttID := sess.NextUtteranceID()
	sess.Touch()
	s.appendEvent(sess.callID, kind, text, nil)
	s.conn.Send(protocol.NewUtterance(string(uttID), string(sess.callID), text, endCall))
}

// timerSpeak is the SpeakFunc handed to sessions. It runs on timer
// goroutines and deliberately never touches the session map.
func (s *Service) timerSpeak(callID types.CallID, uttID types.UtteranceID, text string, endCall bool, kind string) {
	s.appendEvent(callID, kind, text, nil)
	s.conn.Send(protocol.NewUtterance(string(uttID), string(callID), text, endCall))
}

func (s *Service) appendEvent(callID types.CallID, kind, text string, payload any) {
	ev := &types.CallEvent{
		ID:     types.NewEventID(),
		CallID: callID,
		Type:   kind,
		Text:   text,
		At:     time.Now(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	if err := s.events.Append(s.ctx, ev); err != nil {
		slog.Warn("append transcript event", "call_id", callID, "error", err)
	}
}

func (s *Service) buildDigest(callID types.CallID) string {
	if s.digest == nil {
		return ""
	}
	events, err := s.events.Tail(s.ctx, callID, digestTailLimit)
	if err != nil {
		slog.Warn("load transcript for digest", "call_id", callID, "error", err)
		return ""
	}
	return s.digest.Build(events)
}

func (s *Service) patchConnStatus(p StatusPatch) {
	s.statusMu.Lock()
	s.connStatus = p
	s.statusMu.Unlock()
}

// notify hands a message to the delivery hook on its own goroutine so slow
// delivery never stalls the event loop.
func (s *Service) notify(message string) {
	if s.notifyFn == nil {
		return
	}
	go s.notifyFn(message)
}
