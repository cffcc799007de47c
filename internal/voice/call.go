// internal/voice/call.go
package voice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/gophercall/internal/types"
)

const idleTick = 10 * time.Second

// IdleConfig governs the silence watchdog for one call.
type IdleConfig struct {
	Timeout    time.Duration // silence before a prompt; 0 disables the watchdog
	MaxPrompts int           // prompts before the goodbye
	Prompt     string
	EndMessage string
	Tick       time.Duration // watchdog check interval; 0 means the 10s default
}

// FillerConfig governs hold phrases spoken while a reply is being computed.
type FillerConfig struct {
	Enabled       bool
	Phrases       []string
	InitialDelay  time.Duration // wait before the first filler
	Interval      time.Duration // wait between fillers
	MaxPerRequest int
}

// SpeakFunc delivers a timer-born utterance. kind is the transcript event
// type recorded for it ("filler" or "idle_prompt" or "utterance").
type SpeakFunc func(callID types.CallID, utteranceID types.UtteranceID, text string, endCall bool, kind string)

// SessionStatus is a point-in-time view of one tracked call.
type SessionStatus struct {
	CallID       types.CallID `json:"call_id"`
	Source       string       `json:"source"`
	CallSeq      int          `json:"call_seq"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`
	Turns        int          `json:"turns"`
	IdlePrompts  int          `json:"idle_prompts"`
	Waiting      bool         `json:"waiting"`
}

// CallSession owns the per-call timers: the idle watchdog that prompts a
// silent caller and eventually says goodbye, and the filler chain that keeps
// the line warm while a reply is in flight. Timer callbacks re-check state
// under the lock before speaking, so cancellation is synchronous: once
// ClearRequest or Close returns, no stale utterance can fire.
type CallSession struct {
	callID  types.CallID
	source  string
	callSeq int

	tick    time.Duration
	idle    IdleConfig
	fillers FillerConfig
	speak   SpeakFunc

	done chan struct{}

	mu           sync.Mutex
	closed       bool
	startedAt    time.Time
	lastActivity time.Time
	turnSeq      int
	promptsSent  int
	idleDone     bool
	requestID    types.RequestID
	fillerTimer  *time.Timer
	fillerCursor int
	fillerSent   int
}

// NewSession tracks one call and starts its idle watchdog.
func NewSession(callID types.CallID, source string, callSeq int, idle IdleConfig, fillers FillerConfig, speak SpeakFunc) *CallSession {
	tick := idle.Tick
	if tick <= 0 {
		tick = idleTick
	}
	return newSessionTick(callID, source, callSeq, idle, fillers, speak, tick)
}

func newSessionTick(callID types.CallID, source string, callSeq int, idle IdleConfig, fillers FillerConfig, speak SpeakFunc, tick time.Duration) *CallSession {
	now := time.Now()
	s := &CallSession{
		callID:       callID,
		source:       source,
		callSeq:      callSeq,
		tick:         tick,
		idle:         idle,
		fillers:      fillers,
		speak:        speak,
		done:         make(chan struct{}),
		startedAt:    now,
		lastActivity: now,
	}
	go s.idleLoop()
	return s
}

// BeginRequest marks a fresh inbound message: it supersedes any request
// still in flight, counts as activity, resets the prompt counter, and arms
// the filler chain for the new request.
func (s *CallSession) BeginRequest(requestID types.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopFillerLocked()
	s.requestID = requestID
	s.lastActivity = time.Now()
	s.promptsSent = 0
	s.fillerSent = 0
	if s.fillers.Enabled && len(s.fillers.Phrases) > 0 && s.fillers.MaxPerRequest > 0 {
		s.armFillerLocked(requestID, s.fillers.InitialDelay)
	}
}

// ClearRequest retires a request when its reply arrives. It reports whether
// requestID was still the session's current request; a false return means
// the reply is stale and must not be spoken. Filler timers for the request
// are stopped before it returns.
func (s *CallSession) ClearRequest(requestID types.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.requestID != requestID {
		return false
	}
	s.requestID = ""
	s.lastActivity = time.Now()
	s.stopFillerLocked()
	return true
}

// Touch records activity without touching the request state. Outbound
// speech counts: an agent that just said something has not gone idle.
func (s *CallSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// NextUtteranceID mints the next outbound utterance id for this call.
func (s *CallSession) NextUtteranceID() types.UtteranceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnSeq++
	return types.NewUtteranceID(s.callSeq, s.turnSeq)
}

// Close stops the watchdog and any pending filler. No timer fires after it
// returns.
func (s *CallSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopFillerLocked()
	close(s.done)
}

// Status returns a snapshot for the control surface.
func (s *CallSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		CallID:       s.callID,
		Source:       s.source,
		CallSeq:      s.callSeq,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		Turns:        s.turnSeq,
		IdlePrompts:  s.promptsSent,
		Waiting:      s.requestID != "",
	}
}

func (s *CallSession) idleLoop() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.idleCheck()
		}
	}
}

// idleCheck runs once per tick. A prompt (or the goodbye) is only due when
// the watchdog is enabled, the session is not waiting on a reply, and the
// caller has been silent past the timeout. The prompt itself counts as
// activity, so the next one is a full timeout away. Speaking happens under
// the lock; speak must never call back into the session.
func (s *CallSession) idleCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.idleDone || s.idle.Timeout <= 0 {
		return
	}
	if s.requestID != "" {
		// A reply is in flight; the silence is ours, not the caller's.
		return
	}
	if time.Since(s.lastActivity) < s.idle.Timeout {
		return
	}

	var text string
	var endCall bool
	var kind string
	if s.promptsSent < s.idle.MaxPrompts {
		s.promptsSent++
		s.lastActivity = time.Now()
		text, kind = s.idle.Prompt, "idle_prompt"
		slog.Info("idle prompt", "call_id", s.callID, "prompts_sent", s.promptsSent)
	} else {
		s.idleDone = true
		text, endCall, kind = s.idle.EndMessage, true, "utterance"
		slog.Info("caller stayed silent, ending call", "call_id", s.callID)
	}
	s.turnSeq++
	s.speak(s.callID, types.NewUtteranceID(s.callSeq, s.turnSeq), text, endCall, kind)
}

// armFillerLocked schedules the next filler for requestID. Callers hold mu.
func (s *CallSession) armFillerLocked(requestID types.RequestID, delay time.Duration) {
	s.fillerTimer = time.AfterFunc(delay, func() {
		s.fireFiller(requestID)
	})
}

// fireFiller speaks one hold phrase if requestID is still the current
// request, then re-arms until the per-request cap is reached. The phrase
// cursor survives across requests so consecutive waits don't repeat. The
// re-check and the speak both happen under the lock, so a ClearRequest that
// has returned can never be followed by a filler for that request.
func (s *CallSession) fireFiller(requestID types.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.requestID != requestID || s.fillerSent >= s.fillers.MaxPerRequest {
		return
	}
	phrase := s.fillers.Phrases[s.fillerCursor%len(s.fillers.Phrases)]
	s.fillerCursor++
	s.fillerSent++
	s.lastActivity = time.Now()
	s.turnSeq++
	if s.fillerSent < s.fillers.MaxPerRequest {
		s.armFillerLocked(requestID, s.fillers.Interval)
	}
	s.speak(s.callID, types.NewUtteranceID(s.callSeq, s.turnSeq), phrase, false, "filler")
}

// stopFillerLocked cancels the pending filler timer. Callers hold mu, which
// is what makes cancellation synchronous: a callback that already fired is
// waiting on the same lock and will see the state change.
func (s *CallSession) stopFillerLocked() {
	if s.fillerTimer != nil {
		s.fillerTimer.Stop()
		s.fillerTimer = nil
	}
}
