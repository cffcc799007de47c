// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/user/gophercall/internal/state"
	"github.com/user/gophercall/internal/types"
	"github.com/user/gophercall/internal/voice"
)

// Engine is the part of the voice service the control API drives.
type Engine interface {
	Status() voice.ServiceStatus
	Speak(callID types.CallID, text string, endCall bool) error
	EndCall(callID types.CallID, farewell string) error
	Announce(text string) int
}

// Server is the local control surface: status, call history, and the
// speak/end/announce verbs over plain HTTP. It is meant to listen on
// loopback only.
type Server struct {
	engine        Engine
	calls         types.CallStore
	events        types.EventStore
	announcements *state.AnnouncementStore
	mux           *http.ServeMux
}

// NewServer creates a control Server over the given engine and stores.
func NewServer(engine Engine, calls types.CallStore, events types.EventStore, announcements *state.AnnouncementStore) *Server {
	s := &Server{
		engine:        engine,
		calls:         calls,
		events:        events,
		announcements: announcements,
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/calls", s.handleCalls)
	s.mux.HandleFunc("GET /api/calls/", s.handleCallEvents)
	s.mux.HandleFunc("POST /api/calls/", s.handleCallAction)
	s.mux.HandleFunc("POST /api/announce", s.handleAnnounce)
	s.mux.HandleFunc("POST /announce/", s.handleNamedAnnouncement)
	s.mux.HandleFunc("GET /", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Status())
}

type callResponse struct {
	CallID          string `json:"call_id"`
	Source          string `json:"source"`
	Status          string `json:"status"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Turns           int    `json:"turns"`
	EventCount      int64  `json:"event_count"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := s.calls.List(ctx)
	if err != nil {
		slog.Error("list calls failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]callResponse, 0, len(records))
	for _, rec := range records {
		count, err := s.events.Count(ctx, rec.CallID)
		if err != nil {
			slog.Warn("count events failed", "call_id", rec.CallID, "error", err)
		}
		item := callResponse{
			CallID:          string(rec.CallID),
			Source:          rec.Source,
			Status:          rec.Status,
			StartedAt:       rec.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
			DurationSeconds: rec.DurationSeconds,
			Turns:           rec.Turns,
			EventCount:      count,
		}
		if !rec.EndedAt.IsZero() {
			item.EndedAt = rec.EndedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		result = append(result, item)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt > result[j].StartedAt
	})

	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n < len(result) {
			result = result[:n]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	// Path: /api/calls/{id}/events
	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "events" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	callID := types.CallID(parts[0])

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.events.Tail(r.Context(), callID, limit)
	if err != nil {
		slog.Error("tail events failed", "call_id", callID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.CallEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// sayRequest is the JSON body for POST /api/calls/{id}/say.
type sayRequest struct {
	Text    string `json:"text"`
	EndCall bool   `json:"end_call"`
}

// endRequest is the optional JSON body for POST /api/calls/{id}/end.
type endRequest struct {
	Farewell string `json:"farewell"`
}

func (s *Server) handleCallAction(w http.ResponseWriter, r *http.Request) {
	// Path: /api/calls/{id}/say or /api/calls/{id}/end
	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	callID := types.CallID(parts[0])

	switch parts[1] {
	case "say":
		var req sayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if req.Text == "" {
			http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
			return
		}
		if err := s.engine.Speak(callID, req.Text, req.EndCall); err != nil {
			http.Error(w, `{"error":"no active call"}`, http.StatusNotFound)
			return
		}
	case "end":
		var req endRequest
		// The body is optional; a bare end hangs up without a farewell.
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := s.engine.EndCall(callID, req.Farewell); err != nil {
			http.Error(w, `{"error":"no active call"}`, http.StatusNotFound)
			return
		}
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// announceRequest is the JSON body for POST /api/announce and the optional
// override body for POST /announce/{name}.
type announceRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}

	n := s.engine.Announce(req.Text)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"calls": n})
}

func (s *Server) handleNamedAnnouncement(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/announce/")
	if name == "" {
		http.Error(w, `{"error":"announcement name required"}`, http.StatusBadRequest)
		return
	}
	if s.announcements == nil {
		http.Error(w, `{"error":"announcements not configured"}`, http.StatusServiceUnavailable)
		return
	}

	a, err := s.announcements.Get(name)
	if err != nil {
		http.Error(w, `{"error":"announcement not found"}`, http.StatusNotFound)
		return
	}
	if !a.Enabled {
		http.Error(w, `{"error":"announcement is disabled"}`, http.StatusForbidden)
		return
	}

	text := a.Text

	// Allow body to override the text
	var body announceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Text != "" {
		text = body.Text
	}

	n := s.engine.Announce(text)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"calls": n, "text": text})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("gophercall control api\n\n" +
		"GET  /health\n" +
		"GET  /api/status\n" +
		"GET  /api/calls\n" +
		"GET  /api/calls/{id}/events\n" +
		"POST /api/calls/{id}/say\n" +
		"POST /api/calls/{id}/end\n" +
		"POST /api/announce\n" +
		"POST /announce/{name}\n"))
}
