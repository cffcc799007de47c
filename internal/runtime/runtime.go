package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/gophercall/internal/gateway"
	"github.com/user/gophercall/internal/types"
	"github.com/user/gophercall/pkg/reply"
)

// Runtime turns queued caller messages into spoken replies. It records the
// transcript, assembles conversation history, and drives the reply pipeline
// with retries. Sending the reply over the wire is the caller's job, via
// the run's OnComplete callback.
type Runtime struct {
	pipeline reply.Pipeline
	calls    types.CallStore
	events   types.EventStore
	retry    *gateway.RetryPolicy
}

// New creates a Runtime with the given dependencies. A nil retry policy
// falls back to the default.
func New(pipeline reply.Pipeline, calls types.CallStore, events types.EventStore, retry *gateway.RetryPolicy) *Runtime {
	if retry == nil {
		retry = gateway.DefaultRetryPolicy()
	}
	return &Runtime{
		pipeline: pipeline,
		calls:    calls,
		events:   events,
		retry:    retry,
	}
}

// ProcessRun handles a single caller turn end to end.
// This is the function passed to Queue.SetProcessor.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	at := run.Turn.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := rt.events.Append(ctx, &types.CallEvent{
		ID:     types.NewEventID(),
		CallID: run.CallID,
		RunID:  run.ID,
		Type:   "user_message",
		Text:   run.Turn.Text,
		At:     at,
	}); err != nil {
		return fmt.Errorf("record caller message: %w", err)
	}

	history, err := rt.loadHistory(ctx, run)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	req := &reply.Request{
		CallID:    string(run.CallID),
		RequestID: string(run.Turn.RequestID),
		Text:      run.Turn.Text,
		History:   history,
	}

	var resp *reply.Response
	err = rt.retry.Execute(ctx, func() error {
		r, rerr := rt.pipeline.Reply(ctx, req)
		if rerr != nil {
			return rerr
		}
		resp = r
		return nil
	})
	if err != nil {
		errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
		rt.events.Append(ctx, &types.CallEvent{
			ID:      types.NewEventID(),
			CallID:  run.CallID,
			RunID:   run.ID,
			Type:    "error",
			At:      time.Now(),
			Payload: errPayload,
		})
		return fmt.Errorf("reply pipeline: %w", err)
	}

	rt.bumpTurns(ctx, run.CallID)

	if run.OnComplete != nil {
		run.OnComplete(resp.Text, resp.EndCall)
	}
	return nil
}

// loadHistory builds the prior conversation for the pipeline. The current
// message travels in Request.Text, so this run's own events are skipped.
// Fillers and lifecycle events never reach the pipeline.
func (rt *Runtime) loadHistory(ctx context.Context, run *gateway.Run) ([]reply.Turn, error) {
	events, err := rt.events.Tail(ctx, run.CallID, 100)
	if err != nil {
		return nil, err
	}
	var history []reply.Turn
	for _, ev := range events {
		if ev.RunID == run.ID {
			continue
		}
		switch ev.Type {
		case "user_message":
			history = append(history, reply.Turn{Role: reply.RoleCaller, Text: ev.Text})
		case "utterance", "idle_prompt":
			history = append(history, reply.Turn{Role: reply.RoleAgent, Text: ev.Text})
		}
	}
	return history, nil
}

// bumpTurns advances the call record's turn counter. Bookkeeping failures
// must not cost the caller their reply, so errors only warn.
func (rt *Runtime) bumpTurns(ctx context.Context, callID types.CallID) {
	rec, err := rt.calls.Get(ctx, callID)
	if err != nil {
		slog.Warn("load call record", "call_id", callID, "error", err)
		return
	}
	rec.Turns++
	if n, err := rt.events.Count(ctx, callID); err == nil {
		rec.LastEventSeq = n
	}
	if err := rt.calls.Update(ctx, rec); err != nil {
		slog.Warn("update call record", "call_id", callID, "error", err)
	}
}
