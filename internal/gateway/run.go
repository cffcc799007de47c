package gateway

import (
	"context"
	"time"

	"github.com/user/gophercall/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single caller turn through the reply pipeline.
type Run struct {
	ID        types.RunID
	CallID    types.CallID
	Turn      *types.InboundTurn
	Status    RunStatus
	Attempts  int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context

	// OnComplete receives the reply text and whether the call should end
	// after it is spoken.
	OnComplete func(text string, endCall bool)
}

// NewRun creates a Run in the Queued state for the given turn.
func NewRun(turn *types.InboundTurn) *Run {
	return &Run{
		ID:        types.NewRunID(),
		CallID:    turn.CallID,
		Turn:      turn,
		Status:    RunStatusQueued,
		Attempts:  0,
		CreatedAt: time.Now(),
	}
}
