// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

type CallStore interface {
	Open(ctx context.Context, id CallID, source string, startedAt time.Time) (*CallRecord, error)
	Get(ctx context.Context, id CallID) (*CallRecord, error)
	List(ctx context.Context) ([]*CallRecord, error)
	Update(ctx context.Context, record *CallRecord) error
}

type EventStore interface {
	Append(ctx context.Context, event *CallEvent) error
	Tail(ctx context.Context, callID CallID, limit int) ([]*CallEvent, error)
	Count(ctx context.Context, callID CallID) (int64, error)
}

type SummaryStore interface {
	Put(ctx context.Context, summary *CallSummary) error
	Get(ctx context.Context, callID CallID) (*CallSummary, error)
}
