// internal/types/ids.go
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// CallID is assigned by the calling service and arrives on the wire; the
// remaining IDs are minted locally.
type CallID string
type RequestID string
type RunID string
type EventID string
type UtteranceID string
type AnnouncementID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewAnnouncementID() AnnouncementID {
	return AnnouncementID(uuid.New().String())
}

// NewUtteranceID builds the outbound utterance identifier from the session's
// creation-order sequence and its per-utterance turn counter.
func NewUtteranceID(callSeq, turnSeq int) UtteranceID {
	return UtteranceID(fmt.Sprintf("oc_%d_%d", callSeq, turnSeq))
}
