// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/gophercall/internal/types"
)

// EventStore is a JSONL-backed append-only transcript store.
// Events are stored per-call in calls/<callID>/events.jsonl.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.CallID]*sync.Mutex
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.CallID]*sync.Mutex),
	}
}

// getLock returns the per-call mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(callID types.CallID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[callID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[callID] = lock
	return lock
}

func (e *EventStore) eventsPath(callID types.CallID) string {
	return filepath.Join(e.root, "calls", string(callID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the call lock.
func (e *EventStore) count(callID types.CallID) (int64, error) {
	f, err := os.Open(e.eventsPath(callID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Append adds an event to the call's transcript with an auto-incremented
// sequence number.
func (e *EventStore) Append(_ context.Context, event *types.CallEvent) error {
	lock := e.getLock(event.CallID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.CallID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create call dir: %w", err)
	}

	existing, err := e.count(event.CallID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.CallID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Tail returns the last N events for the given call.
func (e *EventStore) Tail(_ context.Context, callID types.CallID, limit int) ([]*types.CallEvent, error) {
	lock := e.getLock(callID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(callID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.CallEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event types.CallEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// Count returns the number of events for the given call.
func (e *EventStore) Count(_ context.Context, callID types.CallID) (int64, error) {
	lock := e.getLock(callID)
	lock.Lock()
	defer lock.Unlock()

	return e.count(callID)
}
