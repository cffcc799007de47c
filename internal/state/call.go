// internal/state/call.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/gophercall/internal/types"
)

// CallStore is a JSON-file-backed call log.
// It stores the call index in calls/calls.json and creates per-call
// directories at calls/<callID>/.
type CallStore struct {
	root string
	mu   sync.RWMutex
}

// NewCallStore creates a new file-backed CallStore rooted at the given directory.
func NewCallStore(root string) *CallStore {
	return &CallStore{root: root}
}

func (s *CallStore) indexPath() string {
	return filepath.Join(s.root, "calls", "calls.json")
}

func (s *CallStore) callsDir() string {
	return filepath.Join(s.root, "calls")
}

func (s *CallStore) callDir(id types.CallID) string {
	return filepath.Join(s.root, "calls", string(id))
}

func (s *CallStore) loadIndex() (map[types.CallID]*types.CallRecord, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.CallID]*types.CallRecord), nil
		}
		return nil, fmt.Errorf("read call index: %w", err)
	}

	var records []*types.CallRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal call index: %w", err)
	}

	index := make(map[types.CallID]*types.CallRecord, len(records))
	for _, rec := range records {
		index[rec.CallID] = rec
	}
	return index, nil
}

func (s *CallStore) saveIndex(index map[types.CallID]*types.CallRecord) error {
	records := make([]*types.CallRecord, 0, len(index))
	for _, rec := range index {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal call index: %w", err)
	}

	if err := os.MkdirAll(s.callsDir(), 0o755); err != nil {
		return fmt.Errorf("create calls dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// Open records a call as active, creating its directory. Opening a call
// that already exists returns the existing record unchanged, so the lazy
// session path and an explicit call_start can both pass through here.
func (s *CallStore) Open(_ context.Context, id types.CallID, source string, startedAt time.Time) (*types.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	if existing, ok := index[id]; ok {
		return existing, nil
	}

	now := time.Now()
	if startedAt.IsZero() {
		startedAt = now
	}
	rec := &types.CallRecord{
		CallID:    id,
		Source:    source,
		Status:    "active",
		StartedAt: startedAt,
		UpdatedAt: now,
	}
	index[id] = rec

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.callDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create call dir: %w", err)
	}
	return rec, nil
}

// Get returns the call with the given ID.
func (s *CallStore) Get(_ context.Context, id types.CallID) (*types.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	rec, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("call not found: %s", id)
	}
	return rec, nil
}

// List returns all calls, newest first.
func (s *CallStore) List(_ context.Context) ([]*types.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	records := make([]*types.CallRecord, 0, len(index))
	for _, rec := range index {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Update persists changes to the given call, setting UpdatedAt to now.
func (s *CallStore) Update(_ context.Context, rec *types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	if _, ok := index[rec.CallID]; !ok {
		return fmt.Errorf("call not found: %s", rec.CallID)
	}

	rec.UpdatedAt = time.Now()
	index[rec.CallID] = rec

	return s.saveIndex(index)
}
