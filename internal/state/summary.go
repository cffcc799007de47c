// internal/state/summary.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/gophercall/internal/types"
)

// SummaryStore stores one digest per ended call at calls/<callID>/summary.json.
type SummaryStore struct {
	root string
}

// NewSummaryStore creates a new file-backed SummaryStore rooted at the given directory.
func NewSummaryStore(root string) *SummaryStore {
	return &SummaryStore{root: root}
}

func (s *SummaryStore) summaryPath(callID types.CallID) string {
	return filepath.Join(s.root, "calls", string(callID), "summary.json")
}

// Put writes the summary for its call, replacing any previous one.
func (s *SummaryStore) Put(_ context.Context, summary *types.CallSummary) error {
	content, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	target := s.summaryPath(summary.CallID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create call dir: %w", err)
	}

	// Atomic write via temp file + rename
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp summary: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp summary: %w", err)
	}
	return nil
}

// Get returns the stored summary for the given call.
func (s *SummaryStore) Get(_ context.Context, callID types.CallID) (*types.CallSummary, error) {
	data, err := os.ReadFile(s.summaryPath(callID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("summary not found: %s", callID)
		}
		return nil, fmt.Errorf("read summary: %w", err)
	}

	var summary types.CallSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &summary, nil
}
