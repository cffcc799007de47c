// internal/state/announcement.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gophercall/internal/types"
)

// Announcement is a named line spoken into every active call, either on a
// cron schedule or fired manually. An empty schedule means manual-only.
type Announcement struct {
	ID        types.AnnouncementID `json:"id"`
	Name      string               `json:"name"`
	Text      string               `json:"text"`
	Schedule  string               `json:"schedule,omitempty"`
	Enabled   bool                 `json:"enabled"`
	CreatedAt time.Time            `json:"created_at"`
}

// AnnouncementStore is a JSON-file-backed store for announcements.
type AnnouncementStore struct {
	path string
	mu   sync.RWMutex
}

// NewAnnouncementStore creates a new file-backed AnnouncementStore at the given file path.
func NewAnnouncementStore(path string) *AnnouncementStore {
	return &AnnouncementStore{path: path}
}

// Path returns the file path used by this store.
func (s *AnnouncementStore) Path() string {
	return s.path
}

// List returns all announcements. Returns an empty slice if the file doesn't exist.
func (s *AnnouncementStore) List() ([]*Announcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.load()
	if err != nil {
		return nil, err
	}
	if items == nil {
		return []*Announcement{}, nil
	}
	return items, nil
}

// Get finds an announcement by name. Returns an error if not found.
func (s *AnnouncementStore) Get(name string) (*Announcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, a := range items {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("announcement not found: %s", name)
}

// Add appends an announcement, assigning it an ID and creation time.
// Returns an error if the name is already taken.
func (s *AnnouncementStore) Add(a *Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}

	for _, existing := range items {
		if existing.Name == a.Name {
			return fmt.Errorf("announcement already exists: %s", a.Name)
		}
	}

	if a.ID == "" {
		a.ID = types.NewAnnouncementID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	items = append(items, a)
	return s.save(items)
}

// Remove deletes an announcement by name. Returns an error if not found.
func (s *AnnouncementStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}

	for i, a := range items {
		if a.Name == name {
			items = append(items[:i], items[i+1:]...)
			return s.save(items)
		}
	}
	return fmt.Errorf("announcement not found: %s", name)
}

// SetEnabled toggles the enabled flag. Returns an error if not found.
func (s *AnnouncementStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}

	for _, a := range items {
		if a.Name == name {
			a.Enabled = enabled
			return s.save(items)
		}
	}
	return fmt.Errorf("announcement not found: %s", name)
}

func (s *AnnouncementStore) load() ([]*Announcement, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read announcements file: %w", err)
	}

	var items []*Announcement
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal announcements: %w", err)
	}
	return items, nil
}

func (s *AnnouncementStore) save(items []*Announcement) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal announcements: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create announcements dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp announcements file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp announcements file: %w", err)
	}
	return nil
}
