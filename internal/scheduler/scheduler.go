// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/gophercall/internal/state"
)

// Announcer speaks one line into every active call and reports how many
// calls heard it.
type Announcer func(text string) int

// Scheduler evaluates cron expressions from the announcement store and
// speaks the scheduled ones through the announcer callback.
type Scheduler struct {
	store    *state.AnnouncementStore
	announce Announcer
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler backed by the given announcement store. The
// announcer is called each time a scheduled announcement fires.
func New(store *state.AnnouncementStore, announce Announcer) *Scheduler {
	return &Scheduler{
		store:    store,
		announce: announce,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads announcements from the store, registers the enabled ones that
// have a schedule as cron entries, and starts the cron ticker. Announcements
// without a schedule fire only on demand.
func (s *Scheduler) Start() error {
	items, err := s.store.List()
	if err != nil {
		return err
	}

	for _, a := range items {
		if a.Schedule == "" || !a.Enabled {
			continue
		}

		// Capture loop variables for the closure.
		name := a.Name
		text := a.Text
		schedule := a.Schedule

		_, err := s.cron.AddFunc(schedule, func() {
			n := s.announce(text)
			slog.Info("cron announcement fired", "name", name, "calls", n)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", schedule, "error", err)
			continue
		}
		slog.Info("scheduled announcement", "name", name, "schedule", schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
