// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Handler delivers one notification to a target. The part after the prefix
// addresses the destination (e.g. "telegram:12345" is chat 12345).
type Handler func(target, message string) error

// Registry routes notifications to the appropriate delivery handler based
// on the target's prefix (e.g. "log:", "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target's prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			return handler(target, message)
		}
	}
	return fmt.Errorf("no delivery handler for target: %s", target)
}

// Notifier binds Deliver to a fixed target for callers that only carry a
// message. Delivery failures are logged, never returned; losing a
// notification must not disturb the caller.
func (r *Registry) Notifier(target string) func(message string) {
	return func(message string) {
		if err := r.Deliver(target, message); err != nil {
			slog.Warn("notification delivery failed", "target", target, "error", err)
		}
	}
}

// LogHandler writes notifications to the structured log. It backs the
// default "log:" target so an unconfigured daemon still surfaces call
// activity somewhere.
func LogHandler(_, message string) error {
	slog.Info("notification", "message", message)
	return nil
}
