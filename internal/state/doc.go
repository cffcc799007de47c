// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gophercall/internal/types"

// Compile-time interface compliance checks.
var _ types.CallStore = (*CallStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.SummaryStore = (*SummaryStore)(nil)
