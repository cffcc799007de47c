// internal/digest/digest.go
package digest

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gophercall/internal/types"
)

// truncationNote replaces dialogue that fell outside the token budget.
const truncationNote = "[earlier dialogue omitted]"

// Builder renders a token-budgeted digest of a call transcript. Digests are
// what the end-of-call notification carries, so recent lines win when the
// transcript outgrows the budget.
type Builder struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a digest builder with the given token budget.
func New(maxTokens int) (*Builder, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Builder{
		tokenizer: enc,
		maxTokens: maxTokens,
	}, nil
}

// countTokens returns the token count for a string.
func (b *Builder) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Build renders the dialogue digest for a call. Fillers and lifecycle events
// never appear; when the budget forces truncation, the oldest lines go first
// and a truncation note marks the cut. An empty transcript digests to "".
func (b *Builder) Build(events []*types.CallEvent) string {
	var lines []string
	for _, event := range events {
		line, ok := eventToLine(event)
		if !ok {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}

	budget := b.maxTokens - b.countTokens(truncationNote)

	// Walk newest to oldest so recent dialogue survives the cut.
	kept := 0
	usedTokens := 0
	for i := len(lines) - 1; i >= 0; i-- {
		lineTokens := b.countTokens(lines[i]) + 1
		if usedTokens+lineTokens > budget {
			break
		}
		kept++
		usedTokens += lineTokens
	}

	if kept == 0 {
		return truncationNote
	}
	if kept < len(lines) {
		return truncationNote + "\n" + strings.Join(lines[len(lines)-kept:], "\n")
	}
	return strings.Join(lines, "\n")
}

func eventToLine(event *types.CallEvent) (string, bool) {
	if event.Text == "" {
		return "", false
	}
	switch event.Type {
	case "user_message":
		return "Caller: " + event.Text, true
	case "utterance", "idle_prompt":
		return "Agent: " + event.Text, true
	default:
		return "", false
	}
}
