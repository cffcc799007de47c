package reply

import (
	"context"
	"time"
)

// Pipeline produces the agent's spoken reply for one caller message.
// Implementations live host-side; the engine only moves text back and forth.
type Pipeline interface {
	// Reply returns the utterance to speak for the given request.
	Reply(ctx context.Context, req *Request) (*Response, error)
}

// Config holds common configuration for HTTP-backed pipelines.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Static is a fixed-line pipeline. It is the out-of-the-box responder mode,
// useful before a real host pipeline is wired up.
type Static struct {
	Text string
}

func (s *Static) Reply(_ context.Context, _ *Request) (*Response, error) {
	return &Response{Text: s.Text}, nil
}
