package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/gophercall/pkg/reply"
)

// Client implements the reply.Pipeline interface against a host-provided
// HTTP endpoint: one POST per caller message, the reply text in the body.
type Client struct {
	config     *reply.Config
	httpClient *http.Client
}

// New creates a new bridge client with the given configuration.
func New(config *reply.Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Reply posts the request to the configured endpoint and returns its answer.
func (c *Client) Reply(ctx context.Context, req *reply.Request) (*reply.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out reply.Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if out.Text == "" {
		return nil, fmt.Errorf("empty reply text")
	}
	return &out, nil
}
