// Package upstream talks to an OpenAI-compatible chat-completions endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/types"
)

var (
	// ErrMissingCredential is returned before any call when no API key is configured.
	ErrMissingCredential = errors.New("upstream credential not configured")

	// ErrTimeout is returned when the configured upstream timeout elapses.
	ErrTimeout = errors.New("upstream request timed out")
)

// StatusError is a non-2xx answer from the provider. Body is kept for server
// logs only.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends chat-completion requests to the configured provider.
type Client struct {
	cfg  func() config.UpstreamConfig
	doer Doer
}

func NewClient(cfg func() config.UpstreamConfig, doer Doer) *Client {
	return &Client{cfg: cfg, doer: doer}
}

// NewHTTPClient builds the pooled client used in production. Deadlines come
// from the request context, not from http.Client.Timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// Complete performs one chat-completion round trip. It never retries.
func (c *Client) Complete(ctx context.Context, req *types.UpstreamChatRequest) (*types.ChatReply, error) {
	cfg := c.cfg()
	if cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, callCtx, fmt.Errorf("send upstream request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, callCtx, fmt.Errorf("read upstream response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return decodeReply(body)
}

// classify reports our own deadline as ErrTimeout; cancellation by the caller
// and transport failures pass through.
func classify(parent, callCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// decodeReply extracts choices[0].message.content and usage. Missing pieces
// degrade to "" and null, and so does a body that is valid JSON but not an
// object. Invalid JSON and a null body are errors.
func decodeReply(body []byte) (*types.ChatReply, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, errors.New("upstream response is not valid JSON")
	}
	if bytes.Equal(body, []byte("null")) {
		return nil, errors.New("upstream response is null")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return &types.ChatReply{}, nil
	}

	reply := &types.ChatReply{Content: firstContent(top["choices"])}
	if u, ok := top["usage"]; ok && len(u) > 0 {
		reply.Usage = u
	}
	return reply, nil
}

func firstContent(choices json.RawMessage) string {
	var list []json.RawMessage
	if json.Unmarshal(choices, &list) != nil || len(list) == 0 {
		return ""
	}
	var choice struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if json.Unmarshal(list[0], &choice) != nil {
		return ""
	}
	var content string
	if json.Unmarshal(choice.Message.Content, &content) != nil {
		return ""
	}
	return content
}
