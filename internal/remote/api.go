package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pdromr/chatsync/internal/errs"
	"github.com/pdromr/chatsync/internal/store"
	"go.uber.org/zap"
)

// Options configures the production API client.
type Options struct {
	BaseURL          string
	SubmitTimeout    time.Duration
	HandshakeTimeout time.Duration
	FetchTimeout     time.Duration
}

// APIClient implements Client against the chat backend: websocket change
// feed, HTTP JSON write and log endpoints.
type APIClient struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger
}

// NewAPIClient creates a production remote client.
func NewAPIClient(opts Options, logger *zap.Logger) *APIClient {
	return &APIClient{
		opts:   opts,
		http:   &http.Client{},
		logger: logger,
	}
}

// WriteMessage submits one message to the write API and returns the
// server-assigned sequence. 4xx responses are permanent rejections,
// everything else (5xx, network failure, timeout) is transient.
func (c *APIClient) WriteMessage(ctx context.Context, m *store.Message) (int64, error) {
	body, err := json.Marshal(toWire(m))
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	if c.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SubmitTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errs.Transient("write message", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack struct {
			Sequence int64 `json:"sequence"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return 0, errs.Transient("decode ack", err)
		}
		if ack.Sequence <= 0 {
			return 0, errs.Transient("decode ack", fmt.Errorf("missing sequence in ack"))
		}
		return ack.Sequence, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, &errs.RejectedError{Reason: rejectionReason(resp)}
	default:
		return 0, errs.Transient("write message", fmt.Errorf("status %d", resp.StatusCode))
	}
}

// FetchLog retrieves the complete remote log for a conversation.
func (c *APIClient) FetchLog(ctx context.Context, conversationID string) ([]store.Message, string, error) {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	u := fmt.Sprintf("%s/v1/conversations/%s/messages", c.opts.BaseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", errs.Transient("fetch log", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, "", &errs.RejectedError{Reason: rejectionReason(resp)}
	}
	if resp.StatusCode >= 300 {
		return nil, "", errs.Transient("fetch log", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		Messages  []wireMessage `json:"messages"`
		Watermark string        `json:"watermark"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", errs.Transient("decode log", err)
	}

	msgs := make([]store.Message, 0, len(out.Messages))
	for _, w := range out.Messages {
		msgs = append(msgs, w.toStore())
	}
	return msgs, out.Watermark, nil
}

func rejectionReason(resp *http.Response) string {
	var body struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Reason != "" {
			return body.Reason
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// wsURL rewrites the HTTP base URL to its websocket scheme.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
