package remote

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pdromr/chatsync/internal/errs"
)

// CloseWatermarkExpired is the websocket close code the backend sends
// when the supplied resume token is no longer valid.
const CloseWatermarkExpired = 4409

// OpenFeed dials the conversation's websocket change feed.
func (c *APIClient) OpenFeed(ctx context.Context, conversationID, fromWatermark string) (Feed, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	u := fmt.Sprintf("%s/v1/conversations/%s/feed", wsURL(c.opts.BaseURL), url.PathEscape(conversationID))
	if fromWatermark != "" {
		u += "?watermark=" + url.QueryEscape(fromWatermark)
	}

	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &errs.RejectedError{Reason: rejectionReason(resp)}
		}
		return nil, errs.Transient("open feed", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &wsFeed{conn: conn}, nil
}

// feedFrame is one websocket message from the feed.
type feedFrame struct {
	Error     string        `json:"error,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Watermark string        `json:"watermark"`
}

type wsFeed struct {
	conn *websocket.Conn
}

func (f *wsFeed) Next(ctx context.Context) (*Batch, error) {
	// Unblock the read when ctx is cancelled by forcing the deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = f.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	var frame feedFrame
	err := f.conn.ReadJSON(&frame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, CloseWatermarkExpired) {
			return nil, errs.ErrWatermarkExpired
		}
		return nil, errs.Transient("feed read", err)
	}

	if frame.Error == "watermark_expired" {
		return nil, errs.ErrWatermarkExpired
	}
	if frame.Error != "" {
		return nil, errs.Transient("feed", fmt.Errorf("%s", frame.Error))
	}

	batch := &Batch{Watermark: frame.Watermark}
	for _, w := range frame.Messages {
		batch.Messages = append(batch.Messages, w.toStore())
	}
	return batch, nil
}

func (f *wsFeed) Close() error {
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return f.conn.Close()
}
