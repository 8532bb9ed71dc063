package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pdromr/chatsync/internal/errs"
	"github.com/pdromr/chatsync/internal/remote"
	"go.uber.org/zap"
)

// worker owns one conversation's subscription loop. Batches for the
// conversation are applied by this single goroutine, in receipt order.
type worker struct {
	conversationID string
	machine        *Machine
	cancel         context.CancelFunc
	done           chan struct{}
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	defer close(w.done)
	defer d.removeWorker(w)

	bo := d.policy.NewBackOff()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = w.machine.Transition(Connecting)

		feed, err := d.engine.OpenFeed(ctx, w.conversationID)
		if err != nil {
			_ = w.machine.Transition(Disconnected)
			if errs.IsRejected(err) {
				d.logger.Warn("feed rejected, giving up on conversation",
					zap.String("conversation_id", w.conversationID), zap.Error(err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("feed connect failed",
				zap.String("conversation_id", w.conversationID), zap.Error(err))
			if !sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		err = d.consume(ctx, w, feed, bo)
		_ = feed.Close()
		_ = w.machine.Transition(Disconnected)

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errs.ErrWatermarkExpired) {
			d.logger.Warn("watermark expired, running full resync",
				zap.String("conversation_id", w.conversationID))
			if rerr := d.engine.FullResync(ctx, w.conversationID); rerr != nil {
				d.logger.Error("full resync failed",
					zap.String("conversation_id", w.conversationID), zap.Error(rerr))
			} else {
				bo.Reset()
			}
		} else if err != nil {
			d.logger.Warn("feed interrupted",
				zap.String("conversation_id", w.conversationID), zap.Error(err))
		}

		if !sleepBackoff(ctx, bo) {
			return
		}
	}
}

// consume applies feed batches until the feed fails or ctx is cancelled.
func (d *Dispatcher) consume(ctx context.Context, w *worker, feed remote.Feed, bo *backoff.ExponentialBackOff) error {
	first := true
	for {
		batch, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		if first {
			// First batch or empty ack confirms the subscription.
			_ = w.machine.Transition(Subscribed)
			bo.Reset()
			first = false
		}
		if len(batch.Messages) == 0 && batch.Watermark == "" {
			continue
		}

		if err := d.engine.ApplyBatch(w.conversationID, batch.Messages, batch.Watermark); err != nil {
			if errs.IsCorruptState(err) {
				d.logger.Error("local state corrupt, falling back to full resync",
					zap.String("conversation_id", w.conversationID), zap.Error(err))
				if rerr := d.engine.FullResync(ctx, w.conversationID); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}
		d.retrier.Nudge()
	}
}

// sleepBackoff waits for the next backoff interval. Returns false when
// ctx was cancelled while waiting.
func sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
