// Package dispatcher turns external wake-up signals (push notifications,
// connectivity changes, app foregrounding) into sync and retry work. It
// holds no authoritative state: every downstream operation is idempotent,
// so duplicate signals are harmless.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pdromr/chatsync/internal/bus"
	"github.com/pdromr/chatsync/internal/outbox"
	"github.com/pdromr/chatsync/internal/store"
	"github.com/pdromr/chatsync/internal/syncer"
	"go.uber.org/zap"
)

// Dispatcher coordinates per-conversation feed workers and outbox sweeps.
type Dispatcher struct {
	db      *store.DB
	engine  *syncer.Engine
	retrier *outbox.Retrier
	bus     *bus.Bus
	logger  *zap.Logger
	policy  outbox.Policy

	mu      sync.Mutex
	workers map[string]*worker
	known   map[string]struct{}
	online  bool
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
}

// New creates a dispatcher.
func New(db *store.DB, engine *syncer.Engine, retrier *outbox.Retrier, b *bus.Bus, policy outbox.Policy, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		db:      db,
		engine:  engine,
		retrier: retrier,
		bus:     b,
		logger:  logger,
		policy:  policy,
		workers: make(map[string]*worker),
		known:   make(map[string]struct{}),
	}
}

// Start subscribes every known conversation and wakes the outbox.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.online = true
	dctx := d.ctx
	d.mu.Unlock()

	ch, unsub := d.bus.Subscribe(bus.KindStoreCorrupt, 16)
	d.unsub = unsub
	go d.watchCorrupt(dctx, ch)

	ids, err := d.db.ListConversationIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		d.EnsureSubscribed(id)
	}
	d.retrier.Nudge()
	return nil
}

// Stop cancels every worker and waits for them to wind down.
func (d *Dispatcher) Stop() {
	if d.unsub != nil {
		d.unsub()
	}
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}

// pushPayload is the opaque wake-up notification body. Only
// conversation_id is required; everything else is ignored.
type pushPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Wake handles a push notification arrival. Malformed or unrecognized
// payloads are logged and dropped, never fatal. Duplicate deliveries are
// safe: the worker map and all downstream operations are idempotent.
func (d *Dispatcher) Wake(payload []byte) {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("ignoring malformed push payload", zap.Error(err))
		return
	}
	if p.ConversationID == "" {
		d.logger.Warn("ignoring push payload without conversation_id")
		return
	}
	d.logger.Info("push wake-up", zap.String("conversation_id", p.ConversationID))
	d.EnsureSubscribed(p.ConversationID)
	d.retrier.Nudge()
}

// SetOnline reflects connectivity changes. Going offline cancels all feed
// workers promptly; coming back online resubscribes every conversation
// seen so far and sweeps the outbox.
func (d *Dispatcher) SetOnline(online bool) {
	d.mu.Lock()
	wasOnline := d.online
	d.online = online
	var toStop []*worker
	var toStart []string
	if !online {
		for _, w := range d.workers {
			toStop = append(toStop, w)
		}
		d.workers = make(map[string]*worker)
	} else if !wasOnline {
		for id := range d.known {
			toStart = append(toStart, id)
		}
	}
	d.mu.Unlock()

	for _, w := range toStop {
		w.cancel()
		<-w.done
	}
	for _, id := range toStart {
		d.EnsureSubscribed(id)
	}
	if online {
		d.retrier.Nudge()
	}
}

// Foreground handles the app returning to the foreground: resubscribe
// everything and sweep pending sends.
func (d *Dispatcher) Foreground() {
	ids, err := d.db.ListConversationIDs()
	if err != nil {
		d.logger.Error("failed to list conversations", zap.Error(err))
	}
	for _, id := range ids {
		d.EnsureSubscribed(id)
	}
	d.retrier.Nudge()
}

// EnsureSubscribed starts a feed worker for the conversation if none is
// running. Invoking it repeatedly is a no-op.
func (d *Dispatcher) EnsureSubscribed(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.known[conversationID] = struct{}{}
	if !d.online || d.ctx == nil || d.ctx.Err() != nil {
		return
	}
	if _, running := d.workers[conversationID]; running {
		return
	}

	wctx, wcancel := context.WithCancel(d.ctx)
	w := &worker{
		conversationID: conversationID,
		machine:        NewMachine(conversationID, d.bus),
		cancel:         wcancel,
		done:           make(chan struct{}),
	}
	d.workers[conversationID] = w
	go d.runWorker(wctx, w)
}

// CloseConversation cancels the conversation's feed worker (e.g. the UI
// navigated away). A batch being applied either commits fully before the
// worker exits or is discarded with the transaction; never half-applied.
func (d *Dispatcher) CloseConversation(conversationID string) {
	d.mu.Lock()
	w, ok := d.workers[conversationID]
	if ok {
		delete(d.workers, conversationID)
	}
	d.mu.Unlock()

	if ok {
		w.cancel()
		<-w.done
	}
}

// State returns the feed state for a conversation.
func (d *Dispatcher) State(conversationID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[conversationID]; ok {
		return w.machine.Current()
	}
	return Disconnected
}

// watchCorrupt runs the recovery path when the store reports an
// unreadable row: a full resync replaces local state with the remote
// log, then the outbox is reswept.
func (d *Dispatcher) watchCorrupt(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			ref, ok := evt.Payload.(bus.MessageRef)
			if !ok || ref.ConversationID == "" {
				continue
			}
			d.logger.Warn("local state corrupt, running full resync",
				zap.String("conversation_id", ref.ConversationID))
			if err := d.engine.FullResync(ctx, ref.ConversationID); err != nil {
				d.logger.Error("full resync failed",
					zap.String("conversation_id", ref.ConversationID), zap.Error(err))
				continue
			}
			d.retrier.Nudge()
		}
	}
}

// removeWorker drops a finished worker from the map if it is still the
// registered one.
func (d *Dispatcher) removeWorker(w *worker) {
	d.mu.Lock()
	if cur, ok := d.workers[w.conversationID]; ok && cur == w {
		delete(d.workers, w.conversationID)
	}
	d.mu.Unlock()
}
