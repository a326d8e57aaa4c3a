package syncqueue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatcore/internal/chat"
)

const (
	DefaultMaxRetries      uint = 3
	DefaultSyncInterval         = 30 * time.Second
	DefaultDeliveryTimeout      = 30 * time.Second
)

// Delivery outcomes reported to Metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// ErrMissingConversation is returned by Enqueue when no conversation id is given.
var ErrMissingConversation = errors.New("conversation id is required")

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	MaxRetries      uint
	SyncInterval    time.Duration
	DeliveryTimeout time.Duration
	// Online is the initial network state.
	Online  bool
	Logger  *slog.Logger
	Clock   Clock
	Metrics Metrics
}

// Queue holds outbound messages until they are delivered. Every message is
// delivered at least once: an item leaves the queue only after the
// Deliverer acknowledges it, and is marked failed after MaxRetries
// unsuccessful attempts.
//
// At most one sync pass runs at a time. Listeners registered with Subscribe
// are called synchronously after every state change.
type Queue struct {
	deliverer Deliverer
	persister Persister

	maxRetries      uint
	syncInterval    time.Duration
	deliveryTimeout time.Duration
	logger          *slog.Logger
	clock           Clock
	metrics         Metrics

	mu         sync.Mutex
	items      []*Item // enqueue order
	online     bool
	lastSyncAt *time.Time
	closed     bool

	syncing atomic.Bool
	// rerun is set when a pass is requested while another is in flight; the
	// running pass then goes round once more. Guarded by mu.
	rerun bool

	// persistMu orders snapshot writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(Status)
	nextSub int

	// ctx scopes passes started by triggers; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty queue. persister may be nil.
func New(d Deliverer, p Persister, opts Options) *Queue {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		deliverer:       d,
		persister:       p,
		maxRetries:      opts.MaxRetries,
		syncInterval:    opts.SyncInterval,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          opts.Logger,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		online:          opts.Online,
		subs:            make(map[int]func(Status)),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Enqueue appends a message for delivery and, when online, starts a sync
// pass in the background. A message without an id gets one.
func (q *Queue) Enqueue(conversationID string, msg chat.Message) (Item, error) {
	if conversationID == "" {
		return Item{}, ErrMissingConversation
	}
	now := q.clock.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	item := &Item{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Payload:        msg,
		EnqueuedAt:     now,
		Status:         StatusPending,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	online := q.online
	snapshot := *item
	q.mu.Unlock()

	q.logger.Debug("message queued", "item_id", item.ID, "conversation_id", conversationID)
	q.persist()
	q.notify()
	if online {
		q.trigger()
	}
	return snapshot, nil
}

// Sync runs a delivery pass over every pending item in enqueue order. It
// returns false without doing anything when offline or when another pass is
// already running; the running pass then goes round once more so work queued
// during it is not left for the next tick.
//
// If the network drops or ctx is cancelled mid-pass, undelivered items go
// back to pending without being charged a retry.
func (q *Queue) Sync(ctx context.Context) bool {
	q.mu.Lock()
	if !q.online {
		q.mu.Unlock()
		return false
	}
	if !q.syncing.CompareAndSwap(false, true) {
		q.rerun = true
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	for {
		q.pass(ctx)

		q.mu.Lock()
		again := q.rerun && q.online && ctx.Err() == nil
		q.rerun = false
		if !again {
			q.syncing.Store(false)
		}
		q.mu.Unlock()
		q.notify()
		if !again {
			return true
		}
	}
}

// pass delivers every item that is pending when it starts. The caller owns
// the syncing flag.
func (q *Queue) pass(ctx context.Context) {
	q.mu.Lock()
	var batch []string
	for _, it := range q.items {
		if it.Status == StatusPending {
			it.Status = StatusSyncing
			batch = append(batch, it.ID)
		}
	}
	q.mu.Unlock()
	q.notify()

	delivered, failed := 0, 0
	for _, id := range batch {
		if ctx.Err() != nil {
			break
		}
		item, ok := q.claim(id)
		if !ok {
			if !q.isOnline() {
				break
			}
			continue
		}

		ack, err := q.deliver(ctx, item)
		switch q.settle(id, err) {
		case OutcomeDelivered:
			delivered++
			q.logger.Debug("message delivered", "item_id", id, "ack_id", ack.ID)
		case OutcomeFailed:
			failed++
			q.logger.Warn("message delivery failed permanently", "item_id", id, "error", err)
		case OutcomeRetry:
			q.logger.Info("message delivery failed, will retry", "item_id", id, "error", err)
		}
		q.persist()
		q.notify()
	}

	q.mu.Lock()
	for _, it := range q.items {
		if it.Status == StatusSyncing {
			it.Status = StatusPending
		}
	}
	now := q.clock.Now().UTC()
	q.lastSyncAt = &now
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SyncPass()
	}
	q.logger.Debug("sync pass finished", "attempted", len(batch), "delivered", delivered, "failed", failed)
	q.persist()
}

// claim re-validates that id is still queued and syncing and that the
// network is up, returning a copy of the item to deliver.
func (q *Queue) claim(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.online {
		return Item{}, false
	}
	it := q.find(id)
	if it == nil || it.Status != StatusSyncing {
		return Item{}, false
	}
	return *it, true
}

func (q *Queue) deliver(ctx context.Context, item Item) (chat.Ack, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.deliveryTimeout)
	defer cancel()
	ack, err := q.deliverer.Deliver(dctx, chat.OutboundMessage{
		ConversationID: item.ConversationID,
		Message:        item.Payload,
	})
	if err != nil {
		return chat.Ack{}, chat.NewProviderError("delivery", "delivering message", err)
	}
	return ack, nil
}

// settle records the outcome of one delivery attempt and returns it.
func (q *Queue) settle(id string, err error) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	outcome := OutcomeDelivered
	if err == nil {
		q.items = slices.DeleteFunc(q.items, func(it *Item) bool { return it.ID == id })
	} else if it := q.find(id); it != nil {
		it.RetryCount++
		it.LastError = err.Error()
		if it.RetryCount >= q.maxRetries {
			it.Status = StatusFailed
			outcome = OutcomeFailed
		} else {
			it.Status = StatusPending
			outcome = OutcomeRetry
		}
	} else {
		outcome = OutcomeRetry
	}
	if q.metrics != nil {
		q.metrics.DeliveryAttempt(outcome)
	}
	return outcome
}

// RetryFailed moves every failed item back to pending with a fresh retry
// budget and, when online, starts a sync pass even if nothing had failed.
// It returns the number of items reset.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	n := 0
	for _, it := range q.items {
		if it.Status == StatusFailed {
			it.Status = StatusPending
			it.RetryCount = 0
			it.LastError = ""
			n++
		}
	}
	online := q.online
	q.mu.Unlock()

	if n > 0 {
		q.persist()
	}
	q.notify()
	if online {
		q.trigger()
	}
	return n
}

// ClearFailed drops every failed item and returns how many were dropped.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(it *Item) bool { return it.Status == StatusFailed })
	n := before - len(q.items)
	q.mu.Unlock()

	if n > 0 {
		q.persist()
		q.notify()
	}
	return n
}

// SetNetworkState records connectivity. Coming back online starts a sync pass.
func (q *Queue) SetNetworkState(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()

	if !changed {
		return
	}
	q.logger.Info("network state changed", "online", online)
	q.notify()
	if online {
		q.trigger()
	}
}

// Run calls Sync every sync interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sync(ctx)
		}
	}
}

// Subscribe registers fn to receive the queue status after every state
// change. The returned function removes the registration.
func (q *Queue) Subscribe(fn func(Status)) (unsubscribe func()) {
	q.subsMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subsMu.Lock()
			delete(q.subs, id)
			q.subsMu.Unlock()
		})
	}
}

// Status returns the current queue summary.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		IsOnline:  q.online,
		IsSyncing: q.syncing.Load(),
	}
	if q.lastSyncAt != nil {
		t := *q.lastSyncAt
		st.LastSyncAt = &t
	}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending, StatusSyncing:
			st.PendingCount++
		case StatusFailed:
			st.FailedCount++
		}
	}
	return st
}

// Items returns copies of the queued items in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Restore replaces the queue contents with previously persisted state.
// Items left syncing by an interrupted session are reset to pending.
func (q *Queue) Restore(items []Item, meta Meta) {
	q.mu.Lock()
	q.items = q.items[:0]
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		switch it.Status {
		case StatusPending, StatusFailed:
		default:
			it.Status = StatusPending
		}
		q.items = append(q.items, &it)
	}
	q.lastSyncAt = meta.LastSyncAt
	q.mu.Unlock()
	q.reportDepth()
	q.notify()
}

// Wait blocks until every triggered sync pass has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops triggering new passes, waits for running ones and writes the
// final state through the persister. A delivery already in flight is allowed
// to complete.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	q.persist()
}

// trigger starts a sync pass in the background.
func (q *Queue) trigger() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.Sync(q.ctx)
	}()
}

func (q *Queue) find(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (q *Queue) isOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) persist() {
	q.reportDepth()
	if q.persister == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	items := q.Items()
	q.mu.Lock()
	meta := Meta{LastSyncAt: q.lastSyncAt}
	q.mu.Unlock()

	if err := q.persister.SaveItems(items); err != nil {
		q.logger.Error("saving queue items failed", "error", err)
	}
	if err := q.persister.SaveMeta(meta); err != nil {
		q.logger.Error("saving queue meta failed", "error", err)
	}
}

func (q *Queue) reportDepth() {
	if q.metrics == nil {
		return
	}
	st := q.Status()
	q.metrics.SetQueueDepth(st.PendingCount, st.FailedCount)
}

// notify calls every subscriber with the current status. A panicking
// subscriber is logged and does not affect the others.
func (q *Queue) notify() {
	q.subsMu.Lock()
	if len(q.subs) == 0 {
		q.subsMu.Unlock()
		return
	}
	subs := make([]func(Status), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subsMu.Unlock()

	st := q.Status()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue subscriber panicked", "panic", r)
				}
			}()
			fn(st)
		}()
	}
}
