package api

import (
	"context"
	"sync"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

type mockIndex struct {
	indexFn   func(ctx context.Context, conv chat.Conversation) retrieval.IndexReport
	removeFn  func(id string) int
	searchFn  func(ctx context.Context, query string, limit int) ([]retrieval.SearchResult, error)
	similarFn func(ctx context.Context, text string, opts retrieval.SimilarOptions) ([]retrieval.SearchResult, error)
	suggestFn func(prefix string, limit int) []string
	stats     retrieval.Stats
}

func (m *mockIndex) Index(ctx context.Context, conv chat.Conversation) retrieval.IndexReport {
	if m.indexFn != nil {
		return m.indexFn(ctx, conv)
	}
	return retrieval.IndexReport{ConversationID: conv.ID}
}

func (m *mockIndex) Remove(id string) int {
	if m.removeFn != nil {
		return m.removeFn(id)
	}
	return 0
}

func (m *mockIndex) Search(ctx context.Context, query string, limit int) ([]retrieval.SearchResult, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query, limit)
	}
	return nil, nil
}

func (m *mockIndex) FindSimilar(ctx context.Context, text string, opts retrieval.SimilarOptions) ([]retrieval.SearchResult, error) {
	if m.similarFn != nil {
		return m.similarFn(ctx, text, opts)
	}
	return nil, nil
}

func (m *mockIndex) Suggestions(prefix string, limit int) []string {
	if m.suggestFn != nil {
		return m.suggestFn(prefix, limit)
	}
	return []string{}
}

func (m *mockIndex) Stats() retrieval.Stats { return m.stats }

type mockQueue struct {
	mu       sync.Mutex
	items    []syncqueue.Item
	status   syncqueue.Status
	subs     map[int]func(syncqueue.Status)
	nextSub  int
	retried  int
	cleared  int
	enqueued []chat.Message
}

func newMockQueue() *mockQueue {
	return &mockQueue{subs: make(map[int]func(syncqueue.Status))}
}

func (m *mockQueue) Enqueue(conversationID string, msg chat.Message) (syncqueue.Item, error) {
	if conversationID == "" {
		return syncqueue.Item{}, syncqueue.ErrMissingConversation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, msg)
	item := syncqueue.Item{
		ID:             "item-1",
		ConversationID: conversationID,
		Payload:        msg,
		Status:         syncqueue.StatusPending,
	}
	m.items = append(m.items, item)
	m.status.PendingCount++
	return item, nil
}

func (m *mockQueue) Items() []syncqueue.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncqueue.Item(nil), m.items...)
}

func (m *mockQueue) Status() syncqueue.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockQueue) RetryFailed() int { return m.retried }

func (m *mockQueue) ClearFailed() int { return m.cleared }

func (m *mockQueue) Subscribe(fn func(syncqueue.Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// publish sets the status and calls every subscriber, like the real queue.
func (m *mockQueue) publish(st syncqueue.Status) {
	m.mu.Lock()
	m.status = st
	subs := make([]func(syncqueue.Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (m *mockQueue) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type mockNetwork struct {
	mu      sync.Mutex
	reports []bool
	onRep   func(bool)
}

func (m *mockNetwork) Report(online bool) {
	m.mu.Lock()
	m.reports = append(m.reports, online)
	cb := m.onRep
	m.mu.Unlock()
	if cb != nil {
		cb(online)
	}
}
