package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
)

// mockEmbedder implements ContentEmbedder for testing.
type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
	calls   atomic.Int64
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, text)
}

func constEmbedder(vec []float32) *mockEmbedder {
	return &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return vec, nil
	}}
}

func TestCache_HitAfterMiss(t *testing.T) {
	emb := constEmbedder([]float32{1, 2, 3})
	c := NewEmbeddingCache(emb, 10)
	ctx := context.Background()

	if _, err := c.GetOrCompute(ctx, "hello"); err != nil {
		t.Fatalf("first GetOrCompute: %v", err)
	}
	if _, err := c.GetOrCompute(ctx, "hello"); err != nil {
		t.Fatalf("second GetOrCompute: %v", err)
	}
	if got := emb.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if c.Hits() != 1 || c.Misses() != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", c.Hits(), c.Misses())
	}
}

func TestCache_ExactTextKey(t *testing.T) {
	emb := constEmbedder([]float32{1})
	c := NewEmbeddingCache(emb, 10)
	ctx := context.Background()

	c.GetOrCompute(ctx, "Hello")
	c.GetOrCompute(ctx, "hello")
	c.GetOrCompute(ctx, "hello ")
	if got := emb.calls.Load(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
}

func TestCache_ProviderErrorNotCached(t *testing.T) {
	fail := true
	emb := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		if fail {
			return nil, errors.New("timeout")
		}
		return []float32{1}, nil
	}}
	c := NewEmbeddingCache(emb, 10)

	_, err := c.GetOrCompute(context.Background(), "x")
	if !chat.IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed lookup should not be cached, len=%d", c.Len())
	}

	fail = false
	if _, err := c.GetOrCompute(context.Background(), "x"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	release := make(chan struct{})
	emb := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		<-release
		return []float32{1, 1}, nil
	}}
	c := NewEmbeddingCache(emb, 10)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrCompute(context.Background(), "same"); err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
		}()
	}
	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := emb.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestCache_PruneKeepsNewestHalf(t *testing.T) {
	c := NewEmbeddingCache(constEmbedder([]float32{1}), 100)
	ctx := context.Background()
	for i := range 10 {
		c.GetOrCompute(ctx, fmt.Sprintf("t%d", i))
	}

	evicted := c.Prune(6)
	if evicted != 7 {
		t.Errorf("evicted = %d, want 7", evicted)
	}
	entries := c.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i, want := range []string{"t7", "t8", "t9"} {
		if entries[i].Text != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Text, want)
		}
	}
}

func TestCache_PruneNoopUnderCapacity(t *testing.T) {
	c := NewEmbeddingCache(constEmbedder([]float32{1}), 100)
	c.GetOrCompute(context.Background(), "a")
	if n := c.Prune(5); n != 0 {
		t.Errorf("evicted = %d, want 0", n)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCache_BoundedAutomatically(t *testing.T) {
	c := NewEmbeddingCache(constEmbedder([]float32{1}), 4)
	ctx := context.Background()
	for i := range 50 {
		c.GetOrCompute(ctx, fmt.Sprintf("t%d", i))
		if c.Len() > 4 {
			t.Fatalf("cache grew to %d past capacity 4", c.Len())
		}
	}
	// The newest entry always survives.
	entries := c.Entries()
	if entries[len(entries)-1].Text != "t49" {
		t.Errorf("newest entry = %q, want t49", entries[len(entries)-1].Text)
	}
}

func TestCache_RestorePreservesOrder(t *testing.T) {
	c := NewEmbeddingCache(constEmbedder([]float32{9}), 10)
	c.Restore([]CacheEntry{
		{Text: "a", Embedding: []float32{1}},
		{Text: "b", Embedding: []float32{2}},
		{Text: "empty"},
	})

	entries := c.Entries()
	if len(entries) != 2 || entries[0].Text != "a" || entries[1].Text != "b" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	vec, err := c.GetOrCompute(context.Background(), "b")
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if vec[0] != 2 {
		t.Errorf("restored vector = %v, want [2]", vec)
	}
}
