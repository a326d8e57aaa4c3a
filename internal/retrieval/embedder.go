package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/engine"
)

// Embedder wraps an Engine to generate text embeddings of a fixed size.
type Embedder struct {
	engine     engine.Engine
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// A positive dimensions rejects vectors of any other length. ratePerSecond
// bounds provider calls; zero or less means unlimited.
func NewEmbedder(e engine.Engine, model string, dimensions int, ratePerSecond float64) *Embedder {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = max(1, int(ratePerSecond))
	}
	return &Embedder{
		engine:     e,
		model:      model,
		dimensions: dimensions,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Embed returns the embedding vector for a single text. Every failure is a
// *chat.ProviderError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, chat.NewProviderError("embedding", "waiting for rate limiter", err)
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, chat.NewProviderError("embedding", "embedding text", err)
	}
	if len(vec) == 0 {
		return nil, chat.NewProviderError("embedding", "embedding text", fmt.Errorf("empty vector"))
	}
	if e.dimensions > 0 && len(vec) != e.dimensions {
		return nil, chat.NewProviderError("embedding", "embedding text",
			fmt.Errorf("got %d dimensions, want %d", len(vec), e.dimensions))
	}
	return vec, nil
}
