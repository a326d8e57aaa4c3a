package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/chatcore/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client     *ollama.Client
	dimensions int
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
// A positive dimensions is forwarded with every embed request.
func NewOllamaEngine(baseURL string, dimensions int) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), dimensions: dimensions}
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text, e.dimensions)
	if ollama.IsModelMissing(err) {
		return nil, fmt.Errorf("%w (pull it with `ollama pull %s`)", err, model)
	}
	return vec, err
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
