// Package app wires the embedding cache, vector store, sync queue and their
// snapshot into one explicitly constructed unit with a start and stop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatcore/internal/api"
	"github.com/kalambet/chatcore/internal/config"
	"github.com/kalambet/chatcore/internal/engine"
	"github.com/kalambet/chatcore/internal/metrics"
	"github.com/kalambet/chatcore/internal/netmon"
	"github.com/kalambet/chatcore/internal/proxy"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/snapshot"
	"github.com/kalambet/chatcore/internal/storage"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

// Options overrides the collaborators Open would otherwise build from Config.
type Options struct {
	Config config.Config

	// Engine produces embeddings. Nil selects the configured Ollama backend.
	Engine engine.Engine
	// Deliverer sends queued messages. Nil selects the OpenRouter client.
	Deliverer syncqueue.Deliverer
	// Checker probes reachability. When nil and Deliverer is also nil, the
	// OpenRouter client is used; otherwise probing is off and state changes
	// only through Monitor.Report.
	Checker netmon.Checker
	// Clock is passed to the queue. Nil means wall time.
	Clock syncqueue.Clock

	Logger *slog.Logger
}

// App owns every long-lived component. Build it with Open and release it
// with Close.
type App struct {
	Config   config.Config
	Storage  *storage.Store
	Snapshot *snapshot.Snapshot
	Cache    *retrieval.EmbeddingCache
	Store    *retrieval.Store
	Queue    *syncqueue.Queue
	Monitor  *netmon.Monitor
	Metrics  *metrics.Metrics

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// Open builds all components and restores their state from the snapshot in
// the configured data directory. The queue starts offline; it goes online on
// the first successful probe or report.
func Open(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	snap := snapshot.New(kv)
	snap.SetLogger(logger)
	m := metrics.New()

	eng := opts.Engine
	if eng == nil {
		eng, err = engine.Detect(engine.DetectConfig{
			OllamaBaseURL:   cfg.Ollama.BaseURL,
			EmbedDimensions: cfg.Ollama.EmbedDimensions,
		})
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("detecting embedding engine: %w", err)
		}
	}
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Ollama.EmbedDimensions, cfg.Ollama.EmbedRateLimit)

	cache := retrieval.NewEmbeddingCache(embedder, cfg.Index.CacheCapacity)
	cache.SetMetrics(m)
	store := retrieval.NewStore(cache, snap)
	store.SetLogger(logger)
	store.SetMetrics(m)
	store.SetDefaults(cfg.Index.SearchLimit, float32(cfg.Index.SimilarThreshold))

	deliverer, checker := opts.Deliverer, opts.Checker
	if deliverer == nil {
		client := proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.DefaultModel, cfg.Proxy.BaseURL)
		deliverer = client
		if checker == nil {
			checker = client
		}
	}

	maxRetries := uint(0)
	if cfg.Queue.MaxRetries > 0 {
		maxRetries = uint(cfg.Queue.MaxRetries)
	}
	queue := syncqueue.New(deliverer, snap, syncqueue.Options{
		MaxRetries:      maxRetries,
		SyncInterval:    cfg.Queue.SyncInterval,
		DeliveryTimeout: cfg.Queue.DeliveryTimeout,
		Logger:          logger,
		Clock:           opts.Clock,
		Metrics:         m,
	})

	if err := snap.RestoreStore(store, cache); err != nil {
		kv.Close()
		return nil, fmt.Errorf("restoring vector store: %w", err)
	}
	if err := snap.RestoreQueue(queue); err != nil {
		kv.Close()
		return nil, fmt.Errorf("restoring sync queue: %w", err)
	}

	monitor := netmon.New(checker, cfg.Queue.ProbeInterval)
	monitor.SetLogger(logger)
	monitor.OnChange(queue.SetNetworkState)

	st := queue.Status()
	logger.Info("state restored",
		"documents", store.Stats().DocumentCount,
		"cache_entries", cache.Len(),
		"pending", st.PendingCount,
		"failed", st.FailedCount,
	)

	return &App{
		Config:   cfg,
		Storage:  kv,
		Snapshot: snap,
		Cache:    cache,
		Store:    store,
		Queue:    queue,
		Monitor:  monitor,
		Metrics:  m,
		logger:   logger,
	}, nil
}

// Start runs the periodic sync loop and the reachability monitor until ctx
// is cancelled or Close is called. Calling Start more than once is a no-op.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Queue.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Monitor.Run(ctx)
	}()
}

// Handler returns the HTTP API backed by this app.
func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Deps{
		Index:   a.Store,
		Queue:   a.Queue,
		Network: a.Monitor,
		Metrics: a.Metrics.Handler(),
		Logger:  a.logger,
	})
}

// MCPServer returns an MCP server backed by this app.
func (a *App) MCPServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{Index: a.Store, Queue: a.Queue})
}

// Reset discards all indexed documents, cached embeddings and queued
// messages, in memory and on disk.
func (a *App) Reset() error {
	a.Store.Restore(nil)
	a.Cache.Restore(nil)
	a.Queue.Restore(nil, syncqueue.Meta{})
	if err := a.Snapshot.Reset(); err != nil {
		return fmt.Errorf("resetting snapshot: %w", err)
	}
	return nil
}

// Close stops background work, waits for in-flight sync passes, writes the
// final state and closes storage.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.Queue.Close()
	a.Store.Flush()

	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("closing storage: %w", err)
	}
	return nil
}
