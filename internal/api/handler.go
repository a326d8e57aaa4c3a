package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Index is the vector store surface the API exposes.
type Index interface {
	Index(ctx context.Context, conv chat.Conversation) retrieval.IndexReport
	Remove(conversationID string) int
	Search(ctx context.Context, query string, limit int) ([]retrieval.SearchResult, error)
	FindSimilar(ctx context.Context, text string, opts retrieval.SimilarOptions) ([]retrieval.SearchResult, error)
	Suggestions(prefix string, limit int) []string
	Stats() retrieval.Stats
}

// Queue is the sync queue surface the API exposes.
type Queue interface {
	Enqueue(conversationID string, msg chat.Message) (syncqueue.Item, error)
	Items() []syncqueue.Item
	Status() syncqueue.Status
	RetryFailed() int
	ClearFailed() int
	Subscribe(fn func(syncqueue.Status)) (unsubscribe func())
}

// NetworkReporter accepts reachability reports from the UI layer.
type NetworkReporter interface {
	Report(online bool)
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Index   Index
	Queue   Queue
	Network NetworkReporter
	Metrics http.Handler // optional; /metrics is not mounted when nil
	Logger  *slog.Logger
}

// NewHandler returns the local HTTP API used by the chat UI.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Post("/conversations", handleIndexConversation(deps))
	r.Delete("/conversations/{id}", handleRemoveConversation(deps))
	r.Get("/search", handleSearch(deps))
	r.Get("/similar", handleSimilar(deps))
	r.Get("/suggestions", handleSuggestions(deps))
	r.Get("/stats", handleStats(deps))

	r.Post("/queue", handleEnqueue(deps))
	r.Get("/queue", handleListQueue(deps))
	r.Get("/queue/status", handleQueueStatus(deps))
	r.Post("/queue/retry", handleRetryFailed(deps))
	r.Post("/queue/clear", handleClearFailed(deps))
	r.Get("/queue/events", handleQueueEvents(deps))
	r.Put("/network", handleNetwork(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIndexConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var conv chat.Conversation
		if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if conv.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}

		report := deps.Index.Index(r.Context(), conv)
		writeJSON(w, http.StatusOK, report)
	}
}

func handleRemoveConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		removed := deps.Index.Remove(id)
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 0, 100)

		results, err := deps.Index.Search(r.Context(), query, limit)
		if err != nil {
			providerError(w, "search failed", err)
			return
		}
		if results == nil {
			results = []retrieval.SearchResult{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleSimilar(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		if text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		opts := retrieval.SimilarOptions{
			ExcludeConversationID: r.URL.Query().Get("exclude"),
			Limit:                 parseIntParam(r, "limit", 0, 100),
		}
		if s := r.URL.Query().Get("threshold"); s != "" {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid threshold %q", s)
				return
			}
			opts.Threshold = float32(v)
		}

		results, err := deps.Index.FindSimilar(r.Context(), text, opts)
		if err != nil {
			providerError(w, "finding similar messages failed", err)
			return
		}
		if results == nil {
			results = []retrieval.SearchResult{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleSuggestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		limit := parseIntParam(r, "limit", 0, 100)
		writeJSON(w, http.StatusOK, deps.Index.Suggestions(prefix, limit))
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Index.Stats())
	}
}

// EnqueueRequest is the body of POST /queue.
type EnqueueRequest struct {
	ConversationID string       `json:"conversation_id"`
	Message        chat.Message `json:"message"`
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message content is required")
			return
		}
		if req.Message.Role != "" && !req.Message.Role.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown role %q", req.Message.Role)
			return
		}

		item, err := deps.Queue.Enqueue(req.ConversationID, req.Message)
		if errors.Is(err, syncqueue.ErrMissingConversation) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, item)
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := deps.Queue.Items()
		if items == nil {
			items = []syncqueue.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Queue.Status())
	}
}

func handleRetryFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Queue.RetryFailed()
		writeJSON(w, http.StatusOK, map[string]int{"retried": n})
	}
}

func handleClearFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Queue.ClearFailed()
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

// NetworkRequest is the body of PUT /network.
type NetworkRequest struct {
	Online *bool `json:"online"`
}

func handleNetwork(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req NetworkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		if deps.Network == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "network reporting is not available")
			return
		}

		deps.Network.Report(*req.Online)
		writeJSON(w, http.StatusOK, deps.Queue.Status())
	}
}

// providerError maps failures of the embedding provider to 502 and anything
// else to 500.
func providerError(w http.ResponseWriter, msg string, err error) {
	if chat.IsProviderError(err) {
		httpError(w, http.StatusBadGateway, "provider_error", "%s: %v", msg, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
