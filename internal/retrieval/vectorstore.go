package retrieval

import (
	"context"
	"strconv"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
)

// Document is one indexed (message, embedding) pair. Documents are owned by
// the Store and handed out only as copies.
type Document struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	MessageID         string    `json:"message_id"`
	Text              string    `json:"text"`
	ContentHash       string    `json:"content_hash"`
	Embedding         []float32 `json:"embedding"`
	CreatedAt         time.Time `json:"created_at"`
	Role              chat.Role `json:"role"`
	ConversationTitle string    `json:"conversation_title"`
}

// SearchResult is a read-only projection of a scored Document.
type SearchResult struct {
	ConversationID    string    `json:"conversation_id"`
	MessageID         string    `json:"message_id"`
	Text              string    `json:"text"`
	Score             float32   `json:"score"`
	ConversationTitle string    `json:"conversation_title"`
	CreatedAt         time.Time `json:"created_at"`
}

// Stats summarizes the store's footprint.
type Stats struct {
	DocumentCount      int   `json:"document_count"`
	CacheSize          int   `json:"cache_size"`
	ApproxStorageBytes int64 `json:"approx_storage_bytes"`
}

// IndexReport describes what one Index call did. Failed counts messages whose
// embedding could not be obtained; they stay unsearchable until a later
// re-index succeeds.
type IndexReport struct {
	ConversationID string `json:"conversation_id"`
	Indexed        int    `json:"indexed"`
	Skipped        int    `json:"skipped"`
	Retitled       int    `json:"retitled"`
	Failed         int    `json:"failed"`
	Removed        int    `json:"removed"`
	// Aborted reports that the conversation was removed, reset or re-indexed
	// by a newer call while this one ran; its remaining results were dropped.
	Aborted bool `json:"aborted"`
}

// SimilarOptions tunes FindSimilar.
type SimilarOptions struct {
	// ExcludeConversationID drops every document from this conversation.
	ExcludeConversationID string
	Limit                 int
	// Threshold is the minimum score kept. Zero selects DefaultSimilarThreshold;
	// a negative value keeps everything.
	Threshold float32
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Persister receives snapshots of the store's state after every change.
type Persister interface {
	SaveDocuments(docs []Document) error
	SaveEmbeddingCache(entries []CacheEntry) error
}

// Metrics receives index and cache events. All methods must be safe for
// concurrent use.
type Metrics interface {
	CacheHit()
	CacheMiss()
	SetDocumentCount(n int)
}

// DocumentID builds the composite document id for a conversation message.
// The conversation id is length-prefixed so distinct pairs never share an id
// even when either part contains a colon.
func DocumentID(conversationID, messageID string) string {
	return strconv.Itoa(len(conversationID)) + ":" + conversationID + ":" + messageID
}
