package retrieval

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/chatcore/internal/chat"
)

const (
	// DefaultSearchLimit is the result count used when a caller passes no limit.
	DefaultSearchLimit = 10
	// DefaultSimilarThreshold is the minimum score FindSimilar keeps by default.
	DefaultSimilarThreshold float32 = 0.7
	// DefaultSuggestionLimit caps Suggestions when no limit is given.
	DefaultSuggestionLimit = 10

	minSuggestionPrefix = 2
)

// Store is the in-memory vector store over conversation messages. Search is
// a brute-force cosine scan over every document.
//
// Embedding calls run outside the store lock. Index re-validates state after
// each one so a conversation removed, reset or re-indexed mid-embed is never
// overwritten with older results.
type Store struct {
	cache     *EmbeddingCache
	persister Persister
	logger    *slog.Logger
	metrics   Metrics

	searchLimit      int
	similarThreshold float32

	// persistMu orders snapshot writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex

	mu   sync.RWMutex
	docs map[string]Document
	// generations is bumped per conversation by every Index and Remove call.
	// An Index keeps writing only while its own generation is the latest.
	generations map[string]uint64
	// epoch is bumped by Restore and invalidates every Index in flight.
	epoch uint64
}

// NewStore creates an empty store. persister may be nil, in which case state
// lives only in memory.
func NewStore(cache *EmbeddingCache, persister Persister) *Store {
	return &Store{
		cache:            cache,
		persister:        persister,
		logger:           slog.Default(),
		searchLimit:      DefaultSearchLimit,
		similarThreshold: DefaultSimilarThreshold,
		docs:             make(map[string]Document),
		generations:      make(map[string]uint64),
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetMetrics attaches a metrics sink.
func (s *Store) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetDefaults overrides the default search limit and similarity threshold.
// Non-positive values leave the current setting unchanged.
func (s *Store) SetDefaults(searchLimit int, similarThreshold float32) {
	if searchLimit > 0 {
		s.searchLimit = searchLimit
	}
	if similarThreshold > 0 {
		s.similarThreshold = similarThreshold
	}
}

// Index upserts one document per non-empty message of conv. Messages whose
// text is unchanged are skipped without touching the embedding provider.
// Documents of conv whose message no longer exists are removed.
//
// A failure to embed one message is logged and counted; the rest of the
// conversation is still indexed.
func (s *Store) Index(ctx context.Context, conv chat.Conversation) IndexReport {
	report := IndexReport{ConversationID: conv.ID}
	if conv.ID == "" {
		return report
	}

	s.mu.Lock()
	s.generations[conv.ID]++
	generation, epoch := s.generations[conv.ID], s.epoch
	s.mu.Unlock()
	current := func() bool {
		return s.epoch == epoch && s.generations[conv.ID] == generation
	}

	present := make(map[string]struct{}, len(conv.Messages))
	changed := false

	for _, msg := range conv.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		present[msg.ID] = struct{}{}
		id := DocumentID(conv.ID, msg.ID)
		hash := contentHash(msg.Content)

		s.mu.Lock()
		if !current() {
			s.mu.Unlock()
			report.Aborted = true
			break
		}
		existing, ok := s.docs[id]
		if ok && existing.ContentHash == hash {
			if existing.ConversationTitle != conv.Title {
				existing.ConversationTitle = conv.Title
				s.docs[id] = existing
				report.Retitled++
				changed = true
			} else {
				report.Skipped++
			}
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		vec, err := s.cache.GetOrCompute(ctx, msg.Content)
		if err != nil {
			s.logger.Warn("embedding message failed",
				"conversation_id", conv.ID,
				"message_id", msg.ID,
				"error", err,
			)
			report.Failed++
			continue
		}

		s.mu.Lock()
		if !current() {
			s.mu.Unlock()
			report.Aborted = true
			break
		}
		s.docs[id] = Document{
			ID:                id,
			ConversationID:    conv.ID,
			MessageID:         msg.ID,
			Text:              msg.Content,
			ContentHash:       hash,
			Embedding:         vec,
			CreatedAt:         msg.CreatedAt,
			Role:              msg.Role,
			ConversationTitle: conv.Title,
		}
		s.mu.Unlock()
		report.Indexed++
		changed = true
	}

	if !report.Aborted {
		s.mu.Lock()
		if current() {
			for id, doc := range s.docs {
				if doc.ConversationID != conv.ID {
					continue
				}
				if _, ok := present[doc.MessageID]; !ok {
					delete(s.docs, id)
					report.Removed++
					changed = true
				}
			}
		} else {
			report.Aborted = true
		}
		s.mu.Unlock()
	}

	if report.Aborted {
		s.logger.Info("conversation changed while indexing, dropping remaining results",
			"conversation_id", conv.ID)
	}
	if changed {
		s.persist()
	}
	s.logger.Debug("indexed conversation",
		"conversation_id", conv.ID,
		"indexed", report.Indexed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"removed", report.Removed,
	)
	return report
}

// Remove deletes every document of the conversation and returns how many
// were removed. Any Index of the same conversation still in flight discards
// its results.
func (s *Store) Remove(conversationID string) int {
	s.mu.Lock()
	s.generations[conversationID]++
	removed := 0
	for id, doc := range s.docs {
		if doc.ConversationID == conversationID {
			delete(s.docs, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.persist()
	}
	return removed
}

// Search embeds query and returns the limit best-scoring documents. Ties are
// broken by newer CreatedAt. An empty query returns nil.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.searchLimit
	}
	vec, err := s.cache.GetOrCompute(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.rank(vec, limit, nil), nil
}

// FindSimilar returns documents semantically close to text, excluding
// documents of opts.ExcludeConversationID, documents whose text equals text
// exactly, and scores below the threshold.
func (s *Store) FindSimilar(ctx context.Context, text string, opts SimilarOptions) ([]SearchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.searchLimit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.similarThreshold
	}
	vec, err := s.cache.GetOrCompute(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}

	results := s.rank(vec, limit, func(doc Document, score float32) bool {
		if opts.ExcludeConversationID != "" && doc.ConversationID == opts.ExcludeConversationID {
			return false
		}
		if doc.Text == text {
			return false
		}
		return threshold < 0 || score >= threshold
	})
	return results, nil
}

// rank scores every document against vec, keeps those accepted by keep (all
// when keep is nil) and returns the top limit.
func (s *Store) rank(vec []float32, limit int, keep func(Document, float32) bool) []SearchResult {
	qNorm := norm(vec)

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.docs))
	for _, doc := range s.docs {
		score := cosineWithNorm(vec, qNorm, doc.Embedding)
		if keep != nil && !keep(doc, score) {
			continue
		}
		results = append(results, SearchResult{
			ConversationID:    doc.ConversationID,
			MessageID:         doc.MessageID,
			Text:              doc.Text,
			Score:             score,
			ConversationTitle: doc.ConversationTitle,
			CreatedAt:         doc.CreatedAt,
		})
	}
	s.mu.RUnlock()

	slices.SortFunc(results, func(a, b SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		// Stable output for fully tied documents.
		return cmp.Or(
			cmp.Compare(a.ConversationID, b.ConversationID),
			cmp.Compare(a.MessageID, b.MessageID),
		)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Suggestions returns up to limit distinct lowercase tokens from indexed text
// that start with prefix, drawn from the most recent documents first.
// Prefixes shorter than two characters after trimming yield no suggestions.
func (s *Store) Suggestions(prefix string, limit int) []string {
	p := strings.ToLower(strings.TrimSpace(prefix))
	if utf8.RuneCountInString(p) < minSuggestionPrefix {
		return []string{}
	}
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}

	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	slices.SortFunc(docs, func(a, b Document) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	seen := make(map[string]struct{})
	out := []string{}
	for _, doc := range docs {
		for _, tok := range tokenize(doc.Text) {
			if !strings.HasPrefix(tok, p) {
				continue
			}
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

// Stats reports document count, cache size and an approximate memory
// footprint of both.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	var bytes int64
	for _, doc := range s.docs {
		bytes += int64(len(doc.ID) + len(doc.ConversationID) + len(doc.MessageID) +
			len(doc.Text) + len(doc.ContentHash) + len(doc.ConversationTitle) + len(doc.Role))
		bytes += int64(4 * len(doc.Embedding))
	}
	count := len(s.docs)
	s.mu.RUnlock()

	entries := s.cache.Entries()
	for _, e := range entries {
		bytes += int64(len(e.Text) + 4*len(e.Embedding))
	}
	return Stats{
		DocumentCount:      count,
		CacheSize:          len(entries),
		ApproxStorageBytes: bytes,
	}
}

// Documents returns copies of every document, ordered by id.
func (s *Store) Documents() []Document {
	s.mu.RLock()
	out := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		doc.Embedding = slices.Clone(doc.Embedding)
		out = append(out, doc)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Document) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Restore replaces the store contents with docs. Documents without an id are
// dropped; a missing content hash is recomputed. Every Index in flight
// discards its results.
func (s *Store) Restore(docs []Document) {
	s.mu.Lock()
	s.epoch++
	s.docs = make(map[string]Document, len(docs))
	for _, doc := range docs {
		if doc.ConversationID == "" || doc.MessageID == "" {
			continue
		}
		doc.ID = DocumentID(doc.ConversationID, doc.MessageID)
		if doc.ContentHash == "" {
			doc.ContentHash = contentHash(doc.Text)
		}
		s.docs[doc.ID] = doc
	}
	count := len(s.docs)
	s.mu.Unlock()
	s.reportCount(count)
}

// Flush writes the current documents and cache through the persister.
func (s *Store) Flush() {
	s.persist()
}

func (s *Store) persist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	docs := s.Documents()
	s.reportCount(len(docs))
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveDocuments(docs); err != nil {
		s.logger.Error("saving documents failed", "error", err)
	}
	if err := s.persister.SaveEmbeddingCache(s.cache.Entries()); err != nil {
		s.logger.Error("saving embedding cache failed", "error", err)
	}
}

func (s *Store) reportCount(n int) {
	if s.metrics != nil {
		s.metrics.SetDocumentCount(n)
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// tokenize splits text into lowercase runs of letters and digits.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
