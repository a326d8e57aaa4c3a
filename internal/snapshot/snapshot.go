package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/storage"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

// Snapshot keys.
const (
	KeyDocuments      = "vectorstore/documents"
	KeyEmbeddingCache = "vectorstore/embedding_cache"
	KeyQueueItems     = "syncqueue/items"
	KeyQueueMeta      = "syncqueue/meta"
)

// formatVersion is written into every envelope. Data with any other version
// is rejected as a SerializationError.
const formatVersion = 1

// keyPrefixes namespace every key a Snapshot owns.
var keyPrefixes = []string{"vectorstore/", "syncqueue/"}

// KV is the byte-string store snapshots are written to. Get returns
// storage.ErrNotFound for a missing key.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
}

// Compile-time checks that Snapshot persists both stores.
var (
	_ retrieval.Persister = (*Snapshot)(nil)
	_ syncqueue.Persister = (*Snapshot)(nil)
)

// Snapshot saves and loads vector store and sync queue state as versioned
// JSON documents in a KV store. Each key is written whole; there is no
// atomicity across keys.
type Snapshot struct {
	kv     KV
	logger *slog.Logger
}

// New creates a Snapshot over kv.
func New(kv KV) *Snapshot {
	return &Snapshot{kv: kv, logger: slog.Default()}
}

// SetLogger replaces the snapshot's logger.
func (s *Snapshot) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type documentRecord struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	MessageID         string    `json:"message_id"`
	Text              string    `json:"text"`
	ContentHash       string    `json:"content_hash"`
	Embedding         []byte    `json:"embedding"`
	CreatedAt         time.Time `json:"created_at"`
	Role              chat.Role `json:"role"`
	ConversationTitle string    `json:"conversation_title"`
}

type cacheRecord struct {
	Text      string `json:"text"`
	Embedding []byte `json:"embedding"`
}

// SaveDocuments writes the vector store documents.
func (s *Snapshot) SaveDocuments(docs []retrieval.Document) error {
	records := make([]documentRecord, len(docs))
	for i, d := range docs {
		records[i] = documentRecord{
			ID:                d.ID,
			ConversationID:    d.ConversationID,
			MessageID:         d.MessageID,
			Text:              d.Text,
			ContentHash:       d.ContentHash,
			Embedding:         encodeFloat32s(d.Embedding),
			CreatedAt:         d.CreatedAt,
			Role:              d.Role,
			ConversationTitle: d.ConversationTitle,
		}
	}
	return s.save(KeyDocuments, records)
}

// SaveEmbeddingCache writes the embedding cache entries in insertion order.
func (s *Snapshot) SaveEmbeddingCache(entries []retrieval.CacheEntry) error {
	records := make([]cacheRecord, len(entries))
	for i, e := range entries {
		records[i] = cacheRecord{Text: e.Text, Embedding: encodeFloat32s(e.Embedding)}
	}
	return s.save(KeyEmbeddingCache, records)
}

// SaveItems writes the queue items.
func (s *Snapshot) SaveItems(items []syncqueue.Item) error {
	return s.save(KeyQueueItems, items)
}

// SaveMeta writes the queue metadata.
func (s *Snapshot) SaveMeta(meta syncqueue.Meta) error {
	return s.save(KeyQueueMeta, meta)
}

// LoadDocuments reads the vector store documents. A missing key yields no
// documents and no error.
func (s *Snapshot) LoadDocuments() ([]retrieval.Document, error) {
	var records []documentRecord
	if err := s.load(KeyDocuments, &records); err != nil {
		return nil, err
	}
	docs := make([]retrieval.Document, 0, len(records))
	for _, r := range records {
		vec, err := decodeFloat32s(r.Embedding)
		if err != nil {
			return nil, &SerializationError{Key: KeyDocuments, Err: fmt.Errorf("document %s: %w", r.ID, err)}
		}
		docs = append(docs, retrieval.Document{
			ID:                r.ID,
			ConversationID:    r.ConversationID,
			MessageID:         r.MessageID,
			Text:              r.Text,
			ContentHash:       r.ContentHash,
			Embedding:         vec,
			CreatedAt:         r.CreatedAt,
			Role:              r.Role,
			ConversationTitle: r.ConversationTitle,
		})
	}
	return docs, nil
}

// LoadEmbeddingCache reads the embedding cache entries.
func (s *Snapshot) LoadEmbeddingCache() ([]retrieval.CacheEntry, error) {
	var records []cacheRecord
	if err := s.load(KeyEmbeddingCache, &records); err != nil {
		return nil, err
	}
	entries := make([]retrieval.CacheEntry, 0, len(records))
	for _, r := range records {
		vec, err := decodeFloat32s(r.Embedding)
		if err != nil {
			return nil, &SerializationError{Key: KeyEmbeddingCache, Err: err}
		}
		entries = append(entries, retrieval.CacheEntry{Text: r.Text, Embedding: vec})
	}
	return entries, nil
}

// LoadItems reads the queue items.
func (s *Snapshot) LoadItems() ([]syncqueue.Item, error) {
	var items []syncqueue.Item
	if err := s.load(KeyQueueItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// LoadMeta reads the queue metadata.
func (s *Snapshot) LoadMeta() (syncqueue.Meta, error) {
	var meta syncqueue.Meta
	if err := s.load(KeyQueueMeta, &meta); err != nil {
		return syncqueue.Meta{}, err
	}
	return meta, nil
}

// RestoreStore loads documents and cache entries into store. Corrupt data is
// logged and replaced by empty state; only storage failures are returned.
func (s *Snapshot) RestoreStore(store *retrieval.Store, cache *retrieval.EmbeddingCache) error {
	entries, err := s.LoadEmbeddingCache()
	if err := s.recoverable(err); err != nil {
		return err
	}
	docs, err := s.LoadDocuments()
	if err := s.recoverable(err); err != nil {
		return err
	}
	cache.Restore(entries)
	store.Restore(docs)
	s.logger.Debug("vector store restored", "documents", len(docs), "cache_entries", len(entries))
	return nil
}

// RestoreQueue loads items and metadata into q. Corrupt data is logged and
// replaced by empty state; only storage failures are returned.
func (s *Snapshot) RestoreQueue(q *syncqueue.Queue) error {
	items, err := s.LoadItems()
	if err := s.recoverable(err); err != nil {
		return err
	}
	meta, err := s.LoadMeta()
	if err := s.recoverable(err); err != nil {
		return err
	}
	q.Restore(items, meta)
	s.logger.Debug("sync queue restored", "items", len(items))
	return nil
}

// Reset removes every key under the snapshot namespaces, including keys
// left by older formats.
func (s *Snapshot) Reset() error {
	for _, prefix := range keyPrefixes {
		keys, err := s.kv.Keys(prefix)
		if err != nil {
			return fmt.Errorf("listing %s keys: %w", prefix, err)
		}
		for _, key := range keys {
			if err := s.kv.Remove(key); err != nil {
				return fmt.Errorf("removing %s: %w", key, err)
			}
		}
	}
	return nil
}

// recoverable logs and clears a SerializationError, passing other errors through.
func (s *Snapshot) recoverable(err error) error {
	if IsSerializationError(err) {
		s.logger.Warn("discarding unreadable snapshot", "error", err)
		return nil
	}
	return err
}

func (s *Snapshot) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Version: formatVersion, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", key, err)
	}
	if err := s.kv.Set(key, raw); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// load decodes key into v. A missing key leaves v untouched.
func (s *Snapshot) load(key string, v any) error {
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &SerializationError{Key: key, Err: err}
	}
	if env.Version != formatVersion {
		return &SerializationError{Key: key, Err: fmt.Errorf("unsupported version %d", env.Version)}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &SerializationError{Key: key, Err: err}
	}
	return nil
}
