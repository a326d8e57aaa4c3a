package syncqueue

import (
	"context"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
)

// ItemStatus is the lifecycle state of a queued message.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusSyncing ItemStatus = "syncing"
	StatusFailed  ItemStatus = "failed"
)

// Item is one outbound message awaiting delivery.
type Item struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Payload        chat.Message `json:"payload"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
	RetryCount     uint         `json:"retry_count"`
	Status         ItemStatus   `json:"status"`
	LastError      string       `json:"last_error,omitempty"`
}

// Status is the queue summary shown to the user. It is derived on demand
// and never stored.
type Status struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	// PendingCount includes items currently being delivered.
	PendingCount int  `json:"pending_count"`
	FailedCount  int  `json:"failed_count"`
	IsOnline     bool `json:"is_online"`
	IsSyncing    bool `json:"is_syncing"`
}

// Meta is the queue state persisted alongside the items.
type Meta struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Deliverer sends one message to the remote service.
type Deliverer interface {
	Deliver(ctx context.Context, msg chat.OutboundMessage) (chat.Ack, error)
}

// Persister stores the queue after every state change.
type Persister interface {
	SaveItems(items []Item) error
	SaveMeta(meta Meta) error
}

// Metrics receives queue events. All methods must be safe for concurrent use.
type Metrics interface {
	DeliveryAttempt(outcome string)
	SyncPass()
	SetQueueDepth(pending, failed int)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
