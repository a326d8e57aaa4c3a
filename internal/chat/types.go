package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single chat message as the UI layer sees it.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered thread of messages under a title.
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// OutboundMessage is what the delivery provider receives for one queued item.
type OutboundMessage struct {
	ConversationID string
	Message        Message
}

// Ack is the delivery provider's confirmation of a delivered message.
type Ack struct {
	ID    string
	Reply string
}
