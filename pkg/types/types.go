// Package types defines the core data structures for the chatrecall system:
// messages and conversations read from the source database, the chunks derived
// from them, and the chat turns exchanged with a language model.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SenderSelf is the sentinel speaker identity for messages sent by the
// database owner. chat.db stores these with is_from_me=1 and no handle.
const SenderSelf = "me"

// ConversationStyle distinguishes one-to-one chats from group chats.
type ConversationStyle string

const (
	// StyleDirect is a one-to-one (or self) conversation.
	StyleDirect ConversationStyle = "direct"

	// StyleGroup is a conversation with more than two participants.
	StyleGroup ConversationStyle = "group"
)

// chat.db style codes: 43 = group chat, 45 = 1:1.
const (
	styleCodeGroup  = 43
	styleCodeDirect = 45
)

// StyleFromCode maps a chat.db chat.style value to a ConversationStyle.
// Unknown codes are treated as direct.
func StyleFromCode(code int) ConversationStyle {
	if code == styleCodeGroup {
		return StyleGroup
	}
	return StyleDirect
}

// Strategy identifies the chunking strategy that produced a chunk.
type Strategy string

const (
	// StrategyTimeWindow groups messages into conversation sessions separated
	// by gaps longer than the configured time window.
	StrategyTimeWindow Strategy = "conversation_window"

	// StrategyDaily groups messages by calendar date.
	StrategyDaily Strategy = "daily_group"

	// StrategyParticipant groups messages by speaker turns.
	StrategyParticipant Strategy = "participant_turn"

	// StrategyAdaptive selects one of the concrete strategies per conversation
	// based on its shape. Chunks never carry this tag; it resolves to one of
	// the strategies above before chunk construction.
	StrategyAdaptive Strategy = "adaptive"
)

// Message is a single immutable message record from the source database.
type Message struct {
	// ID is the message ROWID, unique and monotonically increasing within the
	// source database.
	ID int64

	// Text is the message body. Records with empty text are filtered out by
	// the source adapter before they reach the core.
	Text string

	// Date is the timezone-normalized absolute timestamp.
	Date time.Time

	// FromMe reports whether the database owner sent the message.
	FromMe bool

	// SenderID is the handle (phone number or email) of the sender.
	// Empty for messages sent by the owner.
	SenderID string

	// ConversationID is the owning conversation's ROWID.
	ConversationID int64

	// GUID is the globally unique message identifier from the source database.
	GUID string

	// Service is the transport tag, e.g. "iMessage" or "SMS".
	Service string
}

// Speaker returns the effective speaker identity: SenderSelf for the owner's
// messages, otherwise the sender handle.
func (m Message) Speaker() string {
	if m.FromMe {
		return SenderSelf
	}
	if m.SenderID == "" {
		return "unknown"
	}
	return m.SenderID
}

// Conversation is a chat thread (1:1 or group) from the source database.
// The participants list is stable for the life of a conversation and is used
// to choose the chunking strategy.
type Conversation struct {
	ID           int64
	GUID         string
	Style        ConversationStyle
	DisplayName  string
	Participants []string
}

// Label returns a short human-readable name for the conversation: the display
// name when set, otherwise up to the first three participant handles joined.
func (c Conversation) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	n := len(c.Participants)
	if n == 0 {
		return fmt.Sprintf("chat %d", c.ID)
	}
	if n > 3 {
		n = 3
	}
	return strings.Join(c.Participants[:n], ", ")
}

// ChunkMetadata is the closed set of per-chunk attributes consumed downstream.
// Anything a vector-store backend attaches beyond these lands in Extra.
type ChunkMetadata struct {
	MessageCount      int               `json:"message_count"`
	UniqueSenders     int               `json:"unique_senders"`
	HasMedia          bool              `json:"has_media"`
	AvgMessageLength  float64           `json:"avg_message_length"`
	ConversationStyle ConversationStyle `json:"conversation_style"`
	ConversationLabel string            `json:"conversation_label"`
	Participants      []string          `json:"participants,omitempty"`
	StartTime         time.Time         `json:"start_time,omitempty"`
	EndTime           time.Time         `json:"end_time,omitempty"`

	// Extra carries backend-specific passthrough fields. Never consulted by
	// the core.
	Extra map[string]string `json:"extra,omitempty"`
}

// Chunk is a bounded, time/participant-coherent group of messages treated as
// one retrievable unit. Chunks are immutable once created.
type Chunk struct {
	// ID is deterministically derived from the conversation ID, strategy tag,
	// and first/last message IDs, so re-chunking identical input yields
	// identical IDs.
	ID string

	ConversationID int64

	// Messages are the contributing messages in original timestamp order.
	Messages []Message

	StartTime time.Time
	EndTime   time.Time

	// Participants is copied from the owning conversation.
	Participants []string

	// Text is the combined "[timestamp] sender: text" rendering used for
	// embedding and context assembly.
	Text string

	Strategy Strategy
	Metadata ChunkMetadata
}

// ChunkID builds the deterministic chunk identifier.
func ChunkID(conversationID int64, strategy Strategy, firstMsgID, lastMsgID int64) string {
	return fmt.Sprintf("chat_%d_%s_%d_%d", conversationID, strategy, firstMsgID, lastMsgID)
}

// EmbeddingRecord is the result of embedding one chunk's text.
type EmbeddingRecord struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`

	// TextHash is the content hash of the embedded text. It is the cache key
	// component that guarantees a cached vector is never returned for text
	// that has changed, even under chunk ID reuse.
	TextHash string `json:"text_hash"`
}

// Role is a chat turn role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is a single turn in a chat session with the language model.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SourceStats summarizes the source message database.
type SourceStats struct {
	TotalMessages      int `json:"total_messages"`
	TotalConversations int `json:"total_conversations"`
	TotalHandles       int `json:"total_handles"`
	MessagesFromMe     int `json:"messages_from_me"`
	MessagesFromOthers int `json:"messages_from_others"`
}
