// Package chunker groups ordered message sequences into bounded,
// time/participant-coherent chunks for embedding and retrieval.
//
// All strategies share the same contract: every input message lands in
// exactly one chunk, in original timestamp order, and every emitted chunk
// holds at least MinMessages messages. The only exception is a conversation
// that is smaller than the minimum in total — it produces zero chunks.
package chunker

import (
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/chatrecall/pkg/types"
)

// Chunker chunks messages into semantic groups for embedding.
// The zero value is not usable; construct with New.
type Chunker struct {
	// TimeWindow is the session gap threshold for the time-window strategy.
	TimeWindow time.Duration

	// MaxMessages caps the number of messages per chunk.
	MaxMessages int

	// MinMessages is the minimum chunk size. Split points are only honored
	// once the accumulating chunk meets this bound.
	MinMessages int
}

// New creates a Chunker with the given bounds. Non-positive values fall back
// to the defaults (30 minutes, 50 max, 3 min).
func New(timeWindowMinutes, maxMessages, minMessages int) *Chunker {
	if timeWindowMinutes <= 0 {
		timeWindowMinutes = 30
	}
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if minMessages <= 0 {
		minMessages = 3
	}
	return &Chunker{
		TimeWindow:  time.Duration(timeWindowMinutes) * time.Minute,
		MaxMessages: maxMessages,
		MinMessages: minMessages,
	}
}

// Chunk dispatches to the strategy implementation for the given tag.
// StrategyAdaptive resolves to a concrete strategy based on the conversation
// shape before any chunk is built.
func (c *Chunker) Chunk(messages []types.Message, conv types.Conversation, strategy types.Strategy) ([]types.Chunk, error) {
	switch strategy {
	case types.StrategyAdaptive:
		return c.Adaptive(messages, conv), nil
	case types.StrategyTimeWindow:
		return c.ByTimeWindows(messages, conv), nil
	case types.StrategyDaily:
		return c.ByDailyGroups(messages, conv), nil
	case types.StrategyParticipant:
		return c.ByParticipants(messages, conv), nil
	default:
		return nil, fmt.Errorf("chunker: unknown strategy %q", strategy)
	}
}

// Adaptive chooses the best strategy for the conversation shape:
// one-to-one chats use time windows; high-volume group chats use daily groups
// to avoid an explosion of small chunks; everything else uses time windows.
func (c *Chunker) Adaptive(messages []types.Message, conv types.Conversation) []types.Chunk {
	if len(messages) == 0 {
		return nil
	}
	if len(conv.Participants) > 2 && len(messages) > 1000 {
		return c.ByDailyGroups(messages, conv)
	}
	return c.ByTimeWindows(messages, conv)
}

// ByTimeWindows groups messages into conversation sessions. A new chunk
// starts when the gap since the previous message exceeds TimeWindow or the
// chunk has reached MaxMessages — but only once the chunk-so-far meets
// MinMessages; otherwise accumulation continues past the boundary.
func (c *Chunker) ByTimeWindows(messages []types.Message, conv types.Conversation) []types.Chunk {
	return c.chunkBy(messages, conv, types.StrategyTimeWindow, func(current []types.Message, next types.Message) bool {
		gap := next.Date.Sub(current[len(current)-1].Date)
		return gap > c.TimeWindow || len(current) >= c.MaxMessages
	})
}

// ByDailyGroups groups messages by local calendar date.
func (c *Chunker) ByDailyGroups(messages []types.Message, conv types.Conversation) []types.Chunk {
	return c.chunkBy(messages, conv, types.StrategyDaily, func(current []types.Message, next types.Message) bool {
		last := current[len(current)-1].Date
		return !sameDay(last, next.Date) || len(current) >= c.MaxMessages
	})
}

// ByParticipants groups messages into speaker turns. A new chunk starts when
// the effective speaker changes from the immediately preceding message, or
// the size cap is reached.
func (c *Chunker) ByParticipants(messages []types.Message, conv types.Conversation) []types.Chunk {
	return c.chunkBy(messages, conv, types.StrategyParticipant, func(current []types.Message, next types.Message) bool {
		return current[len(current)-1].Speaker() != next.Speaker() || len(current) >= c.MaxMessages
	})
}

// chunkBy is the shared accumulation loop. shouldSplit is consulted before
// each message is appended; a split is honored only when the current group
// already meets MinMessages, so no strategy ever loses or duplicates a
// message. An undersized trailing group is merged backward into the previous
// chunk (rebuilding it so its ID, end time, text, and metadata stay
// consistent), or dropped when the whole conversation is undersized.
func (c *Chunker) chunkBy(messages []types.Message, conv types.Conversation, strategy types.Strategy, shouldSplit func(current []types.Message, next types.Message) bool) []types.Chunk {
	if len(messages) == 0 {
		return nil
	}

	var chunks []types.Chunk
	var current []types.Message

	for _, msg := range messages {
		if len(current) >= c.MinMessages && shouldSplit(current, msg) {
			chunks = append(chunks, c.newChunk(current, conv, strategy))
			current = nil
		}
		current = append(current, msg)
	}

	switch {
	case len(current) >= c.MinMessages:
		chunks = append(chunks, c.newChunk(current, conv, strategy))
	case len(chunks) > 0:
		// Merge the undersized tail into the previous chunk.
		merged := append(chunks[len(chunks)-1].Messages, current...)
		chunks[len(chunks)-1] = c.newChunk(merged, conv, strategy)
	}
	// No previous chunk: the conversation is smaller than the minimum and is
	// not worth indexing on its own.

	return chunks
}

// newChunk builds a Chunk from a non-empty message list. The message list
// being empty is a programming error, not a data condition.
func (c *Chunker) newChunk(messages []types.Message, conv types.Conversation, strategy types.Strategy) types.Chunk {
	if len(messages) == 0 {
		panic("chunker: cannot create chunk from empty message list")
	}

	start, end := messages[0].Date, messages[0].Date
	speakers := make(map[string]struct{})
	var totalLen int
	hasMedia := false

	for _, msg := range messages {
		if msg.Date.Before(start) {
			start = msg.Date
		}
		if msg.Date.After(end) {
			end = msg.Date
		}
		speakers[msg.Speaker()] = struct{}{}
		totalLen += len(msg.Text)
		if !hasMedia && messageHasMedia(msg) {
			hasMedia = true
		}
	}

	participants := make([]string, len(conv.Participants))
	copy(participants, conv.Participants)

	return types.Chunk{
		ID:             types.ChunkID(conv.ID, strategy, messages[0].ID, messages[len(messages)-1].ID),
		ConversationID: conv.ID,
		Messages:       messages,
		StartTime:      start,
		EndTime:        end,
		Participants:   participants,
		Text:           CombineText(messages),
		Strategy:       strategy,
		Metadata: types.ChunkMetadata{
			MessageCount:      len(messages),
			UniqueSenders:     len(speakers),
			HasMedia:          hasMedia,
			AvgMessageLength:  float64(totalLen) / float64(len(messages)),
			ConversationStyle: conv.Style,
			ConversationLabel: conv.Label(),
			Participants:      participants,
			StartTime:         start,
			EndTime:           end,
		},
	}
}

/// CombineText renders messages as newline-joined "[timestamp] sender: text"
// lines. Messages with empty text are skipped.
func CombineText(messages []types.Message) string {
	var b strings.Builder
	first := true

	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		sender := "Me"
		if !msg.FromMe {
			sender = msg.Speaker()
		}

		if !first {
			b.WriteByte('\n')
		}
		first = false

		b.WriteString(fmt.Sprintf("[%s] %s: %s", msg.Date.Format("2006-01-02 15:04"), sender, text))
	}

	return b.String()
}

// mediaMarkers are substring heuristics for messages that carry attachments.
// U+FFFC is the object replacement character Messages uses as a media
// placeholder.
var mediaMarkers = []string{
	"attachment:",
	"image:",
	"video:",
	"audio:",
	"￼",
	"shared a",
}

// messageHasMedia reports whether the message text looks like it references
// media.
func messageHasMedia(msg types.Message) bool {
	if msg.Text == "" {
		return false
	}
	lower := strings.ToLower(msg.Text)
	for _, marker := range mediaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// sameDay reports whether two timestamps fall on the same local calendar date.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
