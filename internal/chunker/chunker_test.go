package chunker

import (
	"strings"
	"testing"
	"time"

	"github.com/scrypster/chatrecall/pkg/types"
)

var testBase = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

// makeMessages builds n messages spaced by gap, alternating speakers when
// senders has more than one entry.
func makeMessages(n int, gap time.Duration, senders ...string) []types.Message {
	if len(senders) == 0 {
		senders = []string{"me"}
	}
	msgs := make([]types.Message, n)
	for i := 0; i < n; i++ {
		sender := senders[i%len(senders)]
		msgs[i] = types.Message{
			ID:             int64(i + 1),
			Text:           "message body " + string(rune('a'+i%26)),
			Date:           testBase.Add(time.Duration(i) * gap),
			FromMe:         sender == types.SenderSelf,
			ConversationID: 1,
		}
		if !msgs[i].FromMe {
			msgs[i].SenderID = sender
		}
	}
	return msgs
}

var testConv = types.Conversation{
	ID:           1,
	GUID:         "chat-guid-1",
	Style:        types.StyleDirect,
	Participants: []string{"+15551234567"},
}

// TestByTimeWindows_SingleSession verifies that 3 messages 1 minute apart
// produce exactly one chunk spanning the first and last timestamps.
func TestByTimeWindows_SingleSession(t *testing.T) {
	c := New(30, 50, 3)
	msgs := makeMessages(3, time.Minute, types.SenderSelf, "+15551234567")

	chunks := c.ByTimeWindows(msgs, testConv)
	if len(chunks) != 1 {
		t.Fatalf("ByTimeWindows: expected 1 chunk, got %d", len(chunks))
	}

	chunk := chunks[0]
	if len(chunk.Messages) != 3 {
		t.Errorf("expected 3 messages in chunk, got %d", len(chunk.Messages))
	}
	if !chunk.StartTime.Equal(msgs[0].Date) {
		t.Errorf("StartTime = %v, want %v", chunk.StartTime, msgs[0].Date)
	}
	if !chunk.EndTime.Equal(msgs[2].Date) {
		t.Errorf("EndTime = %v, want %v", chunk.EndTime, msgs[2].Date)
	}
	if chunk.Strategy != types.StrategyTimeWindow {
		t.Errorf("Strategy = %q, want %q", chunk.Strategy, types.StrategyTimeWindow)
	}
}

// TestByTimeWindows_GapSplits verifies that a gap longer than the window
// starts a new chunk once the minimum size is met.
func TestByTimeWindows_GapSplits(t *testing.T) {
	c := New(30, 50, 3)

	msgs := makeMessages(6, time.Minute)
	// Push the last three messages two hours later.
	for i := 3; i < 6; i++ {
		msgs[i].Date = msgs[i].Date.Add(2 * time.Hour)
	}

	chunks := c.ByTimeWindows(msgs, testConv)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks across a 2h gap, got %d", len(chunks))
	}
	if len(chunks[0].Messages) != 3 || len(chunks[1].Messages) != 3 {
		t.Errorf("expected 3+3 split, got %d+%d", len(chunks[0].Messages), len(chunks[1].Messages))
	}
}

// TestByTimeWindows_MinSizeOverridesGap verifies that a split point is
// ignored while the accumulating chunk is still below the minimum.
func TestByTimeWindows_MinSizeOverridesGap(t *testing.T) {
	c := New(30, 50, 3)

	msgs := makeMessages(4, time.Minute)
	// Gap after the second message: too early to split with min=3.
	msgs[2].Date = msgs[1].Date.Add(3 * time.Hour)
	msgs[3].Date = msgs[2].Date.Add(time.Minute)

	chunks := c.ByTimeWindows(msgs, testConv)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk (split suppressed below minimum), got %d", len(chunks))
	}
	if len(chunks[0].Messages) != 4 {
		t.Errorf("expected all 4 messages in the chunk, got %d", len(chunks[0].Messages))
	}
}

// TestByTimeWindows_MaxMessagesCaps verifies the per-chunk size cap.
func TestByTimeWindows_MaxMessagesCaps(t *testing.T) {
	c := New(30, 5, 2)

	chunks := c.ByTimeWindows(makeMessages(12, time.Minute), testConv)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks of at most 5 messages, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk.Messages) > 5 {
			t.Errorf("chunk %d has %d messages, cap is 5", i, len(chunk.Messages))
		}
	}
}

// TestByParticipants_SpeakerTurns verifies the two-senders example: two
// messages from one speaker then one from another yield two chunks.
func TestByParticipants_SpeakerTurns(t *testing.T) {
	c := New(30, 50, 1)

	msgs := []types.Message{
		{ID: 1, Text: "hey", Date: testBase, FromMe: true},
		{ID: 2, Text: "you around?", Date: testBase.Add(time.Minute), FromMe: true},
		{ID: 3, Text: "yeah what's up", Date: testBase.Add(2 * time.Minute), SenderID: "+15551234567"},
	}

	chunks := c.ByParticipants(msgs, testConv)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 speaker-turn chunks, got %d", len(chunks))
	}
	if len(chunks[0].Messages) != 2 {
		t.Errorf("first turn: expected 2 messages, got %d", len(chunks[0].Messages))
	}
	if len(chunks[1].Messages) != 1 {
		t.Errorf("second turn: expected 1 message, got %d", len(chunks[1].Messages))
	}
}

// TestByDailyGroups_SplitsOnDate verifies messages on different calendar
// days land in different chunks.
func TestByDailyGroups_SplitsOnDate(t *testing.T) {
	c := New(30, 50, 2)

	msgs := makeMessages(4, time.Minute)
	msgs[2].Date = testBase.AddDate(0, 0, 1)
	msgs[3].Date = msgs[2].Date.Add(time.Minute)

	chunks := c.ByDailyGroups(msgs, testConv)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 daily chunks, got %d", len(chunks))
	}
	if chunks[0].Strategy != types.StrategyDaily {
		t.Errorf("Strategy = %q, want %q", chunks[0].Strategy, types.StrategyDaily)
	}
}

// TestChunkBy_UndersizedTailMergesBack verifies that a trailing group below
// the minimum merges into the previous chunk and the merged chunk's ID and
// bounds are rebuilt.
func TestChunkBy_UndersizedTailMergesBack(t *testing.T) {
	c := New(30, 50, 3)

	msgs := makeMessages(5, time.Minute)
	// Gap before the last two messages: they form an undersized tail.
	msgs[3].Date = msgs[2].Date.Add(2 * time.Hour)
	msgs[4].Date = msgs[3].Date.Add(time.Minute)

	chunks := c.ByTimeWindows(msgs, testConv)
	if len(chunks) != 1 {
		t.Fatalf("expected the tail merged into 1 chunk, got %d", len(chunks))
	}

	chunk := chunks[0]
	if len(chunk.Messages) != 5 {
		t.Fatalf("expected 5 messages after merge, got %d", len(chunk.Messages))
	}
	wantID := types.ChunkID(testConv.ID, types.StrategyTimeWindow, 1, 5)
	if chunk.ID != wantID {
		t.Errorf("merged chunk ID = %q, want %q", chunk.ID, wantID)
	}
	if !chunk.EndTime.Equal(msgs[4].Date) {
		t.Errorf("merged chunk EndTime = %v, want %v", chunk.EndTime, msgs[4].Date)
	}
	if chunk.Metadata.MessageCount != 5 {
		t.Errorf("merged chunk MessageCount = %d, want 5", chunk.Metadata.MessageCount)
	}
}

// TestChunkBy_UndersizedConversationDropped verifies a conversation smaller
// than the minimum produces no chunks at all.
func TestChunkBy_UndersizedConversationDropped(t *testing.T) {
	c := New(30, 50, 3)

	chunks := c.ByTimeWindows(makeMessages(2, time.Minute), testConv)
	if len(chunks) != 0 {
		t.Fatalf("expected 0 chunks for a 2-message conversation with min=3, got %d", len(chunks))
	}
}

// TestChunk_NoMessageLostOrDuplicated verifies the partition property across
// all strategies: every message appears in exactly one chunk, in order.
func TestChunk_NoMessageLostOrDuplicated(t *testing.T) {
	c := New(30, 7, 3)
	msgs := makeMessages(40, 11*time.Minute, types.SenderSelf, "+15551234567", "+15559876543")

	for _, strategy := range []types.Strategy{
		types.StrategyTimeWindow,
		types.StrategyDaily,
		types.StrategyParticipant,
	} {
		chunks, err := c.Chunk(msgs, testConv, strategy)
		if err != nil {
			t.Fatalf("Chunk(%s) failed: %v", strategy, err)
		}

		var got []int64
		for _, chunk := range chunks {
			for _, m := range chunk.Messages {
				got = append(got, m.ID)
			}
		}
		if len(got) != len(msgs) {
			t.Fatalf("%s: %d messages in, %d out", strategy, len(msgs), len(got))
		}
		for i, id := range got {
			if id != msgs[i].ID {
				t.Fatalf("%s: message %d out of order: got ID %d, want %d", strategy, i, id, msgs[i].ID)
			}
		}
	}
}

// TestChunk_Deterministic verifies re-chunking identical input yields
// identical chunk IDs.
func TestChunk_Deterministic(t *testing.T) {
	c := New(30, 10, 3)
	msgs := makeMessages(25, 9*time.Minute, types.SenderSelf, "+15551234567")

	first, err := c.Chunk(msgs, testConv, types.StrategyTimeWindow)
	if err != nil {
		t.Fatalf("Chunk() failed: %v", err)
	}
	second, err := c.Chunk(msgs, testConv, types.StrategyTimeWindow)
	if err != nil {
		t.Fatalf("Chunk() failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d ID differs: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

// TestChunk_UnknownStrategy verifies dispatch rejects unknown tags.
func TestChunk_UnknownStrategy(t *testing.T) {
	c := New(30, 50, 3)
	if _, err := c.Chunk(makeMessages(5, time.Minute), testConv, types.Strategy("bogus")); err == nil {
		t.Fatal("expected error for unknown strategy, got nil")
	}
}

// TestAdaptive_HighVolumeGroupUsesDaily verifies strategy selection for
// large group chats.
func TestAdaptive_HighVolumeGroupUsesDaily(t *testing.T) {
	c := New(30, 50, 3)
	group := types.Conversation{
		ID:           2,
		Style:        types.StyleGroup,
		Participants: []string{"+1", "+2", "+3"},
	}

	msgs := makeMessages(1500, time.Minute, types.SenderSelf, "+1", "+2")
	chunks := c.Adaptive(msgs, group)
	if len(chunks) == 0 {
		t.Fatal("expected chunks from adaptive strategy")
	}
	if chunks[0].Strategy != types.StrategyDaily {
		t.Errorf("adaptive strategy for high-volume group = %q, want %q", chunks[0].Strategy, types.StrategyDaily)
	}

	direct := c.Adaptive(makeMessages(10, time.Minute), testConv)
	if len(direct) == 0 {
		t.Fatal("expected chunks from adaptive strategy for direct chat")
	}
	if direct[0].Strategy != types.StrategyTimeWindow {
		t.Errorf("adaptive strategy for direct chat = %q, want %q", direct[0].Strategy, types.StrategyTimeWindow)
	}
}

// TestCombineText_Format verifies the "[timestamp] sender: text" rendering
// and that empty messages are skipped.
func TestCombineText_Format(t *testing.T) {
	msgs := []types.Message{
		{ID: 1, Text: "lunch tomorrow at 12:30?", Date: testBase, FromMe: true},
		{ID: 2, Text: "  ", Date: testBase.Add(time.Minute), SenderID: "+15551234567"},
		{ID: 3, Text: "sounds good", Date: testBase.Add(2 * time.Minute), SenderID: "+15551234567"},
	}

	text := CombineText(msgs)
	lines := strings.Split(text, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 rendered lines (blank skipped), got %d: %q", len(lines), text)
	}
	if want := "[2025-03-14 10:00] Me: lunch tomorrow at 12:30?"; lines[0] != want {
		t.Errorf("line 0 = %q, want %q", lines[0], want)
	}
	if want := "[2025-03-14 10:02] +15551234567: sounds good"; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
}

// TestNewChunk_Metadata verifies sender counting and media detection.
func TestNewChunk_Metadata(t *testing.T) {
	c := New(30, 50, 1)
	msgs := []types.Message{
		{ID: 1, Text: "look at this", Date: testBase, FromMe: true},
		{ID: 2, Text: "shared a photo", Date: testBase.Add(time.Minute), SenderID: "+15551234567"},
		{ID: 3, Text: "nice!", Date: testBase.Add(2 * time.Minute), FromMe: true},
	}

	chunk := c.newChunk(msgs, testConv, types.StrategyTimeWindow)
	if chunk.Metadata.UniqueSenders != 2 {
		t.Errorf("UniqueSenders = %d, want 2", chunk.Metadata.UniqueSenders)
	}
	if !chunk.Metadata.HasMedia {
		t.Error("expected HasMedia=true for 'shared a photo'")
	}
	if chunk.Metadata.ConversationStyle != types.StyleDirect {
		t.Errorf("ConversationStyle = %q, want %q", chunk.Metadata.ConversationStyle, types.StyleDirect)
	}

	// Participants and the time span ride along in the metadata so the index
	// can surface them without the full chunk.
	if len(chunk.Metadata.Participants) != 1 || chunk.Metadata.Participants[0] != "+15551234567" {
		t.Errorf("Metadata.Participants = %v, want the conversation participants", chunk.Metadata.Participants)
	}
	if !chunk.Metadata.StartTime.Equal(msgs[0].Date) {
		t.Errorf("Metadata.StartTime = %v, want %v", chunk.Metadata.StartTime, msgs[0].Date)
	}
	if !chunk.Metadata.EndTime.Equal(msgs[2].Date) {
		t.Errorf("Metadata.EndTime = %v, want %v", chunk.Metadata.EndTime, msgs[2].Date)
	}
}

// TestSummarize verifies the aggregate statistics over chunks.
func TestSummarize(t *testing.T) {
	c := New(30, 5, 2)
	chunks := c.ByTimeWindows(makeMessages(12, time.Minute), testConv)

	stats := Summarize(chunks)
	if stats.TotalChunks != len(chunks) {
		t.Errorf("TotalChunks = %d, want %d", stats.TotalChunks, len(chunks))
	}
	if stats.TotalMessages != 12 {
		t.Errorf("TotalMessages = %d, want 12", stats.TotalMessages)
	}
	if stats.ByStrategy[types.StrategyTimeWindow] != len(chunks) {
		t.Errorf("ByStrategy[time-window] = %d, want %d", stats.ByStrategy[types.StrategyTimeWindow], len(chunks))
	}

	empty := Summarize(nil)
	if empty.TotalChunks != 0 || empty.AvgMessagesPerChunk != 0 {
		t.Errorf("Summarize(nil) should be zero, got %+v", empty)
	}
}
