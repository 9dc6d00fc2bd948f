package chunker

import "github.com/scrypster/chatrecall/pkg/types"

// Stats summarizes a chunking run.
type Stats struct {
	TotalChunks         int                    `json:"total_chunks"`
	TotalMessages       int                    `json:"total_messages"`
	AvgMessagesPerChunk float64                `json:"avg_messages_per_chunk"`
	MinChunkSize        int                    `json:"min_chunk_size"`
	MaxChunkSize        int                    `json:"max_chunk_size"`
	AvgTextLength       float64                `json:"avg_text_length"`
	ByStrategy          map[types.Strategy]int `json:"by_strategy"`
}

// Summarize computes statistics over a set of chunks. An empty input yields
// a zero Stats.
func Summarize(chunks []types.Chunk) Stats {
	if len(chunks) == 0 {
		return Stats{}
	}

	stats := Stats{
		TotalChunks:  len(chunks),
		MinChunkSize: len(chunks[0].Messages),
		ByStrategy:   make(map[types.Strategy]int),
	}

	var totalText int
	for _, chunk := range chunks {
		n := len(chunk.Messages)
		stats.TotalMessages += n
		if n < stats.MinChunkSize {
			stats.MinChunkSize = n
		}
		if n > stats.MaxChunkSize {
			stats.MaxChunkSize = n
		}
		totalText += len(chunk.Text)
		stats.ByStrategy[chunk.Strategy]++
	}

	stats.AvgMessagesPerChunk = float64(stats.TotalMessages) / float64(len(chunks))
	stats.AvgTextLength = float64(totalText) / float64(len(chunks))
	return stats
}
