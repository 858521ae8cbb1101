package chunk

import (
	"context"
	"fmt"

	"github.com/stemsplit/api/internal/client"
)

// Chunk is one time-slice of the source audio, dispatched as one unit of
// work. Index is the chunk's position in playback order and must survive
// end-to-end: task completion order says nothing about audio order.
type Chunk struct {
	Index   int
	Payload []byte
}

// Splitter cuts an encoded track into consecutive, independently encoded
// chunks using the audio service
type Splitter struct {
	audio  client.AudioProcessor
	format string
}

func NewSplitter(audio client.AudioProcessor, format string) *Splitter {
	return &Splitter{
		audio:  audio,
		format: format,
	}
}

// Split slices raw into non-overlapping windows of the planned chunk
// duration, the last window truncated to the remaining length. Indices are
// assigned 0..n-1 in slice order. Pure with respect to its input: the same
// bytes always produce the same chunks.
func (s *Splitter) Split(ctx context.Context, raw []byte) ([]Chunk, error) {
	totalMs, err := s.audio.DurationMs(ctx, raw, s.format)
	if err != nil {
		return nil, fmt.Errorf("failed to measure track duration: %w", err)
	}
	if totalMs <= 0 {
		return nil, fmt.Errorf("track has no audible duration")
	}

	chunkMs := PlanDuration(totalMs)

	var chunks []Chunk
	for start := int64(0); start < totalMs; start += chunkMs {
		end := start + chunkMs
		if end > totalMs {
			end = totalMs
		}

		payload, err := s.audio.Slice(ctx, raw, s.format, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to slice chunk %d: %w", len(chunks), err)
		}

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Payload: payload,
		})
	}

	return chunks, nil
}
