package speech

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sonalabs/sona-core/internal/deinterleave"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits a short burst of silence as
// one generation of three chunks.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan deinterleave.Chunk, <-chan error) {
	chunks := make(chan deinterleave.Chunk, 3)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		generationID := "mock-" + uuid.NewString()
		// 100ms of 16-bit silence per chunk.
		payload := make([]byte, m.sampleRate*m.channels*2/10)

		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(20 * time.Millisecond):
			}
			chunks <- deinterleave.Chunk{
				GenerationID: generationID,
				Index:        i,
				Last:         i == 2,
				Audio:        payload,
			}
		}
	}()
	return chunks, errs
}
