package speech

import (
	"context"
	"fmt"

	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/deinterleave"
)

// Request contains parameters to synthesize speech.
type Request struct {
	SessionID string
	Text      string
	Voice     string
	// ContinueFrom carries a prior generation id for prosody continuity.
	// Opaque here; the backend decides what to do with it.
	ContinueFrom string
}

// Synthesizer is the contract for producing generation-tagged audio chunks.
// Chunks may arrive interleaved across generations and in any order; the
// session coordinator restores playback order.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan deinterleave.Chunk, <-chan error)
}

// NewSynthesizer builds the backend selected by synth.mode.
func NewSynthesizer(cfg config.SynthConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg)
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
