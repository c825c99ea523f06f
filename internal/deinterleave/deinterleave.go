// Package deinterleave reconstructs a single gapless playback order from
// synthesis chunks that arrive interleaved across concurrent generations.
package deinterleave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrDuplicateChunk is returned when a (generation, index) pair is enqueued twice.
var ErrDuplicateChunk = errors.New("duplicate chunk")

// Chunk is one fragment of a generation's audio payload.
type Chunk struct {
	GenerationID string
	Index        int
	Last         bool
	Audio        []byte
}

// cursor is a two-state machine. Either playback is mid-generation and only
// that generation's next index may advance, or playback sits between
// generations and any other generation's chunk 0 may start.
type cursor struct {
	betweenGenerations bool
	generationID       string // current generation, or the one that just finished
	nextIndex          int    // meaningful only while awaiting a continuation
}

type pendingChunk struct {
	chunk   Chunk
	arrival uint64
}

// Deinterleaver buffers out-of-order chunks and releases them strictly in
// playback order: all of one generation, index-ordered, before any other
// generation begins. It is not safe for concurrent use; a single consumer
// loop must own it.
type Deinterleaver struct {
	log     *slog.Logger
	cur     cursor
	pending []pendingChunk
	seen    map[string]map[int]struct{}
	arrival uint64

	released metric.Int64Counter
	buffered metric.Int64UpDownCounter
}

func New(log *slog.Logger) *Deinterleaver {
	d := &Deinterleaver{
		log:  log.With(slog.String("component", "deinterleaver")),
		cur:  cursor{betweenGenerations: true},
		seen: make(map[string]map[int]struct{}),
	}

	meter := otel.Meter("github.com/sonalabs/sona-core/deinterleave")
	if counter, err := meter.Int64Counter("sona.playback.chunks_released"); err == nil {
		d.released = counter
	}
	if gauge, err := meter.Int64UpDownCounter("sona.playback.chunks_pending"); err == nil {
		d.buffered = gauge
	}
	return d
}

// Enqueue inserts a chunk into the pending set. Arrival order is recorded so
// that ties between generations are broken deterministically later.
func (d *Deinterleaver) Enqueue(c Chunk) error {
	if c.GenerationID == "" {
		return errors.New("chunk has empty generation id")
	}
	if c.Index < 0 {
		return fmt.Errorf("chunk index %d is negative", c.Index)
	}
	indices := d.seen[c.GenerationID]
	if indices == nil {
		indices = make(map[int]struct{})
		d.seen[c.GenerationID] = indices
	}
	if _, dup := indices[c.Index]; dup {
		return fmt.Errorf("%w: generation %s index %d", ErrDuplicateChunk, c.GenerationID, c.Index)
	}
	indices[c.Index] = struct{}{}

	d.arrival++
	d.pending = append(d.pending, pendingChunk{chunk: c, arrival: d.arrival})
	if d.buffered != nil {
		d.buffered.Add(context.Background(), 1)
	}
	return nil
}

// TryAdvance releases the chunk the cursor requires next, if it is pending.
// Mid-generation that is the current generation's next index; between
// generations it is chunk 0 of any other generation, earliest arrival first.
func (d *Deinterleaver) TryAdvance() (Chunk, bool) {
	match := -1
	for i, p := range d.pending {
		if !d.matches(p.chunk) {
			continue
		}
		if match == -1 || p.arrival < d.pending[match].arrival {
			match = i
		}
	}
	if match == -1 {
		return Chunk{}, false
	}

	c := d.pending[match].chunk
	d.pending = append(d.pending[:match], d.pending[match+1:]...)

	if c.Last {
		d.cur = cursor{betweenGenerations: true, generationID: c.GenerationID}
	} else {
		d.cur = cursor{generationID: c.GenerationID, nextIndex: c.Index + 1}
	}

	if d.released != nil {
		d.released.Add(context.Background(), 1)
	}
	if d.buffered != nil {
		d.buffered.Add(context.Background(), -1)
	}
	return c, true
}

func (d *Deinterleaver) matches(c Chunk) bool {
	if d.cur.betweenGenerations {
		return c.GenerationID != d.cur.generationID && c.Index == 0
	}
	return c.GenerationID == d.cur.generationID && c.Index == d.cur.nextIndex
}

// Drain releases every chunk that is ready, in order.
func (d *Deinterleaver) Drain() []Chunk {
	var out []Chunk
	for {
		c, ok := d.TryAdvance()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

// InProgress reports the generation the cursor is waiting to continue. It
// returns false when playback sits between generations, which is the only
// terminal state a healthy stream may end in.
func (d *Deinterleaver) InProgress() (string, bool) {
	if d.cur.betweenGenerations {
		return "", false
	}
	return d.cur.generationID, true
}

// Abandon discards a stalled generation's pending chunks and, if the cursor
// was waiting on it, moves playback to the between-generations state so other
// generations can still play. It returns the number of chunks discarded.
func (d *Deinterleaver) Abandon(generationID string) int {
	kept := d.pending[:0]
	dropped := 0
	for _, p := range d.pending {
		if p.chunk.GenerationID == generationID {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept

	if !d.cur.betweenGenerations && d.cur.generationID == generationID {
		d.cur = cursor{betweenGenerations: true, generationID: generationID}
	}
	if dropped > 0 {
		d.log.Warn("abandoned stalled generation",
			slog.String("generation_id", generationID),
			slog.Int("discarded_chunks", dropped))
		if d.buffered != nil {
			d.buffered.Add(context.Background(), int64(-dropped))
		}
	}
	return dropped
}

// PendingCount reports how many chunks are buffered but not yet released.
func (d *Deinterleaver) PendingCount() int {
	return len(d.pending)
}

// PendingGenerations lists generations that still have buffered chunks, in
// first-arrival order.
func (d *Deinterleaver) PendingGenerations() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range d.pending {
		if _, ok := seen[p.chunk.GenerationID]; ok {
			continue
		}
		seen[p.chunk.GenerationID] = struct{}{}
		out = append(out, p.chunk.GenerationID)
	}
	return out
}
