// Package session drives one synthesis response: every chunk is persisted
// and fanned out to live playback, and the outcome is reported per
// generation rather than as a single pass/fail.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sonalabs/sona-core/internal/deinterleave"
	"github.com/sonalabs/sona-core/internal/player"
)

// ChunkSource yields synthesis chunks in network-arrival order. Next blocks
// until a chunk is available and returns io.EOF when the stream ends.
type ChunkSource interface {
	Next(ctx context.Context) (deinterleave.Chunk, error)
}

// Persister is the durable half of the fan-out. Implemented by store.Store.
type Persister interface {
	Append(ctx context.Context, sessionID, generationID, snippet string, payload []byte) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// GenerationOutcome reports one generation's fate within a session.
type GenerationOutcome struct {
	GenerationID string
	FilePath     string
	Chunks       int
	Played       bool
	Err          error
}

// Result is the aggregate outcome of a session.
type Result struct {
	SessionID   string
	Generations []GenerationOutcome
	Warnings    []string
	PlaybackErr error
}

type genState struct {
	filePath   string
	chunks     int
	played     bool
	persistErr error
	playErr    error
}

// Coordinator owns the single consumer loop for one synthesis session.
type Coordinator struct {
	sessionID string
	snippet   string
	persist   Persister
	sink      player.Sink
	deint     *deinterleave.Deinterleaver
	log       *slog.Logger

	order    []string
	gens     map[string]*genState
	warnings []string
}

func New(sessionID, snippet string, persist Persister, sink player.Sink, log *slog.Logger) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		snippet:   snippet,
		persist:   persist,
		sink:      sink,
		deint:     deinterleave.New(log),
		log:       log.With(slog.String("component", "stream-coordinator"), slog.String("session_id", sessionID)),
		gens:      make(map[string]*genState),
	}
}

// Run consumes the stream to completion. For each chunk the file write and
// the deinterleave-then-play step run concurrently and are jointly awaited;
// a failure on one side never cancels the other. Run always closes the
// session's file handles and the playback sink before returning.
func (c *Coordinator) Run(ctx context.Context, src ChunkSource) Result {
	type persistOutcome struct {
		path string
		err  error
	}

	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.warn(fmt.Sprintf("synthesis stream failed: %v", err))
			}
			break
		}

		state := c.state(chunk.GenerationID)

		persistCh := make(chan persistOutcome, 1)
		go func(chunk deinterleave.Chunk) {
			path, err := c.persist.Append(ctx, c.sessionID, chunk.GenerationID, c.snippet, chunk.Audio)
			persistCh <- persistOutcome{path: path, err: err}
		}(chunk)

		c.enqueueAndPlay(chunk)

		persisted := <-persistCh
		if persisted.path != "" {
			state.filePath = persisted.path
		}
		if persisted.err != nil && state.persistErr == nil {
			state.persistErr = persisted.err
			c.log.Warn("persisting chunk failed",
				slog.String("generation_id", chunk.GenerationID),
				slog.Int("chunk_index", chunk.Index),
				slog.String("error", persisted.err.Error()))
		}
		if persisted.err == nil {
			state.chunks++
		}
	}

	c.finishPlayback()

	if err := c.persist.CloseSession(ctx, c.sessionID); err != nil {
		c.warn(fmt.Sprintf("closing generation files: %v", err))
	}

	var playbackErr error
	if err := c.sink.Close(); err != nil && !errors.Is(err, player.ErrSinkClosed) {
		playbackErr = err
		c.log.Warn("playback sink failed", slog.String("error", err.Error()))
	}

	return c.result(playbackErr)
}

func (c *Coordinator) state(generationID string) *genState {
	state, ok := c.gens[generationID]
	if !ok {
		state = &genState{}
		c.gens[generationID] = state
		c.order = append(c.order, generationID)
	}
	return state
}

func (c *Coordinator) enqueueAndPlay(chunk deinterleave.Chunk) {
	if err := c.deint.Enqueue(chunk); err != nil {
		c.warn(fmt.Sprintf("generation %s: %v", chunk.GenerationID, err))
		return
	}
	c.playReady()
}

func (c *Coordinator) playReady() {
	for _, ready := range c.deint.Drain() {
		state := c.state(ready.GenerationID)
		if state.playErr == nil {
			if err := c.sink.Send(ready.Audio); err != nil {
				state.playErr = err
				c.log.Warn("sending chunk to player failed",
					slog.String("generation_id", ready.GenerationID),
					slog.Int("chunk_index", ready.Index),
					slog.String("error", err.Error()))
				continue
			}
		}
		if ready.Last && state.playErr == nil {
			state.played = true
		}
	}
}

// finishPlayback detects cursor stalls at end of stream. An in-progress
// generation whose continuation never arrived is abandoned so that other
// complete generations still buffered can play out.
func (c *Coordinator) finishPlayback() {
	for {
		c.playReady()
		generationID, stalled := c.deint.InProgress()
		if !stalled {
			break
		}
		state := c.state(generationID)
		if state.playErr == nil {
			state.playErr = fmt.Errorf("stream ended before generation %s delivered its last chunk", generationID)
		}
		c.warn(fmt.Sprintf("generation %s: stream ended mid-generation, playback truncated", generationID))
		c.deint.Abandon(generationID)
	}

	for _, generationID := range c.deint.PendingGenerations() {
		state := c.state(generationID)
		if state.playErr == nil {
			state.playErr = fmt.Errorf("generation %s never became playable", generationID)
		}
		c.warn(fmt.Sprintf("generation %s: %d buffered chunks never played", generationID, c.deint.Abandon(generationID)))
	}
}

func (c *Coordinator) warn(msg string) {
	c.warnings = append(c.warnings, msg)
	c.log.Warn(msg)
}

func (c *Coordinator) result(playbackErr error) Result {
	res := Result{
		SessionID:   c.sessionID,
		Warnings:    c.warnings,
		PlaybackErr: playbackErr,
	}
	for _, generationID := range c.order {
		state := c.gens[generationID]
		outcome := GenerationOutcome{
			GenerationID: generationID,
			FilePath:     state.filePath,
			Chunks:       state.chunks,
			Played:       state.played,
		}
		switch {
		case state.persistErr != nil && state.playErr != nil:
			outcome.Err = errors.Join(state.persistErr, state.playErr)
		case state.persistErr != nil:
			outcome.Err = state.persistErr
		case state.playErr != nil:
			outcome.Err = state.playErr
		}
		res.Generations = append(res.Generations, outcome)
	}
	return res
}
